package welfarekit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors exported by the engine.
type Metrics struct {
	Decisions        *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
	ResolveDuration  prometheus.Histogram
	OpenApplications *prometheus.GaugeVec
	ExpiredRoles     prometheus.Counter
	StoreTxDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil registerer leaves them unregistered, which suits tests and embedded use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "welfare",
			Name:      "access_decisions_total",
			Help:      "Access decisions by permission and outcome.",
		}, []string{"permission", "outcome", "reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "welfare",
			Name:      "workflow_transitions_total",
			Help:      "Workflow transition attempts by action and result.",
		}, []string{"action", "result"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "welfare",
			Name:      "rate_limited_total",
			Help:      "Requests refused by a permission rate limit.",
		}, []string{"permission"}),
		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "welfare",
			Name:      "permission_resolve_seconds",
			Help:      "Time to resolve a user's effective permissions.",
			Buckets:   prometheus.DefBuckets,
		}),
		OpenApplications: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "welfare",
			Name:      "open_applications",
			Help:      "Open applications by SLA status, as of the last sweep.",
		}, []string{"sla_status"}),
		ExpiredRoles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "welfare",
			Name:      "expired_assignments_total",
			Help:      "Role assignments deactivated because their validity ended.",
		}),
		StoreTxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "welfare",
			Name:      "store_transaction_seconds",
			Help:      "Duration of database transactions by operation and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions, m.Transitions, m.RateLimited, m.ResolveDuration, m.OpenApplications, m.ExpiredRoles, m.StoreTxDuration)
	}
	return m
}
