package welfarekit

import (
	"context"
	"sync"
	"time"

	"github.com/fernandezvara/dbkit"
	"go.uber.org/zap"
)

// Service is the single authority for access decisions, regional scope filtering,
// role administration and the application approval workflow.
//
// Error Handling:
// Caller-facing failures wrap the package sentinels and can be classified with
// errors.Is or the IsX helpers. Store failures keep the dbkit error chain.
//
// Example error handling:
//
//	app, err := service.TransitionApplication(ctx, req)
//	switch {
//	case welfarekit.IsConcurrentModification(err):
//	    // reload and let the user decide
//	case welfarekit.IsScopeViolation(err), welfarekit.IsPermissionDenied(err):
//	    // 403
//	case welfarekit.IsRateLimited(err):
//	    retry := welfarekit.RetryAfter(err)
//	}
type Service struct {
	registry     *Registry
	assignments  AssignmentStore
	applications ApplicationStore
	audit        AuditStore
	resolver     *PermissionResolver
	locations    LocationDirectory
	limiter      RateLimiter
	notifier     Notifier
	metrics      *Metrics
	policy       WorkflowPolicy
	logger       *zap.Logger
	clock        func() time.Time
	location     *time.Location
	storeTimeout time.Duration
	readRetries  int

	pending sync.WaitGroup
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRateLimiter replaces the in-memory rate limiter, e.g. with a RedisRateLimiter.
func WithRateLimiter(limiter RateLimiter) ServiceOption {
	return func(s *Service) {
		if limiter != nil {
			s.limiter = limiter
		}
	}
}

// WithLocations sets the regional hierarchy used to expand regional scopes.
func WithLocations(locations LocationDirectory) ServiceOption {
	return func(s *Service) {
		if locations != nil {
			s.locations = locations
		}
	}
}

// WithNotifier sets where terminal workflow notifications are sent.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(metrics *Metrics) ServiceOption {
	return func(s *Service) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithTimeZone sets the zone hour-window conditions are evaluated in.
func WithTimeZone(loc *time.Location) ServiceOption {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithStoreTimeout bounds every backing store call made during a decision.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.storeTimeout = d
	}
}

// WithReadRetries sets how many times a transient read failure is retried.
func WithReadRetries(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.readRetries = n
		}
	}
}

// WithWorkflowPolicy sets the level authority and SLA policy of the approval chain.
func WithWorkflowPolicy(policy WorkflowPolicy) ServiceOption {
	return func(s *Service) {
		s.policy = policy
	}
}

// NewService creates a new service. The registry is validated first;
// inconsistent definitions fail here with ErrConfiguration rather than per request.
//
// Example:
//
//	registry := welfarekit.DefaultRegistry()
//	db, _ := dbkit.New(dbkit.Config{URL: "postgres://..."})
//	store := welfarekit.NewBunStore(db)
//	service, err := welfarekit.NewService(registry, store,
//	    welfarekit.WithLogger(logger),
//	    welfarekit.WithLocations(store),
//	)
func NewService(registry *Registry, store Store, opts ...ServiceOption) (*Service, error) {
	if registry == nil || store == nil {
		return nil, NewError(ErrConfiguration, "registry and store are required")
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		registry:     registry,
		assignments:  store,
		applications: store,
		audit:        store,
		locations:    NewStaticLocations(),
		limiter:      NewMemoryRateLimiter(),
		logger:       zap.NewNop(),
		clock:        time.Now,
		location:     time.UTC,
		storeTimeout: defaultStoreTimeout,
		readRetries:  defaultReadRetries,
		policy:       DefaultWorkflowPolicy(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if err := s.policy.validate(); err != nil {
		return nil, err
	}

	s.resolver = NewPermissionResolver(registry, store, s.logger.Named("resolver"))
	s.resolver.readRetries = s.readRetries
	return s, nil
}

// Registry returns the role and permission registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Policy returns the workflow policy.
func (s *Service) Policy() WorkflowPolicy {
	return s.policy
}

func (s *Service) now() time.Time {
	return s.clock()
}

// Wait blocks until in-flight notifications have been handed to the notifier.
func (s *Service) Wait() {
	s.pending.Wait()
}

// GetEffectivePermissions resolves the user's current permission set.
// Calling it twice without intervening changes returns equal results.
func (s *Service) GetEffectivePermissions(ctx context.Context, userID string) (*EffectivePermissions, error) {
	return s.resolve(ctx, userID, s.now())
}

// GetChecker resolves the user's permissions once and wraps them for repeated checks.
func (s *Service) GetChecker(ctx context.Context, userID string) (*Checker, error) {
	eff, err := s.GetEffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NewChecker(eff, s), nil
}

// Health reports the health of the backing store. Stores without a health
// check are reported healthy.
func (s *Service) Health(ctx context.Context) dbkit.HealthStatus {
	if hc, ok := s.applications.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return dbkit.HealthStatus{Healthy: true}
}

// ============================================================================
// AUDIT LOG
// ============================================================================

// GetAuditLog retrieves audit records with optional filters.
func (s *Service) GetAuditLog(ctx context.Context, filter AuditLogFilter) ([]AuditRecord, error) {
	if filter.Limit == 0 {
		filter.Limit = 100 // Default limit
	}
	return s.audit.ListAudit(ctx, filter)
}

// writeAudit stores an audit record. Failures are logged, never returned:
// the decision or change being audited has already happened.
func (s *Service) writeAudit(ctx context.Context, rec *AuditRecord) {
	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	actx, cancel := boundedContext(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()
	if err := s.audit.WriteAudit(actx, rec); err != nil {
		s.logger.Error("audit write failed",
			zap.String("event", string(rec.Event)),
			zap.String("user_id", rec.UserID),
			zap.Error(err))
	}
}

// notify hands n to the notifier in the background. Failures are logged.
func (s *Service) notify(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		nctx, cancel := boundedContext(context.WithoutCancel(ctx), s.storeTimeout)
		defer cancel()
		if err := s.notifier.Notify(nctx, n); err != nil {
			s.logger.Warn("notification failed",
				zap.String("kind", string(n.Kind)),
				zap.String("application_id", n.ApplicationID),
				zap.Error(err))
		}
	}()
}
