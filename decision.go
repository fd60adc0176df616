package welfarekit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result of an access decision.
type Outcome int

const (
	Denied Outcome = iota
	Allowed
	RateLimited
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case RateLimited:
		return "rate_limited"
	}
	return "denied"
}

// DenyReason explains a non-allowed decision.
type DenyReason string

const (
	ReasonNone      DenyReason = ""
	ReasonMissing   DenyReason = "missing"
	ReasonTime      DenyReason = "time"
	ReasonIP        DenyReason = "ip"
	ReasonRateLimit DenyReason = "rate_limit"
	ReasonScope     DenyReason = "scope"
	ReasonError     DenyReason = "error"
)

// AccessContext carries the request attributes conditions are evaluated against.
// A zero Timestamp means "now" on the service clock.
type AccessContext struct {
	Timestamp time.Time
	IP        string
	UserAgent string
	RequestID string
}

// Decision is the answer to "may this user exercise this permission now".
type Decision struct {
	Outcome    Outcome
	Reason     DenyReason
	Permission string
	RetryAfter time.Duration
}

// Allowed reports whether access was granted.
func (d Decision) Allowed() bool {
	return d.Outcome == Allowed
}

// Err converts a non-allowed decision into an error; nil when allowed.
func (d Decision) Err() error {
	switch {
	case d.Outcome == Allowed:
		return nil
	case d.Outcome == RateLimited:
		return NewError(ErrRateLimited, "too many requests").
			WithPermission(d.Permission).
			WithRetryAfter(d.RetryAfter)
	case d.Reason == ReasonScope:
		return NewError(ErrScopeViolation, "resource outside your scope").WithPermission(d.Permission)
	case d.Reason == ReasonTime:
		return NewError(ErrPermissionDenied, "not permitted at this time").WithPermission(d.Permission)
	case d.Reason == ReasonIP:
		return NewError(ErrPermissionDenied, "not permitted from this address").WithPermission(d.Permission)
	case d.Reason == ReasonError:
		return NewError(ErrPermissionDenied, "permission could not be verified").WithPermission(d.Permission)
	}
	return NewError(ErrPermissionDenied, "missing required permission").WithPermission(d.Permission)
}

func allow(permission string) Decision {
	return Decision{Outcome: Allowed, Permission: permission}
}

func deny(permission string, reason DenyReason) Decision {
	return Decision{Outcome: Denied, Reason: reason, Permission: permission}
}

// HasPermission decides whether userID may exercise permission in the given request context.
//
// The permission must be in the user's effective set, then its conditions are checked
// in order: time window, IP allow/block lists, rate limit. Any failure of the backing
// stores, including the resolution timeout, denies. Permissions marked audit-required
// produce exactly one audit record per call.
//
// Example:
//
//	d := service.HasPermission(ctx, userID, "finances.manage.regional", welfarekit.AccessContextFrom(ctx))
//	if !d.Allowed() {
//	    return d.Err()
//	}
func (s *Service) HasPermission(ctx context.Context, userID, permission string, ac AccessContext) Decision {
	if ac.Timestamp.IsZero() {
		ac.Timestamp = s.now()
	}

	var d Decision
	var rp *ResolvedPermission
	eff, err := s.resolve(ctx, userID, ac.Timestamp)
	switch {
	case err != nil:
		s.logger.Error("permission resolution failed",
			zap.String("user_id", userID),
			zap.String("permission", permission),
			zap.Error(err))
		d = deny(permission, ReasonError)
	default:
		rp = eff.Get(permission)
		if rp == nil {
			d = deny(permission, ReasonMissing)
		} else {
			d = s.evaluateConditions(ctx, userID, rp, ac)
		}
	}

	s.recordDecision(ctx, userID, s.registry.GetPermission(permission), d, ac, nil)
	return d
}

// HasAnyPermission reports whether any of the permissions is allowed; it stops at the first allowed one.
// The returned decision is the allowed one, or the last denial.
func (s *Service) HasAnyPermission(ctx context.Context, userID string, permissions []string, ac AccessContext) Decision {
	d := deny("", ReasonMissing)
	for _, p := range permissions {
		d = s.HasPermission(ctx, userID, p, ac)
		if d.Allowed() {
			return d
		}
	}
	return d
}

// HasAllPermissions reports whether every permission is allowed; it stops at the first denial.
func (s *Service) HasAllPermissions(ctx context.Context, userID string, permissions []string, ac AccessContext) Decision {
	if len(permissions) == 0 {
		return deny("", ReasonMissing)
	}
	var d Decision
	for _, p := range permissions {
		d = s.HasPermission(ctx, userID, p, ac)
		if !d.Allowed() {
			return d
		}
	}
	return d
}

// evaluateConditions checks the time window, the IP lists and the rate limit, in that order.
func (s *Service) evaluateConditions(ctx context.Context, userID string, rp *ResolvedPermission, ac AccessContext) Decision {
	cond := rp.Conditions()

	if !cond.withinSchedule(ac.Timestamp.In(s.location)) {
		return deny(rp.Name, ReasonTime)
	}

	if !cond.ipPermitted(ac.IP) {
		return deny(rp.Name, ReasonIP)
	}

	if rl := cond.RateLimit; rl != nil {
		lctx, cancel := boundedContext(ctx, s.storeTimeout)
		defer cancel()
		ok, retryAfter, err := s.limiter.Allow(lctx, rateLimitKey(userID, rp.Name), rl.MaxRequests, rl.Window, ac.Timestamp)
		if err != nil {
			s.logger.Error("rate limiter unavailable",
				zap.String("user_id", userID),
				zap.String("permission", rp.Name),
				zap.Error(err))
			return deny(rp.Name, ReasonError)
		}
		if !ok {
			s.metrics.RateLimited.WithLabelValues(rp.Name).Inc()
			return Decision{Outcome: RateLimited, Reason: ReasonRateLimit, Permission: rp.Name, RetryAfter: retryAfter}
		}
	}

	return allow(rp.Name)
}

// recordDecision updates metrics and writes the audit record for audit-required permissions.
func (s *Service) recordDecision(ctx context.Context, userID string, def *PermissionDefinition, d Decision, ac AccessContext, extra func(*AuditRecord)) {
	s.metrics.Decisions.WithLabelValues(d.Permission, d.Outcome.String(), string(d.Reason)).Inc()

	if def == nil || !def.IsAuditRequired() {
		return
	}
	rec := &AuditRecord{
		Timestamp:  ac.Timestamp,
		Event:      AuditAccessDecision,
		UserID:     userID,
		ActorID:    userID,
		Permission: d.Permission,
		Decision:   d.Outcome.String(),
		Reason:     string(d.Reason),
		IPAddress:  ac.IP,
		UserAgent:  ac.UserAgent,
		RequestID:  ac.RequestID,
	}
	if extra != nil {
		extra(rec)
	}
	s.writeAudit(ctx, rec)
}

// resolve computes effective permissions under the store timeout and records its latency.
func (s *Service) resolve(ctx context.Context, userID string, at time.Time) (*EffectivePermissions, error) {
	if userID == "" {
		return nil, ErrNoUserID
	}
	rctx, cancel := boundedContext(ctx, s.storeTimeout)
	defer cancel()

	start := time.Now()
	eff, err := s.resolver.Resolve(rctx, userID, at)
	s.metrics.ResolveDuration.Observe(time.Since(start).Seconds())
	return eff, err
}
