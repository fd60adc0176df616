package welfarekit

import (
	"context"

	"go.uber.org/zap"
)

// ============================================================================
// APPLICATION QUERIES
// ============================================================================

// GetApplication returns an application the user may read.
// An application outside the user's read scope is reported as a scope violation
// without revealing anything about it. The read permission's conditions apply.
func (s *Service) GetApplication(ctx context.Context, userID, applicationID string) (*Application, error) {
	ac := s.readAccess(ctx)
	eff, err := s.resolve(ctx, userID, ac.Timestamp)
	if err != nil {
		return nil, err
	}
	pred, err := s.readPredicate(ctx, eff, userID, ResourceApplications)
	if err != nil {
		return nil, err
	}
	if pred.IsMatchNothing() {
		return nil, NewError(ErrScopeViolation, "resource outside your scope").WithUser(userID)
	}

	app, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	rp, d := s.scopeMatch(ctx, userID, eff, app, "read")
	if rp == nil && eff.HasGlobalScope() {
		return app, nil
	}
	if d = s.decideOnApplication(ctx, userID, rp, d, app, "read", ac); !d.Allowed() {
		return nil, wrapDecision(d, userID, app.ID)
	}
	return app, nil
}

// ListApplications returns the applications matching filter within the user's read scope.
// A user with no read scope gets an empty list. The conditions of the widest read
// permission held decide whether the listing is allowed at all.
func (s *Service) ListApplications(ctx context.Context, userID string, filter ApplicationFilter) ([]Application, error) {
	ac := s.readAccess(ctx)
	eff, err := s.resolve(ctx, userID, ac.Timestamp)
	if err != nil {
		return nil, err
	}
	pred, err := s.readPredicate(ctx, eff, userID, ResourceApplications)
	if err != nil {
		return nil, err
	}
	if pred.IsMatchNothing() {
		return []Application{}, nil
	}

	if candidates := eff.Candidates(string(ResourceApplications), "read"); len(candidates) > 0 {
		rp := candidates[0]
		d := s.evaluateConditions(ctx, userID, rp, ac)
		s.recordDecision(ctx, userID, rp.Definition, d, ac, func(rec *AuditRecord) {
			rec.Action = "list"
		})
		if !d.Allowed() {
			return nil, wrapDecision(d, userID, "")
		}
	}

	if filter.Limit == 0 {
		filter.Limit = 100 // Default limit
	}

	var apps []Application
	err = withReadRetry(ctx, s.readRetries, func(ctx context.Context) error {
		rctx, cancel := boundedContext(ctx, s.storeTimeout)
		defer cancel()
		var err error
		apps, err = s.applications.ListApplications(rctx, filter, pred)
		return err
	})
	return apps, err
}

// readAccess builds the access context of a read from the request values in ctx.
func (s *Service) readAccess(ctx context.Context) AccessContext {
	ac := AccessContextFrom(ctx)
	ac.Timestamp = s.now()
	return ac
}

// SLAReport counts open applications by SLA status.
type SLAReport struct {
	OnTime  int
	Delayed int
	Overdue int
	Updated int // applications whose stored status changed
}

// SweepSLA recomputes the SLA status of every open application, stores changes,
// and publishes the counts on the open applications gauge.
func (s *Service) SweepSLA(ctx context.Context) (SLAReport, error) {
	var report SLAReport
	now := s.now()

	var open []Application
	err := withReadRetry(ctx, s.readRetries, func(ctx context.Context) error {
		rctx, cancel := boundedContext(ctx, s.storeTimeout)
		defer cancel()
		var err error
		open, err = s.applications.ListOpenApplications(rctx)
		return err
	})
	if err != nil {
		return report, err
	}

	for i := range open {
		app := &open[i]
		deadline := app.CreatedAt.Add(s.policy.SLA[app.CurrentLevel])
		if last := app.LatestEntry(); last != nil {
			deadline = last.Deadline
		}
		status := s.policy.slaStatusAt(deadline, now)

		switch status {
		case SLAOnTime:
			report.OnTime++
		case SLADelayed:
			report.Delayed++
		case SLAOverdue:
			report.Overdue++
		}

		if status == app.SLAStatus {
			continue
		}
		wctx, cancel := boundedContext(ctx, s.storeTimeout)
		err := s.applications.UpdateSLAStatus(wctx, app.ID, status)
		cancel()
		if err != nil {
			s.logger.Warn("failed to update SLA status",
				zap.String("application_id", app.ID),
				zap.String("sla_status", string(status)),
				zap.Error(err))
			continue
		}
		report.Updated++
		if status == SLAOverdue {
			s.logger.Warn("application overdue",
				zap.String("application_id", app.ID),
				zap.String("number", app.Number),
				zap.String("level", string(app.CurrentLevel)))
		}
	}

	s.metrics.OpenApplications.WithLabelValues(string(SLAOnTime)).Set(float64(report.OnTime))
	s.metrics.OpenApplications.WithLabelValues(string(SLADelayed)).Set(float64(report.Delayed))
	s.metrics.OpenApplications.WithLabelValues(string(SLAOverdue)).Set(float64(report.Overdue))
	return report, nil
}
