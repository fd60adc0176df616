package welfarekit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Action is a reviewer or applicant decision on an application.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionForward Action = "forward"
	ActionReturn  Action = "return"
	ActionCancel  Action = "cancel"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionForward, ActionReturn, ActionCancel:
		return true
	}
	return false
}

// permissionAction returns the permission action that authorizes a.
func (a Action) permissionAction() string {
	switch a {
	case ActionReturn:
		return "update"
	case ActionCancel:
		return "cancel"
	}
	return "approve"
}

// WorkflowPolicy is the data that drives the approval chain.
type WorkflowPolicy struct {
	// RequiredLevel is the numerically highest role level allowed to act while an
	// application waits at the approval level.
	RequiredLevel map[ApprovalLevel]int
	// SLA is the time a level has to act before the application is delayed.
	SLA map[ApprovalLevel]time.Duration
	// OverdueGrace is how long past the deadline a delayed application becomes overdue.
	OverdueGrace time.Duration
}

// DefaultWorkflowPolicy returns the standard four-tier policy.
func DefaultWorkflowPolicy() WorkflowPolicy {
	return WorkflowPolicy{
		RequiredLevel: map[ApprovalLevel]int{
			LevelUnit:     4,
			LevelArea:     3,
			LevelDistrict: 2,
			LevelState:    1,
		},
		SLA: map[ApprovalLevel]time.Duration{
			LevelUnit:     72 * time.Hour,
			LevelArea:     72 * time.Hour,
			LevelDistrict: 120 * time.Hour,
			LevelState:    168 * time.Hour,
		},
		OverdueGrace: 48 * time.Hour,
	}
}

func (p WorkflowPolicy) validate() error {
	for _, l := range approvalChain {
		lvl, ok := p.RequiredLevel[l]
		if !ok || lvl < 0 || lvl > MaxRoleLevel {
			return NewError(ErrConfiguration, fmt.Sprintf("workflow policy: no valid required level for %s", l))
		}
		if p.SLA[l] <= 0 {
			return NewError(ErrConfiguration, fmt.Sprintf("workflow policy: no SLA for %s", l))
		}
	}
	if p.OverdueGrace < 0 {
		return NewError(ErrConfiguration, "workflow policy: negative overdue grace")
	}
	return nil
}

func (p WorkflowPolicy) deadline(level ApprovalLevel, from time.Time) time.Time {
	return from.Add(p.SLA[level])
}

// slaStatusAt classifies now against a review deadline.
func (p WorkflowPolicy) slaStatusAt(deadline, now time.Time) SLAStatus {
	switch {
	case deadline.IsZero() || !now.After(deadline):
		return SLAOnTime
	case now.After(deadline.Add(p.OverdueGrace)):
		return SLAOverdue
	}
	return SLADelayed
}

// SubmitRequest describes a new application.
type SubmitRequest struct {
	ApplicantID string
	ProjectID   string
	SchemeID    string
	Location    ApplicationLocation
	Access      AccessContext
}

// TransitionRequest asks for one workflow action on an application.
type TransitionRequest struct {
	ApplicationID string
	Action        Action
	ActorID       string // defaults to the actor in the context
	Remarks       string
	Comments      string
	// RequestID makes the call idempotent: a repeat with the same id returns the
	// current application without recording another entry.
	RequestID string
	Access    AccessContext
}

// transitionTarget is the state an action moves an application into.
type transitionTarget struct {
	status ApplicationStatus
	level  ApprovalLevel
	entry  EntryStatus
}

// nextState applies action to an application waiting at level.
func nextState(level ApprovalLevel, action Action) (transitionTarget, error) {
	switch action {
	case ActionApprove:
		if next, ok := level.Next(); ok {
			return transitionTarget{next.ReviewStatus(), next, EntryApproved}, nil
		}
		return transitionTarget{StatusApproved, level, EntryApproved}, nil
	case ActionForward:
		if next, ok := level.Next(); ok {
			return transitionTarget{next.ReviewStatus(), next, EntryForwarded}, nil
		}
		return transitionTarget{}, NewError(ErrInvalidTransition, "no higher level to forward to")
	case ActionReturn:
		if prev, ok := level.Previous(); ok {
			return transitionTarget{prev.ReviewStatus(), prev, EntryReturned}, nil
		}
		return transitionTarget{}, NewError(ErrInvalidTransition, "no lower level to return to")
	case ActionReject:
		return transitionTarget{StatusRejected, level, EntryRejected}, nil
	case ActionCancel:
		return transitionTarget{StatusCancelled, level, EntryCancelled}, nil
	}
	return transitionTarget{}, NewError(ErrInvalidInput, fmt.Sprintf("unknown action %q", action))
}

// SubmitApplication records a new application waiting at the first approval level.
// The applicant needs applications.create.own, including its rate limit.
func (s *Service) SubmitApplication(ctx context.Context, req SubmitRequest) (*Application, error) {
	if req.ApplicantID == "" {
		return nil, ErrNoUserID
	}
	if req.Location.Unit == "" {
		return nil, NewError(ErrInvalidInput, "application must be placed in a unit")
	}
	if req.Access.Timestamp.IsZero() {
		req.Access.Timestamp = s.now()
	}
	now := req.Access.Timestamp

	if d := s.HasPermission(ctx, req.ApplicantID, PermApplicationsCreateOwn, req.Access); !d.Allowed() {
		return nil, d.Err()
	}

	loc, err := s.completeLocation(ctx, req.Location)
	if err != nil {
		return nil, err
	}

	id := NewApplicationID(now)
	app := &Application{
		ID:           id,
		Number:       ApplicationNumber(id, now),
		ApplicantID:  req.ApplicantID,
		ProjectID:    req.ProjectID,
		SchemeID:     req.SchemeID,
		Status:       StatusPending,
		CurrentLevel: approvalChain[0],
		Location:     loc,
		SLAStatus:    SLAOnTime,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	app.ApprovalHierarchy = []*ApprovalEntry{{
		ID:            newRecordID(),
		ApplicationID: id,
		Sequence:      1,
		Level:         app.CurrentLevel,
		AssignedTo:    req.ApplicantID,
		Status:        EntryPending,
		RequestID:     req.Access.RequestID,
		Timestamp:     now,
		Deadline:      s.policy.deadline(app.CurrentLevel, now),
	}}

	wctx, cancel := boundedContext(ctx, s.storeTimeout)
	defer cancel()
	if err := s.applications.CreateApplication(wctx, app); err != nil {
		return nil, err
	}

	s.logger.Info("application submitted",
		zap.String("application_id", app.ID),
		zap.String("number", app.Number),
		zap.String("applicant_id", app.ApplicantID))
	return app, nil
}

// completeLocation fills missing ancestors of the unit from the location directory.
func (s *Service) completeLocation(ctx context.Context, loc ApplicationLocation) (ApplicationLocation, error) {
	if loc.Area != "" && loc.District != "" && loc.State != "" {
		return loc, nil
	}
	var ancestors []string
	err := withReadRetry(ctx, s.readRetries, func(ctx context.Context) error {
		var err error
		ancestors, err = s.locations.Ancestors(ctx, loc.Unit)
		return err
	})
	if err != nil {
		return loc, err
	}
	for i, slot := range []*string{&loc.Area, &loc.District, &loc.State} {
		if *slot == "" && i < len(ancestors) {
			*slot = ancestors[i]
		}
	}
	return loc, nil
}

// TransitionApplication applies one workflow action.
//
// The actor is authorized before anything is written: the action's permission must
// be held at a scope that contains the application, its conditions must hold, and the
// actor's most privileged role must be senior enough for the level the application
// waits at. The update is version-checked; a lost race returns
// ErrConcurrentModification and nothing is written.
func (s *Service) TransitionApplication(ctx context.Context, req TransitionRequest) (*Application, error) {
	if !req.Action.Valid() {
		return nil, NewError(ErrInvalidInput, fmt.Sprintf("unknown action %q", req.Action))
	}
	actorID := req.ActorID
	if actorID == "" {
		actorID = GetActorID(ctx)
	}
	if actorID == "" {
		return nil, ErrNoActorID
	}
	if req.Access.Timestamp.IsZero() {
		req.Access.Timestamp = s.now()
	}
	now := req.Access.Timestamp
	action := string(req.Action)

	app, err := s.loadApplication(ctx, req.ApplicationID)
	if err != nil {
		s.metrics.Transitions.WithLabelValues(action, "error").Inc()
		return nil, err
	}

	eff, err := s.resolve(ctx, actorID, now)
	if err != nil {
		s.logger.Error("actor resolution failed",
			zap.String("actor_id", actorID),
			zap.String("application_id", app.ID),
			zap.Error(err))
		s.metrics.Transitions.WithLabelValues(action, "denied").Inc()
		return nil, deny("applications."+req.Action.permissionAction(), ReasonError).Err()
	}

	// Replays need the scope match only and spend no rate limit
	rp, d := s.scopeMatch(ctx, actorID, eff, app, req.Action.permissionAction())
	if d.Allowed() && req.RequestID != "" {
		if replay, err := s.replay(ctx, app, req.RequestID); err != nil || replay != nil {
			return replay, err
		}
	}

	if d = s.decideOnApplication(ctx, actorID, rp, d, app, action, req.Access); !d.Allowed() {
		s.metrics.Transitions.WithLabelValues(action, "denied").Inc()
		return nil, wrapDecision(d, actorID, app.ID)
	}

	if app.Status.IsTerminal() {
		s.metrics.Transitions.WithLabelValues(action, "invalid").Inc()
		return nil, NewError(ErrInvalidTransition, fmt.Sprintf("application is %s", app.Status)).WithApplication(app.ID)
	}

	if req.Action != ActionCancel {
		if required := s.policy.RequiredLevel[app.CurrentLevel]; eff.BestLevel() > required {
			s.metrics.Transitions.WithLabelValues(action, "denied").Inc()
			return nil, NewError(ErrPermissionDenied, "a more senior role is required at this approval level").
				WithActor(actorID).
				WithApplication(app.ID)
		}
	}

	target, err := nextState(app.CurrentLevel, req.Action)
	if err != nil {
		s.metrics.Transitions.WithLabelValues(action, "invalid").Inc()
		var werr *Error
		if errors.As(err, &werr) {
			werr.ApplicationID = app.ID
		}
		return nil, err
	}

	updated := app.clone()
	entry := &ApprovalEntry{
		ID:            newRecordID(),
		ApplicationID: app.ID,
		Sequence:      len(app.ApprovalHierarchy) + 1,
		Level:         app.CurrentLevel,
		AssignedTo:    actorID,
		Status:        target.entry,
		Action:        req.Action,
		Remarks:       req.Remarks,
		Comments:      req.Comments,
		RequestID:     req.RequestID,
		Timestamp:     now,
	}
	updated.Status = target.status
	updated.CurrentLevel = target.level
	updated.UpdatedAt = now
	if target.status.IsTerminal() {
		entry.Deadline = now
		var previous time.Time
		if last := app.LatestEntry(); last != nil {
			previous = last.Deadline
		}
		updated.SLAStatus = s.policy.slaStatusAt(previous, now)
	} else {
		entry.Deadline = s.policy.deadline(target.level, now)
		updated.SLAStatus = SLAOnTime
	}
	updated.ApprovalHierarchy = append(updated.ApprovalHierarchy, entry)

	wctx, cancel := boundedContext(ctx, s.storeTimeout)
	defer cancel()
	if err := s.applications.CommitTransition(wctx, updated, entry); err != nil {
		if errors.Is(err, errDuplicateRequestID) {
			return s.loadApplication(ctx, app.ID)
		}
		if IsConcurrentModification(err) {
			s.metrics.Transitions.WithLabelValues(action, "conflict").Inc()
			return nil, NewError(ErrConcurrentModification, "application was changed by someone else").
				WithActor(actorID).
				WithApplication(app.ID)
		}
		s.metrics.Transitions.WithLabelValues(action, "error").Inc()
		return nil, err
	}
	s.metrics.Transitions.WithLabelValues(action, "ok").Inc()

	s.logger.Info("application transitioned",
		zap.String("application_id", app.ID),
		zap.String("action", action),
		zap.String("actor_id", actorID),
		zap.String("from", string(app.Status)),
		zap.String("to", string(updated.Status)))

	if updated.Status.IsTerminal() {
		s.writeAudit(ctx, &AuditRecord{
			Timestamp:     now,
			Event:         AuditWorkflowTransition,
			UserID:        updated.ApplicantID,
			ActorID:       actorID,
			ApplicationID: updated.ID,
			Action:        action,
			Decision:      string(updated.Status),
			IPAddress:     req.Access.IP,
			UserAgent:     req.Access.UserAgent,
			RequestID:     req.Access.RequestID,
			Metadata: map[string]any{
				"level":   string(entry.Level),
				"remarks": req.Remarks,
			},
		})
		s.notify(ctx, notificationFor(updated, entry))
	}

	return updated, nil
}

// scopeMatch finds the widest held permission for applications.permAction whose scope
// contains app. The decision allows when one does; conditions are not evaluated.
// The permission is nil only when none is held.
func (s *Service) scopeMatch(ctx context.Context, actorID string, eff *EffectivePermissions, app *Application, permAction string) (*ResolvedPermission, Decision) {
	candidates := eff.Candidates(string(ResourceApplications), permAction)
	if len(candidates) == 0 {
		return nil, deny(string(ResourceApplications)+"."+permAction, ReasonMissing)
	}
	for _, rp := range candidates {
		pred, err := s.predicateFor(ctx, eff, actorID, rp)
		if err != nil {
			s.logger.Error("scope expansion failed",
				zap.String("actor_id", actorID),
				zap.String("permission", rp.Name),
				zap.Error(err))
			return rp, deny(rp.Name, ReasonError)
		}
		if pred.Matches(app) {
			return rp, allow(rp.Name)
		}
	}
	return candidates[0], deny(candidates[0].Name, ReasonScope)
}

// decideOnApplication evaluates the conditions of a scope match and records the decision.
func (s *Service) decideOnApplication(ctx context.Context, actorID string, rp *ResolvedPermission, d Decision, app *Application, label string, ac AccessContext) Decision {
	var def *PermissionDefinition
	if rp != nil {
		def = rp.Definition
	}
	if d.Allowed() {
		d = s.evaluateConditions(ctx, actorID, rp, ac)
	}
	s.recordDecision(ctx, actorID, def, d, ac, func(rec *AuditRecord) {
		rec.ApplicationID = app.ID
		rec.Action = label
	})
	return d
}

// replay returns the current application when requestID was already recorded for it.
func (s *Service) replay(ctx context.Context, app *Application, requestID string) (*Application, error) {
	var entry *ApprovalEntry
	err := withReadRetry(ctx, s.readRetries, func(ctx context.Context) error {
		rctx, cancel := boundedContext(ctx, s.storeTimeout)
		defer cancel()
		var err error
		entry, err = s.applications.FindEntryByRequestID(rctx, app.ID, requestID)
		return err
	})
	if err != nil || entry == nil {
		return nil, err
	}
	s.logger.Debug("transition replayed",
		zap.String("application_id", app.ID),
		zap.String("request_id", requestID))
	return app, nil
}

func (s *Service) loadApplication(ctx context.Context, id string) (*Application, error) {
	if id == "" {
		return nil, NewError(ErrInvalidInput, "application id is required")
	}
	var app *Application
	err := withReadRetry(ctx, s.readRetries, func(ctx context.Context) error {
		rctx, cancel := boundedContext(ctx, s.storeTimeout)
		defer cancel()
		var err error
		app, err = s.applications.GetApplication(rctx, id)
		return err
	})
	return app, err
}

// wrapDecision converts a denial into an error carrying the actor and application.
func wrapDecision(d Decision, actorID, applicationID string) error {
	err := d.Err()
	var werr *Error
	if errors.As(err, &werr) {
		werr.ActorID = actorID
		werr.ApplicationID = applicationID
	}
	return err
}
