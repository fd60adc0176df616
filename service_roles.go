package welfarekit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// systemActor is recorded as the actor of changes made by the engine itself.
const systemActor = "system"

// AssignRoleOptions describes a new role assignment.
type AssignRoleOptions struct {
	Scope      AssignmentScope
	ValidFrom  time.Time // zero means now
	ValidUntil *time.Time
	Reason     string
}

// ============================================================================
// ROLE ASSIGNMENT OPERATIONS
// ============================================================================

// AssignRole gives a user a role within a scope.
// The actor, taken from the context, must hold roles.assign at a scope covering the
// requested regions and must outrank the role, unless the actor's role bypasses scope.
// Roles that require approval are created pending and grant nothing until approved.
//
// Example:
//
//	ctx = welfarekit.WithActorID(ctx, adminID)
//	a, err := service.AssignRole(ctx, userID, welfarekit.RoleUnitAdmin, welfarekit.AssignRoleOptions{
//	    Scope: welfarekit.AssignmentScope{Regions: []string{"unit-7"}},
//	})
func (s *Service) AssignRole(ctx context.Context, userID, role string, opts AssignRoleOptions) (*UserRoleAssignment, error) {
	if userID == "" {
		return nil, ErrNoUserID
	}
	if err := s.registry.ValidateRole(role); err != nil {
		return nil, err
	}
	def := s.registry.GetRole(role)

	actorID := GetActorID(ctx)
	if actorID == "" {
		return nil, NewError(ErrNoActorID, "actor ID required for role assignment")
	}

	now := s.now()
	if err := s.authorizeRoleChange(ctx, actorID, def, opts.Scope.Regions, now); err != nil {
		return nil, err
	}
	if err := validateAssignmentScope(def, opts.Scope); err != nil {
		return nil, err
	}

	validFrom := opts.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}
	if opts.ValidUntil != nil && !opts.ValidUntil.After(validFrom) {
		return nil, NewError(ErrInvalidInput, "validity must end after it starts").WithRole(role)
	}

	existing, err := s.listAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	hasPrimary := false
	for i := range existing {
		a := &existing[i]
		if !a.IsActive || a.ApprovalStatus == ApprovalRejected {
			continue
		}
		if a.Role == role {
			return nil, NewError(ErrRoleAlreadyAssigned, "user already has this role").
				WithRole(role).
				WithUser(userID)
		}
		if a.IsPrimary {
			hasPrimary = true
		}
	}

	constraints := def.GetConstraints()
	if constraints.MaxUsers > 0 {
		cctx, cancel := boundedContext(ctx, s.storeTimeout)
		holders, err := s.assignments.CountActiveRoleHolders(cctx, role)
		cancel()
		if err != nil {
			return nil, err
		}
		if holders >= constraints.MaxUsers {
			return nil, NewError(ErrCannotAssign, "role has reached its user limit").WithRole(role)
		}
	}

	status := ApprovalApproved
	if constraints.RequiresApproval {
		status = ApprovalPending
	}

	assignment := &UserRoleAssignment{
		ID:             newRecordID(),
		UserID:         userID,
		Role:           role,
		AssignedBy:     actorID,
		Regions:        append([]string(nil), opts.Scope.Regions...),
		Projects:       append([]string(nil), opts.Scope.Projects...),
		Schemes:        append([]string(nil), opts.Scope.Schemes...),
		ValidFrom:      validFrom,
		ValidUntil:     opts.ValidUntil,
		IsActive:       true,
		IsPrimary:      !hasPrimary && status == ApprovalApproved,
		ApprovalStatus: status,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	assignment.appendEvent(EventAssigned, actorID, opts.Reason, now)

	wctx, cancel := boundedContext(ctx, s.storeTimeout)
	defer cancel()
	if err := s.assignments.CreateAssignment(wctx, assignment); err != nil {
		return nil, err
	}

	s.auditRoleChange(ctx, AuditRoleAssigned, actorID, assignment, opts.Reason, map[string]any{
		"approval_status": string(status),
		"scope":           assignment.Scope(),
	})
	return assignment, nil
}

// RemoveRole deactivates the user's assignment of role. The assignment stays in the
// store with its history. If it was the primary assignment, the most privileged
// remaining one becomes primary.
func (s *Service) RemoveRole(ctx context.Context, userID, role, reason string) error {
	if err := s.registry.ValidateRole(role); err != nil {
		return err
	}
	actorID := GetActorID(ctx)
	if actorID == "" {
		return NewError(ErrNoActorID, "actor ID required for role removal")
	}

	existing, err := s.listAssignments(ctx, userID)
	if err != nil {
		return err
	}
	var target *UserRoleAssignment
	for i := range existing {
		if existing[i].IsActive && existing[i].Role == role {
			target = existing[i].clone()
			break
		}
	}
	if target == nil {
		return NewError(ErrRoleNotAssigned, "user does not have this role").
			WithRole(role).
			WithUser(userID)
	}

	now := s.now()
	if err := s.authorizeRoleChange(ctx, actorID, s.registry.GetRole(role), target.Regions, now); err != nil {
		return err
	}

	wasPrimary := target.IsPrimary
	target.IsActive = false
	target.IsPrimary = false
	target.UpdatedAt = now
	target.appendEvent(EventRemoved, actorID, reason, now)
	if err := s.saveAssignment(ctx, target); err != nil {
		return err
	}

	if wasPrimary {
		s.promotePrimary(ctx, userID, actorID, now)
	}

	s.auditRoleChange(ctx, AuditRoleRemoved, actorID, target, reason, nil)
	return nil
}

// ApproveAssignment activates a pending assignment. Nobody approves their own assignment.
func (s *Service) ApproveAssignment(ctx context.Context, assignmentID string) (*UserRoleAssignment, error) {
	return s.decideAssignment(ctx, assignmentID, true, "")
}

// RejectAssignment refuses a pending assignment and deactivates it.
func (s *Service) RejectAssignment(ctx context.Context, assignmentID, reason string) (*UserRoleAssignment, error) {
	return s.decideAssignment(ctx, assignmentID, false, reason)
}

func (s *Service) decideAssignment(ctx context.Context, assignmentID string, approve bool, reason string) (*UserRoleAssignment, error) {
	actorID := GetActorID(ctx)
	if actorID == "" {
		return nil, NewError(ErrNoActorID, "actor ID required for assignment approval")
	}
	a, err := s.getAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.ApprovalStatus != ApprovalPending {
		return nil, NewError(ErrInvalidInput, fmt.Sprintf("assignment is %s", a.ApprovalStatus)).WithRole(a.Role)
	}
	if a.UserID == actorID {
		return nil, NewError(ErrCannotAssign, "cannot approve your own assignment").WithActor(actorID)
	}

	now := s.now()
	if err := s.authorizeRoleChange(ctx, actorID, s.registry.GetRole(a.Role), a.Regions, now); err != nil {
		return nil, err
	}

	event, audit := EventApproved, AuditRoleApproved
	if approve {
		a.ApprovalStatus = ApprovalApproved
		a.IsPrimary = !s.hasPrimary(ctx, a.UserID, a.ID)
	} else {
		event, audit = EventRejected, AuditRoleRejected
		a.ApprovalStatus = ApprovalRejected
		a.IsActive = false
	}
	a.UpdatedAt = now
	a.appendEvent(event, actorID, reason, now)
	if err := s.saveAssignment(ctx, a); err != nil {
		return nil, err
	}

	s.auditRoleChange(ctx, audit, actorID, a, reason, nil)
	return a, nil
}

// GrantPermission adds a permission to one assignment on top of its role.
// The actor must be allowed to manage the assignment and must hold the permission.
func (s *Service) GrantPermission(ctx context.Context, assignmentID, permission string, expiresAt *time.Time) (*UserRoleAssignment, error) {
	actorID := GetActorID(ctx)
	if actorID == "" {
		return nil, NewError(ErrNoActorID, "actor ID required to grant permissions")
	}
	if s.registry.GetPermission(permission) == nil {
		return nil, NewError(ErrInvalidPermission, fmt.Sprintf("permission %q not defined", permission)).WithPermission(permission)
	}
	a, err := s.getAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.authorizeRoleChange(ctx, actorID, s.registry.GetRole(a.Role), a.Regions, now); err != nil {
		return nil, err
	}
	actor, err := s.resolve(ctx, actorID, now)
	if err != nil {
		return nil, err
	}
	if !actor.Has(permission) {
		return nil, NewError(ErrCannotAssign, "cannot grant a permission you do not hold").
			WithPermission(permission).
			WithActor(actorID)
	}

	a.AdditionalPermissions = append(a.AdditionalPermissions, PermissionGrant{
		Permission: permission,
		GrantedBy:  actorID,
		GrantedAt:  now,
		ExpiresAt:  expiresAt,
	})
	a.UpdatedAt = now
	a.appendEvent(EventPermissionGranted, actorID, permission, now)
	if err := s.saveAssignment(ctx, a); err != nil {
		return nil, err
	}

	s.auditRoleChange(ctx, AuditPermissionGranted, actorID, a, "", map[string]any{"permission": permission})
	return a, nil
}

// RestrictPermission removes a permission from one assignment, optionally until expiresAt.
func (s *Service) RestrictPermission(ctx context.Context, assignmentID, permission, reason string, expiresAt *time.Time) (*UserRoleAssignment, error) {
	actorID := GetActorID(ctx)
	if actorID == "" {
		return nil, NewError(ErrNoActorID, "actor ID required to restrict permissions")
	}
	if s.registry.GetPermission(permission) == nil {
		return nil, NewError(ErrInvalidPermission, fmt.Sprintf("permission %q not defined", permission)).WithPermission(permission)
	}
	a, err := s.getAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.authorizeRoleChange(ctx, actorID, s.registry.GetRole(a.Role), a.Regions, now); err != nil {
		return nil, err
	}

	a.RestrictedPermissions = append(a.RestrictedPermissions, PermissionRestriction{
		Permission:   permission,
		RestrictedBy: actorID,
		RestrictedAt: now,
		Reason:       reason,
		ExpiresAt:    expiresAt,
	})
	a.UpdatedAt = now
	a.appendEvent(EventPermissionRestricted, actorID, reason, now)
	if err := s.saveAssignment(ctx, a); err != nil {
		return nil, err
	}

	s.auditRoleChange(ctx, AuditPermissionRestrict, actorID, a, reason, map[string]any{"permission": permission})
	return a, nil
}

// ExpireStaleAssignments deactivates every active assignment whose validity has ended
// and returns how many were expired. Assignments changed concurrently are skipped
// and picked up by the next run.
func (s *Service) ExpireStaleAssignments(ctx context.Context) (int, error) {
	now := s.now()
	var stale []UserRoleAssignment
	err := withReadRetry(ctx, s.readRetries, func(ctx context.Context) error {
		rctx, cancel := boundedContext(ctx, s.storeTimeout)
		defer cancel()
		var err error
		stale, err = s.assignments.ListExpiredAssignments(rctx, now)
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		a := stale[i].clone()
		wasPrimary := a.IsPrimary
		a.IsActive = false
		a.IsPrimary = false
		a.UpdatedAt = now
		a.appendEvent(EventExpired, systemActor, "validity ended", now)
		if err := s.saveAssignment(ctx, a); err != nil {
			s.logger.Warn("failed to expire assignment",
				zap.String("assignment_id", a.ID),
				zap.String("user_id", a.UserID),
				zap.Error(err))
			continue
		}
		if wasPrimary {
			s.promotePrimary(ctx, a.UserID, systemActor, now)
		}
		expired++
		s.metrics.ExpiredRoles.Inc()
		s.auditRoleChange(ctx, AuditAssignmentExpired, systemActor, a, "validity ended", nil)
	}

	if expired > 0 {
		s.logger.Info("expired role assignments", zap.Int("count", expired))
	}
	return expired, nil
}

// Bootstrap gives the first holder of a role its assignment without an actor.
// It only succeeds while nobody holds the role.
func (s *Service) Bootstrap(ctx context.Context, userID, role string) (*UserRoleAssignment, error) {
	if userID == "" {
		return nil, ErrNoUserID
	}
	if err := s.registry.ValidateRole(role); err != nil {
		return nil, err
	}

	cctx, cancel := boundedContext(ctx, s.storeTimeout)
	holders, err := s.assignments.CountActiveRoleHolders(cctx, role)
	cancel()
	if err != nil {
		return nil, err
	}
	if holders > 0 {
		return nil, NewError(ErrCannotAssign, "role already has holders").WithRole(role)
	}

	now := s.now()
	assignment := &UserRoleAssignment{
		ID:             newRecordID(),
		UserID:         userID,
		Role:           role,
		AssignedBy:     systemActor,
		ValidFrom:      now,
		IsActive:       true,
		IsPrimary:      !s.hasPrimary(ctx, userID, ""),
		ApprovalStatus: ApprovalApproved,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	assignment.appendEvent(EventAssigned, systemActor, "bootstrap", now)

	wctx, wcancel := boundedContext(ctx, s.storeTimeout)
	defer wcancel()
	if err := s.assignments.CreateAssignment(wctx, assignment); err != nil {
		return nil, err
	}

	s.logger.Info("bootstrapped role", zap.String("user_id", userID), zap.String("role", role))
	s.auditRoleChange(ctx, AuditRoleAssigned, systemActor, assignment, "bootstrap", nil)
	return assignment, nil
}

// GetUserAssignments returns every assignment of a user, including inactive ones.
func (s *Service) GetUserAssignments(ctx context.Context, userID string) ([]UserRoleAssignment, error) {
	return s.listAssignments(ctx, userID)
}

// ============================================================================
// INTERNAL HELPERS
// ============================================================================

// authorizeRoleChange checks that actorID may manage assignments of role covering regions.
func (s *Service) authorizeRoleChange(ctx context.Context, actorID string, role *RoleDefinition, regions []string, now time.Time) error {
	if role == nil {
		return NewError(ErrInvalidRole, "role not defined")
	}
	eff, err := s.resolve(ctx, actorID, now)
	if err != nil {
		return err
	}

	candidates := eff.Candidates("roles", "assign")
	if len(candidates) == 0 {
		return NewError(ErrCannotAssign, "actor cannot assign roles").
			WithRole(role.Name()).
			WithActor(actorID)
	}

	if !eff.HasGlobalScope() && eff.BestLevel() >= role.Level() {
		return NewError(ErrCannotAssign, "actor does not outrank this role").
			WithRole(role.Name()).
			WithActor(actorID)
	}

	ac := AccessContextFrom(ctx)
	ac.Timestamp = now
	for _, rp := range candidates {
		pred, err := s.predicateFor(ctx, eff, actorID, rp)
		if err != nil {
			return err
		}
		if !pred.Unrestricted && !coversRegions(pred.Regions, regions) {
			continue
		}
		d := s.evaluateConditions(ctx, actorID, rp, ac)
		s.recordDecision(ctx, actorID, rp.Definition, d, ac, func(rec *AuditRecord) {
			rec.Role = role.Name()
		})
		if !d.Allowed() {
			return d.Err()
		}
		return nil
	}

	return NewError(ErrCannotAssign, "requested regions are outside your scope").
		WithRole(role.Name()).
		WithActor(actorID)
}

func coversRegions(allowed, requested []string) bool {
	for _, r := range requested {
		if !containsString(allowed, r) {
			return false
		}
	}
	return true
}

// validateAssignmentScope checks the scope entries against the role's scope configuration.
func validateAssignmentScope(role *RoleDefinition, scope AssignmentScope) error {
	cfg := role.GetScopeConfig()
	if role.HasGlobalScope() {
		if scope.Size() > 0 {
			return NewError(ErrInvalidInput, "global roles take no scope").WithRole(role.Name())
		}
		return nil
	}

	allowsRegions := false
	for _, l := range cfg.AllowedLevels {
		if l.regional() {
			allowsRegions = true
		}
	}
	switch {
	case len(scope.Regions) > 0 && !allowsRegions:
		return NewError(ErrInvalidInput, "role cannot be scoped to regions").WithRole(role.Name())
	case len(scope.Projects) > 0 && !containsLevel(cfg.AllowedLevels, ScopeLevelProject):
		return NewError(ErrInvalidInput, "role cannot be scoped to projects").WithRole(role.Name())
	case len(scope.Schemes) > 0 && !containsLevel(cfg.AllowedLevels, ScopeLevelScheme):
		return NewError(ErrInvalidInput, "role cannot be scoped to schemes").WithRole(role.Name())
	case !cfg.AllowMultiple && scope.Size() > 1:
		return NewError(ErrInvalidInput, "role allows a single scope").WithRole(role.Name())
	case cfg.MaxScopes > 0 && scope.Size() > cfg.MaxScopes:
		return NewError(ErrInvalidInput, fmt.Sprintf("role allows at most %d scopes", cfg.MaxScopes)).WithRole(role.Name())
	}
	return nil
}

// promotePrimary marks the most privileged remaining effective assignment as primary.
func (s *Service) promotePrimary(ctx context.Context, userID, actorID string, now time.Time) {
	remaining, err := s.listAssignments(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to load assignments for primary promotion", zap.String("user_id", userID), zap.Error(err))
		return
	}

	var candidates []*UserRoleAssignment
	for i := range remaining {
		a := &remaining[i]
		if !a.EffectiveAt(now) {
			continue
		}
		if a.IsPrimary {
			return
		}
		if s.registry.GetRole(a.Role) != nil {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := s.registry.GetRole(candidates[i].Role).Level(), s.registry.GetRole(candidates[j].Role).Level()
		if li != lj {
			return li < lj
		}
		return candidates[i].Role < candidates[j].Role
	})

	next := candidates[0].clone()
	next.IsPrimary = true
	next.UpdatedAt = now
	next.appendEvent(EventPromotedPrimary, actorID, "", now)
	if err := s.saveAssignment(ctx, next); err != nil {
		s.logger.Warn("failed to promote primary assignment",
			zap.String("user_id", userID),
			zap.String("assignment_id", next.ID),
			zap.Error(err))
	}
}

func (s *Service) hasPrimary(ctx context.Context, userID, exceptID string) bool {
	existing, err := s.listAssignments(ctx, userID)
	if err != nil {
		return false
	}
	for _, a := range existing {
		if a.ID != exceptID && a.IsActive && a.IsPrimary && a.ApprovalStatus == ApprovalApproved {
			return true
		}
	}
	return false
}

func (s *Service) listAssignments(ctx context.Context, userID string) ([]UserRoleAssignment, error) {
	var out []UserRoleAssignment
	err := withReadRetry(ctx, s.readRetries, func(ctx context.Context) error {
		rctx, cancel := boundedContext(ctx, s.storeTimeout)
		defer cancel()
		var err error
		out, err = s.assignments.ListAssignments(rctx, userID)
		return err
	})
	return out, err
}

func (s *Service) getAssignment(ctx context.Context, id string) (*UserRoleAssignment, error) {
	if id == "" {
		return nil, NewError(ErrInvalidInput, "assignment id is required")
	}
	var a *UserRoleAssignment
	err := withReadRetry(ctx, s.readRetries, func(ctx context.Context) error {
		rctx, cancel := boundedContext(ctx, s.storeTimeout)
		defer cancel()
		var err error
		a, err = s.assignments.GetAssignment(rctx, id)
		return err
	})
	return a, err
}

func (s *Service) saveAssignment(ctx context.Context, a *UserRoleAssignment) error {
	wctx, cancel := boundedContext(ctx, s.storeTimeout)
	defer cancel()
	return s.assignments.UpdateAssignment(wctx, a)
}

func (s *Service) auditRoleChange(ctx context.Context, event AuditEvent, actorID string, a *UserRoleAssignment, reason string, metadata map[string]any) {
	audit := GetAuditContext(ctx)
	s.writeAudit(ctx, &AuditRecord{
		Event:     event,
		UserID:    a.UserID,
		ActorID:   actorID,
		Role:      a.Role,
		Reason:    reason,
		IPAddress: audit.IPAddress,
		UserAgent: audit.UserAgent,
		RequestID: audit.RequestID,
		Metadata:  metadata,
	})
}
