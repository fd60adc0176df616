package welfarekit

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ResolvedPermission is one permission of a user's effective set, with where it came from.
type ResolvedPermission struct {
	Name        string
	Scope       PermissionScope
	Definition  *PermissionDefinition
	SourceLevel int      // lowest level among contributing roles
	Roles       []string // contributing roles
	Regions     []string
	Projects    []string
	Schemes     []string
}

// Conditions returns the conditions attached to the permission definition.
func (rp *ResolvedPermission) Conditions() PermissionConditions {
	if rp.Definition == nil {
		return PermissionConditions{}
	}
	return rp.Definition.GetConditions()
}

// merge folds other into rp and reports whether rp changed.
func (rp *ResolvedPermission) merge(other *ResolvedPermission) bool {
	size := func() int { return len(rp.Roles) + len(rp.Regions) + len(rp.Projects) + len(rp.Schemes) }
	before := size()
	lowered := other.SourceLevel < rp.SourceLevel
	if lowered {
		rp.SourceLevel = other.SourceLevel
	}
	rp.Roles = unionStrings(rp.Roles, other.Roles)
	rp.Regions = unionStrings(rp.Regions, other.Regions)
	rp.Projects = unionStrings(rp.Projects, other.Projects)
	rp.Schemes = unionStrings(rp.Schemes, other.Schemes)
	return lowered || size() != before
}

func (rp *ResolvedPermission) derive(name string, def *PermissionDefinition) *ResolvedPermission {
	return &ResolvedPermission{
		Name:        name,
		Scope:       def.Scope(),
		Definition:  def,
		SourceLevel: rp.SourceLevel,
		Roles:       append([]string(nil), rp.Roles...),
		Regions:     append([]string(nil), rp.Regions...),
		Projects:    append([]string(nil), rp.Projects...),
		Schemes:     append([]string(nil), rp.Schemes...),
	}
}

// HeldRole is an effective role assignment of a user.
type HeldRole struct {
	Name         string
	Level        int
	IsPrimary    bool
	GlobalScope  bool
	AssignmentID string
	Scope        AssignmentScope
}

// EffectivePermissions is the resolved permission set of a user at a point in time.
type EffectivePermissions struct {
	UserID      string
	ResolvedAt  time.Time
	Roles       []HeldRole
	Permissions map[string]*ResolvedPermission
}

// Has reports whether the permission is in the effective set.
func (e *EffectivePermissions) Has(name string) bool {
	_, ok := e.Permissions[name]
	return ok
}

// Get returns the resolved permission, or nil.
func (e *EffectivePermissions) Get(name string) *ResolvedPermission {
	return e.Permissions[name]
}

// Names returns the effective permission names, sorted.
func (e *EffectivePermissions) Names() []string {
	return sortedKeys(e.Permissions)
}

// RoleNames returns the held role names, sorted and de-duplicated.
func (e *EffectivePermissions) RoleNames() []string {
	set := make(map[string]bool, len(e.Roles))
	for _, r := range e.Roles {
		set[r.Name] = true
	}
	return sortedKeys(set)
}

// HighestRole returns the most privileged held role, or nil when the user holds none.
// Ties are broken by the primary flag, then by name.
func (e *EffectivePermissions) HighestRole() *HeldRole {
	var best *HeldRole
	for i := range e.Roles {
		r := &e.Roles[i]
		switch {
		case best == nil,
			r.Level < best.Level,
			r.Level == best.Level && r.IsPrimary && !best.IsPrimary,
			r.Level == best.Level && r.IsPrimary == best.IsPrimary && r.Name < best.Name:
			best = r
		}
	}
	return best
}

// BestLevel returns the level of the most privileged held role, or MaxRoleLevel+1 when none.
func (e *EffectivePermissions) BestLevel() int {
	if best := e.HighestRole(); best != nil {
		return best.Level
	}
	return MaxRoleLevel + 1
}

// HasGlobalScope reports whether the highest-privilege role bypasses scope filtering.
func (e *EffectivePermissions) HasGlobalScope() bool {
	best := e.HighestRole()
	return best != nil && best.GlobalScope
}

// Candidates returns the held permissions for module.action at any scope, widest first.
func (e *EffectivePermissions) Candidates(module, action string) []*ResolvedPermission {
	var out []*ResolvedPermission
	for _, rp := range e.Permissions {
		if rp.Definition == nil {
			continue
		}
		if rp.Definition.Module() == module && rp.Definition.Action() == action {
			out = append(out, rp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope.Breadth() != out[j].Scope.Breadth() {
			return out[i].Scope.Breadth() > out[j].Scope.Breadth()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// PermissionResolver computes effective permission sets from assignments and definitions.
// Resolution is a pure function of the stored state and the evaluation time.
type PermissionResolver struct {
	registry    *Registry
	store       AssignmentStore
	logger      *zap.Logger
	readRetries int
}

// NewPermissionResolver creates a resolver over the given registry and assignment store.
func NewPermissionResolver(registry *Registry, store AssignmentStore, logger *zap.Logger) *PermissionResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PermissionResolver{
		registry:    registry,
		store:       store,
		logger:      logger,
		readRetries: defaultReadRetries,
	}
}

// Resolve computes the effective permissions of userID at now.
//
// Each effective assignment contributes its role's expanded permissions plus active
// additional grants, minus active restrictions. The union is then closed over the
// dependency graph: implied permissions are added, permissions missing a requirement
// are dropped, and of two conflicting permissions the one granted by the more
// privileged role survives.
func (r *PermissionResolver) Resolve(ctx context.Context, userID string, now time.Time) (*EffectivePermissions, error) {
	var assignments []UserRoleAssignment
	err := withReadRetry(ctx, r.readRetries, func(ctx context.Context) error {
		var err error
		assignments, err = r.store.ListAssignments(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	eff := &EffectivePermissions{
		UserID:      userID,
		ResolvedAt:  now,
		Permissions: make(map[string]*ResolvedPermission),
	}

	for i := range assignments {
		a := &assignments[i]
		if !a.EffectiveAt(now) {
			continue
		}
		role := r.registry.GetRole(a.Role)
		if role == nil || !role.IsActive() {
			r.logger.Warn("assignment references unknown or inactive role",
				zap.String("user_id", userID),
				zap.String("role", a.Role),
				zap.String("assignment_id", a.ID))
			continue
		}
		eff.Roles = append(eff.Roles, HeldRole{
			Name:         role.Name(),
			Level:        role.Level(),
			IsPrimary:    a.IsPrimary,
			GlobalScope:  role.HasGlobalScope(),
			AssignmentID: a.ID,
			Scope:        a.Scope(),
		})

		for _, name := range r.assignmentPermissions(a, role, now) {
			def := r.registry.GetPermission(name)
			if def == nil {
				continue
			}
			contribution := &ResolvedPermission{
				Name:        name,
				Scope:       def.Scope(),
				Definition:  def,
				SourceLevel: role.Level(),
				Roles:       []string{role.Name()},
				Regions:     append([]string(nil), a.Regions...),
				Projects:    append([]string(nil), a.Projects...),
				Schemes:     append([]string(nil), a.Schemes...),
			}
			if existing, ok := eff.Permissions[name]; ok {
				existing.merge(contribution)
			} else {
				eff.Permissions[name] = contribution
			}
		}
	}

	r.applyImplies(eff.Permissions)
	r.pruneRequires(eff.Permissions)
	r.resolveConflicts(userID, eff.Permissions)
	r.pruneRequires(eff.Permissions)

	return eff, nil
}

func (r *PermissionResolver) assignmentPermissions(a *UserRoleAssignment, role *RoleDefinition, now time.Time) []string {
	set := make(map[string]bool)
	for _, p := range r.registry.ExpandRole(role.Name()) {
		set[p] = true
	}
	for _, g := range a.AdditionalPermissions {
		if g.ActiveAt(now) {
			set[g.Permission] = true
		}
	}
	for _, rs := range a.RestrictedPermissions {
		if rs.ActiveAt(now) {
			delete(set, rs.Permission)
		}
	}
	return sortedKeys(set)
}

// applyImplies adds implied permissions until nothing changes.
func (r *PermissionResolver) applyImplies(perms map[string]*ResolvedPermission) {
	for changed := true; changed; {
		changed = false
		for _, name := range sortedKeys(perms) {
			rp := perms[name]
			for _, implied := range rp.Definition.GetDependencies().Implies {
				def := r.registry.GetPermission(implied)
				if def == nil {
					continue
				}
				if existing, ok := perms[implied]; ok {
					if existing.merge(rp) {
						changed = true
					}
					continue
				}
				perms[implied] = rp.derive(implied, def)
				changed = true
			}
		}
	}
}

// pruneRequires drops permissions whose requirements are absent until nothing changes.
func (r *PermissionResolver) pruneRequires(perms map[string]*ResolvedPermission) {
	for changed := true; changed; {
		changed = false
		for _, name := range sortedKeys(perms) {
			for _, req := range perms[name].Definition.GetDependencies().Requires {
				if _, ok := perms[req]; !ok {
					delete(perms, name)
					changed = true
					break
				}
			}
		}
	}
}

// resolveConflicts keeps, of each conflicting pair, the permission from the lower level number.
// Equal levels keep the lexicographically first name.
func (r *PermissionResolver) resolveConflicts(userID string, perms map[string]*ResolvedPermission) {
	for _, name := range sortedKeys(perms) {
		rp, ok := perms[name]
		if !ok {
			continue
		}
		for _, other := range r.registry.conflictsOf(name) {
			op, ok := perms[other]
			if !ok {
				continue
			}
			loser := other
			if op.SourceLevel < rp.SourceLevel || (op.SourceLevel == rp.SourceLevel && other < name) {
				loser = name
			}
			r.logger.Warn("conflicting permissions held",
				zap.String("user_id", userID),
				zap.String("permission", name),
				zap.String("conflicts_with", other),
				zap.String("dropped", loser))
			delete(perms, loser)
			if loser == name {
				break
			}
		}
	}
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
