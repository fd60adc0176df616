package welfarekit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MaxRoleLevel is the least privileged hierarchy level a role can have.
const MaxRoleLevel = 6

// ScopeLevel names a tier of the organisation a role assignment can be scoped to.
type ScopeLevel string

const (
	ScopeLevelGlobal   ScopeLevel = "global"
	ScopeLevelState    ScopeLevel = "state"
	ScopeLevelDistrict ScopeLevel = "district"
	ScopeLevelArea     ScopeLevel = "area"
	ScopeLevelUnit     ScopeLevel = "unit"
	ScopeLevelProject  ScopeLevel = "project"
	ScopeLevelScheme   ScopeLevel = "scheme"
)

func (l ScopeLevel) regional() bool {
	switch l {
	case ScopeLevelState, ScopeLevelDistrict, ScopeLevelArea, ScopeLevelUnit:
		return true
	}
	return false
}

// ScopeConfig controls which scopes an assignment of a role may carry.
type ScopeConfig struct {
	AllowedLevels []ScopeLevel
	DefaultLevel  ScopeLevel
	AllowMultiple bool
	MaxScopes     int // 0 means unlimited
}

// RoleConstraints are administrative limits on a role.
type RoleConstraints struct {
	MaxUsers         int // 0 means unlimited
	RequiresApproval bool
	IsDeletable      bool
	IsModifiable     bool
}

// SecurityLevel classifies how sensitive a permission is.
type SecurityLevel string

const (
	SecurityLow      SecurityLevel = "low"
	SecurityMedium   SecurityLevel = "medium"
	SecurityHigh     SecurityLevel = "high"
	SecurityCritical SecurityLevel = "critical"
)

// PermissionDependencies links a permission to others.
// Requires must be held alongside, Conflicts cannot be held together, Implies are granted with it.
type PermissionDependencies struct {
	Requires  []string
	Conflicts []string
	Implies   []string
}

// Registry holds all role and permission definitions for the application.
// It is created at startup; any mutation invalidates the expanded role cache.
type Registry struct {
	mu          sync.RWMutex
	roles       map[string]*RoleDefinition
	permissions map[string]*PermissionDefinition
	expanded    map[string][]string // role name -> concrete permissions
	generation  uint64
}

// RoleDefinition defines a role, its hierarchy level, and the permission patterns it grants.
type RoleDefinition struct {
	name        string
	level       int
	category    string
	description string
	permissions []string
	scopeConfig ScopeConfig
	constraints RoleConstraints
	globalScope bool
	active      bool
	registry    *Registry
}

// PermissionDefinition defines a concrete permission with its conditions and dependencies.
type PermissionDefinition struct {
	name          string
	parsed        PermissionName
	description   string
	resource      string
	conditions    PermissionConditions
	dependencies  PermissionDependencies
	securityLevel SecurityLevel
	auditRequired bool
	registry      *Registry
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		roles:       make(map[string]*RoleDefinition),
		permissions: make(map[string]*PermissionDefinition),
		expanded:    make(map[string][]string),
	}
}

// DefineRole starts defining a role at the given hierarchy level (0 = highest privilege).
// A level 0 role bypasses regional scope filtering; the flag is stored on the definition.
//
// Example:
//
//	registry.DefineRole("district_admin", 2).
//	    Category("regional_admin").
//	    Permissions("applications.*.regional", "beneficiaries.read.regional").
//	    Scope(ScopeConfig{AllowedLevels: []ScopeLevel{ScopeLevelDistrict}, DefaultLevel: ScopeLevelDistrict})
func (r *Registry) DefineRole(name string, level int) *RoleDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()

	role := &RoleDefinition{
		name:        name,
		level:       level,
		globalScope: level == 0,
		active:      true,
		constraints: RoleConstraints{IsDeletable: true, IsModifiable: true},
		registry:    r,
	}
	r.roles[name] = role
	r.invalidateLocked()
	return role
}

// DefinePermission starts defining a concrete permission.
// The name is parsed when the registry is validated.
//
// Example:
//
//	registry.DefinePermission("finances.manage.regional").
//	    Requires("finances.read.regional").
//	    Security(SecurityCritical).
//	    Audit()
func (r *Registry) DefinePermission(name string) *PermissionDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()

	perm := &PermissionDefinition{
		name:          name,
		securityLevel: SecurityLow,
		registry:      r,
	}
	if parsed, err := ParsePermission(name); err == nil {
		perm.parsed = parsed
		perm.resource = parsed.Module
	}
	r.permissions[name] = perm
	r.invalidateLocked()
	return perm
}

func (r *Registry) invalidateLocked() {
	r.expanded = make(map[string][]string)
	r.generation++
}

func (r *Registry) mutate(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
	r.invalidateLocked()
}

// GetRole returns the role definition, or nil if it is not defined.
func (r *Registry) GetRole(name string) *RoleDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[name]
}

// GetPermission returns the permission definition, or nil if it is not defined.
func (r *Registry) GetPermission(name string) *PermissionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.permissions[name]
}

// Roles returns all defined role names, sorted.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PermissionNames returns every permission in the catalog, sorted.
func (r *Registry) PermissionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.permissionNamesLocked()
}

func (r *Registry) permissionNamesLocked() []string {
	names := make([]string, 0, len(r.permissions))
	for name := range r.permissions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateRole checks if a role is defined and active.
func (r *Registry) ValidateRole(role string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.roles[role]
	if !exists {
		return NewError(ErrInvalidRole, fmt.Sprintf("role %q not defined", role)).WithRole(role)
	}
	if !def.active {
		return NewError(ErrInvalidRole, fmt.Sprintf("role %q is inactive", role)).WithRole(role)
	}
	return nil
}

// ExpandRole returns the concrete permissions a role's patterns grant.
// Results are cached until the next definition change.
func (r *Registry) ExpandRole(name string) []string {
	r.mu.RLock()
	if cached, ok := r.expanded[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	role, ok := r.roles[name]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	expanded := DefaultMatcher.ExpandPermissions(role.permissions, r.permissionNamesLocked())
	gen := r.generation
	r.mu.RUnlock()

	r.mu.Lock()
	if r.generation == gen {
		r.expanded[name] = expanded
	}
	r.mu.Unlock()
	return expanded
}

// conflictsOf returns every permission that conflicts with name, in either direction.
func (r *Registry) conflictsOf(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]bool)
	if def, ok := r.permissions[name]; ok {
		for _, c := range def.dependencies.Conflicts {
			set[c] = true
		}
	}
	for other, def := range r.permissions {
		for _, c := range def.dependencies.Conflicts {
			if c == name {
				set[other] = true
			}
		}
	}
	delete(set, name)

	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Validate checks every definition for consistency.
// It reports malformed names, dangling references, dependency cycles,
// unusable conditions, and role patterns that grant nothing.
// All problems are returned together as a single ErrConfiguration.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	all := r.permissionNamesLocked()
	for _, name := range all {
		def := r.permissions[name]
		if _, err := ParsePermission(name); err != nil {
			add("permission %q: %v", name, err)
		}
		deps := def.dependencies
		for _, group := range [][]string{deps.Requires, deps.Conflicts, deps.Implies} {
			for _, ref := range group {
				if _, ok := r.permissions[ref]; !ok {
					add("permission %q references undefined permission %q", name, ref)
				}
			}
		}
		for _, c := range deps.Conflicts {
			for _, req := range deps.Requires {
				if c == req {
					add("permission %q both requires and conflicts with %q", name, c)
				}
			}
		}
		if err := def.conditions.validate(); err != nil {
			add("permission %q: %v", name, err)
		}
	}

	if cycle := r.findCycleLocked(all); cycle != nil {
		add("dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	for _, name := range sortedKeys(r.roles) {
		role := r.roles[name]
		if role.level < 0 || role.level > MaxRoleLevel {
			add("role %q: level %d outside 0-%d", name, role.level, MaxRoleLevel)
		}
		for _, pattern := range role.permissions {
			if err := DefaultMatcher.Validate(pattern); err != nil {
				add("role %q: %v", name, err)
				continue
			}
			if len(DefaultMatcher.ExpandPermissions([]string{pattern}, all)) == 0 {
				add("role %q: pattern %q matches no defined permission", name, pattern)
			}
		}
		sc := role.scopeConfig
		if sc.DefaultLevel != "" && len(sc.AllowedLevels) > 0 && !containsLevel(sc.AllowedLevels, sc.DefaultLevel) {
			add("role %q: default scope level %q not among allowed levels", name, sc.DefaultLevel)
		}
		if sc.MaxScopes < 0 || role.constraints.MaxUsers < 0 {
			add("role %q: negative limits", name)
		}
	}

	if len(problems) > 0 {
		return NewError(ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// findCycleLocked walks the requires and implies edges and returns the first cycle found.
func (r *Registry) findCycleLocked(names []string) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(names))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		stack = append(stack, name)
		def := r.permissions[name]
		if def != nil {
			edges := append(append([]string{}, def.dependencies.Requires...), def.dependencies.Implies...)
			for _, next := range edges {
				if _, ok := r.permissions[next]; !ok {
					continue
				}
				switch color[next] {
				case grey:
					for i, s := range stack {
						if s == next {
							cycle = append(append([]string{}, stack[i:]...), next)
							break
						}
					}
					return true
				case white:
					if visit(next) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for _, name := range names {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsLevel(levels []ScopeLevel, l ScopeLevel) bool {
	for _, x := range levels {
		if x == l {
			return true
		}
	}
	return false
}

// Category sets the role category (e.g. "regional_admin", "coordinator").
func (rd *RoleDefinition) Category(category string) *RoleDefinition {
	rd.registry.mutate(func() { rd.category = category })
	return rd
}

// Describe sets a human readable description.
func (rd *RoleDefinition) Describe(description string) *RoleDefinition {
	rd.registry.mutate(func() { rd.description = description })
	return rd
}

// Permissions adds the permission patterns granted by this role.
// Supports wildcards: "*", "module.*", "*.action.*", "module.action.*"
//
// Example:
//
//	role.Permissions("applications.read.regional", "finances.*")
func (rd *RoleDefinition) Permissions(patterns ...string) *RoleDefinition {
	rd.registry.mutate(func() { rd.permissions = append(rd.permissions, patterns...) })
	return rd
}

// Scope sets the scope configuration for assignments of this role.
func (rd *RoleDefinition) Scope(config ScopeConfig) *RoleDefinition {
	rd.registry.mutate(func() { rd.scopeConfig = config })
	return rd
}

// Constraints sets administrative limits for this role.
func (rd *RoleDefinition) Constraints(constraints RoleConstraints) *RoleDefinition {
	rd.registry.mutate(func() { rd.constraints = constraints })
	return rd
}

// GlobalScope marks the role as bypassing all regional scope filtering.
func (rd *RoleDefinition) GlobalScope() *RoleDefinition {
	rd.registry.mutate(func() { rd.globalScope = true })
	return rd
}

// Deactivate keeps the role defined but makes assignments of it contribute nothing.
func (rd *RoleDefinition) Deactivate() *RoleDefinition {
	rd.registry.mutate(func() { rd.active = false })
	return rd
}

// DefineRole continues defining roles on the registry (fluent API).
func (rd *RoleDefinition) DefineRole(name string, level int) *RoleDefinition {
	return rd.registry.DefineRole(name, level)
}

// DefinePermission continues defining permissions on the registry (fluent API).
func (rd *RoleDefinition) DefinePermission(name string) *PermissionDefinition {
	return rd.registry.DefinePermission(name)
}

// Name returns the role name.
func (rd *RoleDefinition) Name() string {
	return rd.name
}

// Level returns the hierarchy level; lower numbers are more privileged.
func (rd *RoleDefinition) Level() int {
	return rd.level
}

// GetCategory returns the role category.
func (rd *RoleDefinition) GetCategory() string {
	rd.registry.mu.RLock()
	defer rd.registry.mu.RUnlock()
	return rd.category
}

// GetPermissions returns the permission patterns of this role.
func (rd *RoleDefinition) GetPermissions() []string {
	rd.registry.mu.RLock()
	defer rd.registry.mu.RUnlock()
	return append([]string(nil), rd.permissions...)
}

// GetScopeConfig returns the scope configuration.
func (rd *RoleDefinition) GetScopeConfig() ScopeConfig {
	rd.registry.mu.RLock()
	defer rd.registry.mu.RUnlock()
	return rd.scopeConfig
}

// GetConstraints returns the administrative limits.
func (rd *RoleDefinition) GetConstraints() RoleConstraints {
	rd.registry.mu.RLock()
	defer rd.registry.mu.RUnlock()
	return rd.constraints
}

// HasGlobalScope reports whether holders of this role bypass regional filtering.
// That is the case for level 0 roles, roles explicitly marked global,
// and roles whose default scope level is global.
func (rd *RoleDefinition) HasGlobalScope() bool {
	rd.registry.mu.RLock()
	defer rd.registry.mu.RUnlock()
	return rd.globalScope || rd.scopeConfig.DefaultLevel == ScopeLevelGlobal
}

// IsActive reports whether assignments of this role currently count.
func (rd *RoleDefinition) IsActive() bool {
	rd.registry.mu.RLock()
	defer rd.registry.mu.RUnlock()
	return rd.active
}

// Outranks reports whether this role sits strictly above other in the hierarchy.
func (rd *RoleDefinition) Outranks(other *RoleDefinition) bool {
	return other != nil && rd.level < other.level
}

// Describe sets a human readable description.
func (pd *PermissionDefinition) Describe(description string) *PermissionDefinition {
	pd.registry.mutate(func() { pd.description = description })
	return pd
}

// Resource overrides the resource name (defaults to the module).
func (pd *PermissionDefinition) Resource(resource string) *PermissionDefinition {
	pd.registry.mutate(func() { pd.resource = resource })
	return pd
}

// Requires adds permissions that must be held for this one to take effect.
func (pd *PermissionDefinition) Requires(names ...string) *PermissionDefinition {
	pd.registry.mutate(func() { pd.dependencies.Requires = append(pd.dependencies.Requires, names...) })
	return pd
}

// Conflicts adds permissions that cannot be held together with this one.
func (pd *PermissionDefinition) Conflicts(names ...string) *PermissionDefinition {
	pd.registry.mutate(func() { pd.dependencies.Conflicts = append(pd.dependencies.Conflicts, names...) })
	return pd
}

// Implies adds permissions granted automatically alongside this one.
func (pd *PermissionDefinition) Implies(names ...string) *PermissionDefinition {
	pd.registry.mutate(func() { pd.dependencies.Implies = append(pd.dependencies.Implies, names...) })
	return pd
}

// Hours restricts use to [start, end) in the service time zone. end < start wraps past midnight.
func (pd *PermissionDefinition) Hours(start, end int) *PermissionDefinition {
	pd.registry.mutate(func() { pd.conditions.TimeWindow = &TimeWindow{StartHour: start, EndHour: end} })
	return pd
}

// Days restricts use to the given weekdays.
func (pd *PermissionDefinition) Days(days ...time.Weekday) *PermissionDefinition {
	pd.registry.mutate(func() { pd.conditions.AllowedDays = append(pd.conditions.AllowedDays, days...) })
	return pd
}

// AllowIPs restricts use to the given addresses or CIDR ranges.
func (pd *PermissionDefinition) AllowIPs(entries ...string) *PermissionDefinition {
	pd.registry.mutate(func() { pd.conditions.AllowedIPs = append(pd.conditions.AllowedIPs, entries...) })
	return pd
}

// BlockIPs denies use from the given addresses or CIDR ranges.
func (pd *PermissionDefinition) BlockIPs(entries ...string) *PermissionDefinition {
	pd.registry.mutate(func() { pd.conditions.BlockedIPs = append(pd.conditions.BlockedIPs, entries...) })
	return pd
}

// RateLimit caps how often a single user may exercise the permission.
func (pd *PermissionDefinition) RateLimit(maxRequests int, window time.Duration) *PermissionDefinition {
	pd.registry.mutate(func() {
		pd.conditions.RateLimit = &RateLimitRule{MaxRequests: maxRequests, Window: window}
	})
	return pd
}

// RequiresApproval flags the permission as needing a second approver in the calling workflow.
func (pd *PermissionDefinition) RequiresApproval() *PermissionDefinition {
	pd.registry.mutate(func() { pd.conditions.RequiresApproval = true })
	return pd
}

// Security sets the security classification.
func (pd *PermissionDefinition) Security(level SecurityLevel) *PermissionDefinition {
	pd.registry.mutate(func() { pd.securityLevel = level })
	return pd
}

// Audit makes every access decision on this permission produce an audit record.
func (pd *PermissionDefinition) Audit() *PermissionDefinition {
	pd.registry.mutate(func() { pd.auditRequired = true })
	return pd
}

// DefinePermission continues defining permissions on the registry (fluent API).
func (pd *PermissionDefinition) DefinePermission(name string) *PermissionDefinition {
	return pd.registry.DefinePermission(name)
}

// DefineRole continues defining roles on the registry (fluent API).
func (pd *PermissionDefinition) DefineRole(name string, level int) *RoleDefinition {
	return pd.registry.DefineRole(name, level)
}

// Name returns the permission name.
func (pd *PermissionDefinition) Name() string {
	return pd.name
}

// Module returns the module part of the name.
func (pd *PermissionDefinition) Module() string {
	return pd.parsed.Module
}

// Action returns the action part of the name.
func (pd *PermissionDefinition) Action() string {
	return pd.parsed.Action
}

// Scope returns the scope part of the name.
func (pd *PermissionDefinition) Scope() PermissionScope {
	return pd.parsed.Scope
}

// GetResource returns the resource this permission guards.
func (pd *PermissionDefinition) GetResource() string {
	pd.registry.mu.RLock()
	defer pd.registry.mu.RUnlock()
	return pd.resource
}

// GetDescription returns the description.
func (pd *PermissionDefinition) GetDescription() string {
	pd.registry.mu.RLock()
	defer pd.registry.mu.RUnlock()
	return pd.description
}

// GetConditions returns the permission's conditions.
func (pd *PermissionDefinition) GetConditions() PermissionConditions {
	pd.registry.mu.RLock()
	defer pd.registry.mu.RUnlock()
	return pd.conditions
}

// GetDependencies returns the permission's dependency edges.
func (pd *PermissionDefinition) GetDependencies() PermissionDependencies {
	pd.registry.mu.RLock()
	defer pd.registry.mu.RUnlock()
	return pd.dependencies
}

// GetSecurityLevel returns the security classification.
func (pd *PermissionDefinition) GetSecurityLevel() SecurityLevel {
	pd.registry.mu.RLock()
	defer pd.registry.mu.RUnlock()
	return pd.securityLevel
}

// IsAuditRequired reports whether decisions on this permission are audited.
func (pd *PermissionDefinition) IsAuditRequired() bool {
	pd.registry.mu.RLock()
	defer pd.registry.mu.RUnlock()
	return pd.auditRequired
}
