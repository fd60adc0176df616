package welfarekit

import "context"

// Checker answers permission questions for a specific user from a single resolution.
// It is typically created by the Service and stored in context for use in handlers.
//
// Checker reports membership in the effective permission set only. Time windows,
// IP lists and rate limits are evaluated by Service.HasPermission.
type Checker struct {
	eff     *EffectivePermissions
	service *Service
}

// NewChecker creates a new Checker over a resolved permission set.
func NewChecker(eff *EffectivePermissions, service *Service) *Checker {
	if eff == nil {
		eff = &EffectivePermissions{Permissions: map[string]*ResolvedPermission{}}
	}
	return &Checker{
		eff:     eff,
		service: service,
	}
}

// UserID returns the user ID this checker is for.
func (c *Checker) UserID() string {
	return c.eff.UserID
}

// Effective returns the underlying resolved permission set.
func (c *Checker) Effective() *EffectivePermissions {
	return c.eff
}

// HasRole checks if the user holds an effective assignment of role.
//
// Example:
//
//	if checker.HasRole(welfarekit.RoleDistrictAdmin) {
//	    // show the district dashboard
//	}
func (c *Checker) HasRole(role string) bool {
	for _, r := range c.eff.Roles {
		if r.Name == role {
			return true
		}
	}
	return false
}

// HasAnyRole checks if the user holds any of the roles.
func (c *Checker) HasAnyRole(roles []string) bool {
	for _, role := range roles {
		if c.HasRole(role) {
			return true
		}
	}
	return false
}

// HasAllRoles checks if the user holds all of the roles.
func (c *Checker) HasAllRoles(roles []string) bool {
	for _, role := range roles {
		if !c.HasRole(role) {
			return false
		}
	}
	return true
}

// HasPermission checks if the permission is in the user's effective set.
//
// Example:
//
//	if checker.HasPermission("applications.approve.regional") {
//	    // render the approve button
//	}
func (c *Checker) HasPermission(permission string) bool {
	return c.eff.Has(permission)
}

// HasAnyPermission checks if the user has any of the specified permissions.
func (c *Checker) HasAnyPermission(permissions []string) bool {
	for _, perm := range permissions {
		if c.HasPermission(perm) {
			return true
		}
	}
	return false
}

// HasAllPermissions checks if the user has all of the specified permissions.
func (c *Checker) HasAllPermissions(permissions []string) bool {
	for _, perm := range permissions {
		if !c.HasPermission(perm) {
			return false
		}
	}
	return true
}

// HasMatching checks if any effective permission matches a wildcard pattern.
//
// Example:
//
//	if checker.HasMatching("finances.*") {
//	    // show the finances menu
//	}
func (c *Checker) HasMatching(pattern string) bool {
	for name := range c.eff.Permissions {
		if MatchPermission(pattern, name) {
			return true
		}
	}
	return false
}

// GetRoles returns the user's role names, sorted.
func (c *Checker) GetRoles() []string {
	return c.eff.RoleNames()
}

// GetPermissions returns the user's effective permission names, sorted.
func (c *Checker) GetPermissions() []string {
	return c.eff.Names()
}

// HighestRole returns the user's most privileged role name, or "" when none.
func (c *Checker) HighestRole() string {
	if r := c.eff.HighestRole(); r != nil {
		return r.Name
	}
	return ""
}

// CanAssignRole checks if the user holds roles.assign and outranks the role.
// Regional coverage is only checked by Service.AssignRole.
func (c *Checker) CanAssignRole(role string) bool {
	if len(c.eff.Candidates("roles", "assign")) == 0 || c.service == nil {
		return false
	}
	def := c.service.registry.GetRole(role)
	if def == nil || !def.IsActive() {
		return false
	}
	return c.eff.HasGlobalScope() || c.eff.BestLevel() < def.Level()
}

// GetAssignableRoles returns the roles the user may assign, sorted.
func (c *Checker) GetAssignableRoles() []string {
	if c.service == nil {
		return nil
	}
	var out []string
	for _, role := range c.service.registry.Roles() {
		if c.CanAssignRole(role) {
			out = append(out, role)
		}
	}
	return out
}

// Allows runs the full decision, conditions included, for the checker's user.
func (c *Checker) Allows(ctx context.Context, permission string) Decision {
	if c.service == nil {
		return deny(permission, ReasonError)
	}
	return c.service.HasPermission(ctx, c.eff.UserID, permission, AccessContextFrom(ctx))
}

// IsEmpty returns true if the user holds no effective role.
func (c *Checker) IsEmpty() bool {
	return len(c.eff.Roles) == 0
}
