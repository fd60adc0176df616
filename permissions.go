package welfarekit

import (
	"sort"
	"strings"
)

// PermissionScope is the reach of a permission: how much of the data set it covers.
type PermissionScope string

const (
	ScopeGlobal   PermissionScope = "global"   // every record
	ScopeRegional PermissionScope = "regional" // records in the assigned regions and their descendants
	ScopeAssigned PermissionScope = "assigned" // records in the assigned projects or schemes
	ScopeOwn      PermissionScope = "own"      // records owned by the user
)

// Valid reports whether s is one of the known permission scopes.
func (s PermissionScope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeRegional, ScopeAssigned, ScopeOwn:
		return true
	}
	return false
}

// Breadth orders scopes from narrowest (own) to widest (global).
func (s PermissionScope) Breadth() int {
	switch s {
	case ScopeGlobal:
		return 3
	case ScopeRegional:
		return 2
	case ScopeAssigned:
		return 1
	case ScopeOwn:
		return 0
	}
	return -1
}

// PermissionName is a parsed "module.action.scope" permission.
type PermissionName struct {
	Module string
	Action string
	Scope  PermissionScope
}

// String returns the canonical dotted form.
func (p PermissionName) String() string {
	return p.Module + "." + p.Action + "." + string(p.Scope)
}

// ParsePermission parses a concrete permission name of the form module.action.scope.
//
// Examples:
//
//	ParsePermission("applications.approve.regional") // {applications approve regional}
//	ParsePermission("finances.manage")                // error - scope missing
//	ParsePermission("files.read.team")                // error - unknown scope
func ParsePermission(name string) (PermissionName, error) {
	if err := DefaultMatcher.Validate(name); err != nil {
		return PermissionName{}, err
	}
	parts := strings.Split(name, ".")
	if len(parts) != 3 {
		return PermissionName{}, NewError(ErrInvalidPermission, "permission must have the form module.action.scope").
			WithPermission(name)
	}
	for _, part := range parts {
		if part == "*" {
			return PermissionName{}, NewError(ErrInvalidPermission, "concrete permission cannot contain wildcards").
				WithPermission(name)
		}
	}
	scope := PermissionScope(parts[2])
	if !scope.Valid() {
		return PermissionName{}, NewError(ErrInvalidPermission, "unknown permission scope").
			WithPermission(name)
	}
	return PermissionName{Module: parts[0], Action: parts[1], Scope: scope}, nil
}

// PermissionMatcher handles permission matching with wildcard support.
//
// Supported patterns:
//   - "*" matches all permissions
//   - "module.*" matches every permission of a module (e.g., "finances.*" matches "finances.read.regional")
//   - "*.read.*" matches an action on all modules and scopes
//   - "module.action.*" matches an action at any scope
//   - "exact.match.scope" matches exactly
type PermissionMatcher struct{}

// NewPermissionMatcher creates a new PermissionMatcher.
func NewPermissionMatcher() *PermissionMatcher {
	return &PermissionMatcher{}
}

// Match checks if a permission pattern matches a required permission.
//
// Examples:
//
//	Match("*", "applications.read.own")                      // true - wildcard matches all
//	Match("applications.*", "applications.read.regional")    // true - trailing wildcard covers the rest
//	Match("*.read.*", "beneficiaries.read.own")              // true - action wildcard
//	Match("applications.read.*", "applications.read.global") // true - scope wildcard
//	Match("applications.read.own", "applications.read.own")  // true - exact match
//	Match("applications.read.own", "applications.read.global") // false
//	Match("finances.*", "applications.read.own")             // false - different module
func (pm *PermissionMatcher) Match(pattern, permission string) bool {
	if pattern == permission {
		return true
	}

	if pattern == "*" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	permParts := strings.Split(permission, ".")

	for i, pp := range patternParts {
		if i >= len(permParts) {
			return false
		}
		// A trailing wildcard swallows every remaining part.
		if pp == "*" && i == len(patternParts)-1 {
			return true
		}
		if pp == "*" {
			continue
		}
		if pp != permParts[i] {
			return false
		}
	}

	return len(patternParts) == len(permParts)
}

// MatchAny checks if any of the patterns match the required permission.
func (pm *PermissionMatcher) MatchAny(patterns []string, permission string) bool {
	for _, pattern := range patterns {
		if pm.Match(pattern, permission) {
			return true
		}
	}
	return false
}

// ExpandPermissions returns all permissions that a set of patterns would grant, sorted.
// Only permissions present in the 'all' slice are considered.
func (pm *PermissionMatcher) ExpandPermissions(patterns []string, all []string) []string {
	matched := make(map[string]bool)

	for _, permission := range all {
		for _, pattern := range patterns {
			if pm.Match(pattern, permission) {
				matched[permission] = true
				break
			}
		}
	}

	result := make([]string, 0, len(matched))
	for p := range matched {
		result = append(result, p)
	}
	sort.Strings(result)
	return result
}

// Validate checks if a permission string or pattern is well formed.
// A valid permission is either "*" or a dot-separated string of identifiers.
func (pm *PermissionMatcher) Validate(permission string) error {
	if permission == "" {
		return NewError(ErrInvalidPermission, "permission cannot be empty")
	}

	if permission == "*" {
		return nil
	}

	parts := strings.Split(permission, ".")
	if len(parts) < 2 {
		return NewError(ErrInvalidPermission, "permission must have at least two parts (module.action)").
			WithPermission(permission)
	}

	for _, part := range parts {
		if part == "" {
			return NewError(ErrInvalidPermission, "permission parts cannot be empty").
				WithPermission(permission)
		}
		if part == "*" {
			continue
		}
		for _, c := range part {
			if !isValidPermissionChar(c) {
				return NewError(ErrInvalidPermission, "permission contains invalid character").
					WithPermission(permission)
			}
		}
	}

	return nil
}

func isValidPermissionChar(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_'
}

// DefaultMatcher is the default permission matcher instance.
var DefaultMatcher = NewPermissionMatcher()

// MatchPermission is a convenience function using the default matcher.
func MatchPermission(pattern, permission string) bool {
	return DefaultMatcher.Match(pattern, permission)
}

// MatchAnyPermission is a convenience function using the default matcher.
func MatchAnyPermission(patterns []string, permission string) bool {
	return DefaultMatcher.MatchAny(patterns, permission)
}
