package welfarekit

import (
	"time"

	"github.com/uptrace/bun"
)

// ApprovalStatus is the administrative state of a role assignment.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// AssignmentScope lists the regions, projects and schemes an assignment covers.
type AssignmentScope struct {
	Regions  []string `json:"regions,omitempty"`
	Projects []string `json:"projects,omitempty"`
	Schemes  []string `json:"schemes,omitempty"`
}

// Size returns the total number of scope entries.
func (s AssignmentScope) Size() int {
	return len(s.Regions) + len(s.Projects) + len(s.Schemes)
}

// PermissionGrant is an extra permission given to one assignment on top of its role.
type PermissionGrant struct {
	Permission string     `json:"permission"`
	GrantedBy  string     `json:"granted_by"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the grant is still in force at t.
func (g PermissionGrant) ActiveAt(t time.Time) bool {
	return g.ExpiresAt == nil || t.Before(*g.ExpiresAt)
}

// PermissionRestriction removes a permission from one assignment.
type PermissionRestriction struct {
	Permission   string     `json:"permission"`
	RestrictedBy string     `json:"restricted_by"`
	RestrictedAt time.Time  `json:"restricted_at"`
	Reason       string     `json:"reason,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the restriction is still in force at t.
func (r PermissionRestriction) ActiveAt(t time.Time) bool {
	return r.ExpiresAt == nil || t.Before(*r.ExpiresAt)
}

// AssignmentEventType is the kind of change recorded in an assignment's history.
type AssignmentEventType string

const (
	EventAssigned             AssignmentEventType = "assigned"
	EventRemoved              AssignmentEventType = "removed"
	EventExpired              AssignmentEventType = "expired"
	EventApproved             AssignmentEventType = "approved"
	EventRejected             AssignmentEventType = "rejected"
	EventPromotedPrimary      AssignmentEventType = "promoted_primary"
	EventPermissionGranted    AssignmentEventType = "permission_granted"
	EventPermissionRestricted AssignmentEventType = "permission_restricted"
)

// AssignmentEvent is one append-only entry of an assignment's history.
type AssignmentEvent struct {
	Type    AssignmentEventType `json:"type"`
	ActorID string              `json:"actor_id"`
	Reason  string              `json:"reason,omitempty"`
	At      time.Time           `json:"at"`
}

// UserRoleAssignment binds a user to a role with a scope and a validity period.
// Assignments are never deleted; removal deactivates them.
type UserRoleAssignment struct {
	bun.BaseModel `bun:"table:user_role_assignments,alias:ura"`

	ID         string `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	UserID     string `bun:"user_id,notnull" json:"user_id"`
	Role       string `bun:"role,notnull" json:"role"`
	AssignedBy string `bun:"assigned_by,notnull" json:"assigned_by"`

	Regions  []string `bun:"regions,type:text[],array" json:"regions,omitempty"`
	Projects []string `bun:"projects,type:text[],array" json:"projects,omitempty"`
	Schemes  []string `bun:"schemes,type:text[],array" json:"schemes,omitempty"`

	AdditionalPermissions []PermissionGrant       `bun:"additional_permissions,type:jsonb" json:"additional_permissions,omitempty"`
	RestrictedPermissions []PermissionRestriction `bun:"restricted_permissions,type:jsonb" json:"restricted_permissions,omitempty"`

	ValidFrom      time.Time      `bun:"valid_from,notnull" json:"valid_from"`
	ValidUntil     *time.Time     `bun:"valid_until" json:"valid_until,omitempty"`
	IsActive       bool           `bun:"is_active,notnull" json:"is_active"`
	IsPrimary      bool           `bun:"is_primary,notnull" json:"is_primary"`
	ApprovalStatus ApprovalStatus `bun:"approval_status,notnull" json:"approval_status"`

	History []AssignmentEvent `bun:"history,type:jsonb" json:"history,omitempty"`
	Version int64             `bun:"version,notnull" json:"version"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// Scope returns the assignment's scope entries.
func (a *UserRoleAssignment) Scope() AssignmentScope {
	return AssignmentScope{Regions: a.Regions, Projects: a.Projects, Schemes: a.Schemes}
}

// EffectiveAt reports whether the assignment contributes permissions at t.
func (a *UserRoleAssignment) EffectiveAt(t time.Time) bool {
	if !a.IsActive || a.ApprovalStatus != ApprovalApproved {
		return false
	}
	if t.Before(a.ValidFrom) {
		return false
	}
	if a.ValidUntil != nil && !t.Before(*a.ValidUntil) {
		return false
	}
	return true
}

func (a *UserRoleAssignment) appendEvent(t AssignmentEventType, actorID, reason string, at time.Time) {
	a.History = append(a.History, AssignmentEvent{Type: t, ActorID: actorID, Reason: reason, At: at})
}

func (a *UserRoleAssignment) clone() *UserRoleAssignment {
	c := *a
	c.Regions = append([]string(nil), a.Regions...)
	c.Projects = append([]string(nil), a.Projects...)
	c.Schemes = append([]string(nil), a.Schemes...)
	c.AdditionalPermissions = append([]PermissionGrant(nil), a.AdditionalPermissions...)
	c.RestrictedPermissions = append([]PermissionRestriction(nil), a.RestrictedPermissions...)
	c.History = append([]AssignmentEvent(nil), a.History...)
	if a.ValidUntil != nil {
		v := *a.ValidUntil
		c.ValidUntil = &v
	}
	return &c
}

// ApplicationStatus is the lifecycle state of an application.
type ApplicationStatus string

const (
	StatusPending        ApplicationStatus = "pending"
	StatusUnitReview     ApplicationStatus = "unit_review"
	StatusAreaReview     ApplicationStatus = "area_review"
	StatusDistrictReview ApplicationStatus = "district_review"
	StatusStateReview    ApplicationStatus = "state_review"
	StatusApproved       ApplicationStatus = "approved"
	StatusRejected       ApplicationStatus = "rejected"
	StatusCancelled      ApplicationStatus = "cancelled"
	StatusCompleted      ApplicationStatus = "completed" // set by the payment subsystem
)

// IsTerminal reports whether no workflow action can leave this status.
func (s ApplicationStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// ApprovalLevel is a tier of the review chain.
type ApprovalLevel string

const (
	LevelUnit     ApprovalLevel = "unit_admin"
	LevelArea     ApprovalLevel = "area_admin"
	LevelDistrict ApprovalLevel = "district_admin"
	LevelState    ApprovalLevel = "state_admin"
)

var approvalChain = []ApprovalLevel{LevelUnit, LevelArea, LevelDistrict, LevelState}

func (l ApprovalLevel) index() int {
	for i, x := range approvalChain {
		if x == l {
			return i
		}
	}
	return -1
}

// Valid reports whether l is part of the review chain.
func (l ApprovalLevel) Valid() bool {
	return l.index() >= 0
}

// Next returns the level above l, or false at the top of the chain.
func (l ApprovalLevel) Next() (ApprovalLevel, bool) {
	i := l.index()
	if i < 0 || i == len(approvalChain)-1 {
		return "", false
	}
	return approvalChain[i+1], true
}

// Previous returns the level below l, or false at the bottom of the chain.
func (l ApprovalLevel) Previous() (ApprovalLevel, bool) {
	i := l.index()
	if i <= 0 {
		return "", false
	}
	return approvalChain[i-1], true
}

// ReviewStatus returns the application status while waiting at this level.
func (l ApprovalLevel) ReviewStatus() ApplicationStatus {
	switch l {
	case LevelUnit:
		return StatusUnitReview
	case LevelArea:
		return StatusAreaReview
	case LevelDistrict:
		return StatusDistrictReview
	case LevelState:
		return StatusStateReview
	}
	return StatusPending
}

// SLAStatus reports whether the active review is within its deadline.
type SLAStatus string

const (
	SLAOnTime  SLAStatus = "on_time"
	SLADelayed SLAStatus = "delayed"
	SLAOverdue SLAStatus = "overdue"
)

// ApplicationLocation places an application in the regional hierarchy.
type ApplicationLocation struct {
	State    string `bun:"state" json:"state"`
	District string `bun:"district" json:"district"`
	Area     string `bun:"area" json:"area"`
	Unit     string `bun:"unit" json:"unit"`
}

// IDs returns the non-empty location ids from the most to the least specific.
func (l ApplicationLocation) IDs() []string {
	out := make([]string, 0, 4)
	for _, id := range []string{l.Unit, l.Area, l.District, l.State} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Application is a beneficiary's request for aid under a scheme.
type Application struct {
	bun.BaseModel `bun:"table:applications,alias:app"`

	ID           string              `bun:"id,pk" json:"id"`
	Number       string              `bun:"number,notnull,unique" json:"number"`
	ApplicantID  string              `bun:"applicant_id,notnull" json:"applicant_id"`
	ProjectID    string              `bun:"project_id" json:"project_id,omitempty"`
	SchemeID     string              `bun:"scheme_id" json:"scheme_id,omitempty"`
	Status       ApplicationStatus   `bun:"status,notnull" json:"status"`
	CurrentLevel ApprovalLevel       `bun:"current_level,notnull" json:"current_level"`
	Location     ApplicationLocation `bun:"embed:location_" json:"location"`
	SLAStatus    SLAStatus           `bun:"sla_status,notnull" json:"sla_status"`
	Version      int64               `bun:"version,notnull" json:"version"`
	CreatedAt    time.Time           `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt    time.Time           `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`

	ApprovalHierarchy []*ApprovalEntry `bun:"rel:has-many,join:id=application_id" json:"approval_hierarchy,omitempty"`
}

// ResourceRegions implements ScopedResource.
func (a *Application) ResourceRegions() []string { return a.Location.IDs() }

// ResourceProject implements ScopedResource.
func (a *Application) ResourceProject() string { return a.ProjectID }

// ResourceScheme implements ScopedResource.
func (a *Application) ResourceScheme() string { return a.SchemeID }

// ResourceOwner implements ScopedResource.
func (a *Application) ResourceOwner() string { return a.ApplicantID }

// LatestEntry returns the most recent approval entry, or nil.
func (a *Application) LatestEntry() *ApprovalEntry {
	if len(a.ApprovalHierarchy) == 0 {
		return nil
	}
	return a.ApprovalHierarchy[len(a.ApprovalHierarchy)-1]
}

func (a *Application) clone() *Application {
	c := *a
	c.ApprovalHierarchy = make([]*ApprovalEntry, len(a.ApprovalHierarchy))
	for i, e := range a.ApprovalHierarchy {
		ec := *e
		c.ApprovalHierarchy[i] = &ec
	}
	return &c
}

// EntryStatus is the outcome recorded by one approval entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryApproved  EntryStatus = "approved"
	EntryRejected  EntryStatus = "rejected"
	EntryForwarded EntryStatus = "forwarded"
	EntryReturned  EntryStatus = "returned"
	EntryCancelled EntryStatus = "cancelled"
)

// ApprovalEntry is one append-only record of the approval ledger.
type ApprovalEntry struct {
	bun.BaseModel `bun:"table:approval_entries,alias:ae"`

	ID            string        `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ApplicationID string        `bun:"application_id,notnull" json:"application_id"`
	Sequence      int           `bun:"sequence,notnull" json:"sequence"`
	Level         ApprovalLevel `bun:"level,notnull" json:"level"`
	AssignedTo    string        `bun:"assigned_to,notnull" json:"assigned_to"`
	Status        EntryStatus   `bun:"status,notnull" json:"status"`
	Action        Action        `bun:"action" json:"action,omitempty"`
	Remarks       string        `bun:"remarks" json:"remarks,omitempty"`
	Comments      string        `bun:"comments" json:"comments,omitempty"`
	RequestID     string        `bun:"request_id,nullzero" json:"request_id,omitempty"`
	Timestamp     time.Time     `bun:"timestamp,notnull" json:"timestamp"`
	Deadline      time.Time     `bun:"deadline,notnull" json:"deadline"`
}

// LocationNode is one node of the regional hierarchy (state > district > area > unit).
type LocationNode struct {
	bun.BaseModel `bun:"table:locations,alias:loc"`

	ID       string     `bun:"id,pk" json:"id"`
	Name     string     `bun:"name,notnull" json:"name"`
	Level    ScopeLevel `bun:"level,notnull" json:"level"`
	ParentID string     `bun:"parent_id,nullzero" json:"parent_id,omitempty"`
}

// AuditEvent is the kind of an audit record.
type AuditEvent string

const (
	AuditAccessDecision     AuditEvent = "access.decision"
	AuditWorkflowTransition AuditEvent = "workflow.transition"
	AuditRoleAssigned       AuditEvent = "role.assigned"
	AuditRoleRemoved        AuditEvent = "role.removed"
	AuditRoleApproved       AuditEvent = "role.approved"
	AuditRoleRejected       AuditEvent = "role.rejected"
	AuditPermissionGranted  AuditEvent = "permission.granted"
	AuditPermissionRestrict AuditEvent = "permission.restricted"
	AuditAssignmentExpired  AuditEvent = "role.expired"
)

// AuditRecord records an access decision or an administrative change for compliance.
type AuditRecord struct {
	bun.BaseModel `bun:"table:access_audit_log,alias:aal"`

	ID        string     `bun:"id,pk,type:uuid" json:"id"`
	Timestamp time.Time  `bun:"timestamp,notnull,default:current_timestamp" json:"timestamp"`
	Event     AuditEvent `bun:"event,notnull" json:"event"`

	// Who performed the action and on whose behalf
	UserID  string `bun:"user_id" json:"user_id,omitempty"`
	ActorID string `bun:"actor_id" json:"actor_id,omitempty"`

	Permission    string `bun:"permission" json:"permission,omitempty"`
	Decision      string `bun:"decision" json:"decision,omitempty"`
	Reason        string `bun:"reason" json:"reason,omitempty"`
	Role          string `bun:"role" json:"role,omitempty"`
	ApplicationID string `bun:"application_id" json:"application_id,omitempty"`
	Action        string `bun:"action" json:"action,omitempty"`

	// Request metadata for forensics
	IPAddress string `bun:"ip_address" json:"ip_address,omitempty"`
	UserAgent string `bun:"user_agent" json:"user_agent,omitempty"`
	RequestID string `bun:"request_id" json:"request_id,omitempty"`

	Metadata map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
}
