package welfarekit

import (
	"context"
	"time"

	"github.com/fernandezvara/dbkit"
)

// AssignmentStore persists user role assignments.
// Implementations must return ErrNotFound for missing records and
// ErrConcurrentModification when a versioned update loses a race.
type AssignmentStore interface {
	// ListAssignments returns every assignment of the user, active or not.
	ListAssignments(ctx context.Context, userID string) ([]UserRoleAssignment, error)
	GetAssignment(ctx context.Context, id string) (*UserRoleAssignment, error)
	CreateAssignment(ctx context.Context, a *UserRoleAssignment) error
	// UpdateAssignment writes a if the stored version equals a.Version, then increments a.Version.
	UpdateAssignment(ctx context.Context, a *UserRoleAssignment) error
	CountActiveRoleHolders(ctx context.Context, role string) (int, error)
	// ListExpiredAssignments returns active assignments whose validity ended at or before now.
	ListExpiredAssignments(ctx context.Context, now time.Time) ([]UserRoleAssignment, error)
}

// ApplicationStore persists applications and their approval ledger.
type ApplicationStore interface {
	CreateApplication(ctx context.Context, app *Application) error
	// GetApplication returns the application with its approval entries in sequence order.
	GetApplication(ctx context.Context, id string) (*Application, error)
	// FindEntryByRequestID returns nil and no error when no entry carries the request id.
	FindEntryByRequestID(ctx context.Context, applicationID, requestID string) (*ApprovalEntry, error)
	// CommitTransition atomically writes app if the stored version equals app.Version
	// and appends entry; on success app.Version is incremented.
	CommitTransition(ctx context.Context, app *Application, entry *ApprovalEntry) error
	ListApplications(ctx context.Context, filter ApplicationFilter, scope ScopePredicate) ([]Application, error)
	// ListOpenApplications returns every non-terminal application with its entries.
	ListOpenApplications(ctx context.Context) ([]Application, error)
	UpdateSLAStatus(ctx context.Context, id string, status SLAStatus) error
}

// AuditStore persists audit records.
type AuditStore interface {
	WriteAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, filter AuditLogFilter) ([]AuditRecord, error)
}

// Store is the full persistence surface the Service needs.
type Store interface {
	AssignmentStore
	ApplicationStore
	AuditStore
}

// LocationDirectory answers questions about the regional hierarchy.
type LocationDirectory interface {
	// Descendants returns every location below id, not including id itself.
	Descendants(ctx context.Context, id string) ([]string, error)
	// Ancestors returns every location above id, nearest first.
	Ancestors(ctx context.Context, id string) ([]string, error)
}

// ScopedResource is anything the regional scope filter can be evaluated against.
type ScopedResource interface {
	ResourceRegions() []string
	ResourceProject() string
	ResourceScheme() string
	ResourceOwner() string
}

// HealthChecker is implemented by stores that can report backend health.
type HealthChecker interface {
	Health(ctx context.Context) dbkit.HealthStatus
}
