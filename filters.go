package welfarekit

import "time"

// AuditLogFilter provides options for filtering audit log queries.
type AuditLogFilter struct {
	// Filter by actor who performed the action
	ActorID string

	// Filter by the user the record is about
	UserID string

	// Filter by event kind
	Event AuditEvent

	// Filter by permission
	Permission string

	// Filter by application
	ApplicationID string

	// Filter by time range
	Since time.Time
	Until time.Time

	// Pagination
	Limit  int
	Offset int
}

// NewAuditLogFilter creates a new AuditLogFilter with default values.
func NewAuditLogFilter() AuditLogFilter {
	return AuditLogFilter{
		Limit: 100,
	}
}

// WithActor sets the actor ID filter.
func (f AuditLogFilter) WithActor(actorID string) AuditLogFilter {
	f.ActorID = actorID
	return f
}

// WithUser sets the subject user filter.
func (f AuditLogFilter) WithUser(userID string) AuditLogFilter {
	f.UserID = userID
	return f
}

// WithEvent sets the event filter.
func (f AuditLogFilter) WithEvent(event AuditEvent) AuditLogFilter {
	f.Event = event
	return f
}

// WithPermission sets the permission filter.
func (f AuditLogFilter) WithPermission(permission string) AuditLogFilter {
	f.Permission = permission
	return f
}

// WithApplication sets the application filter.
func (f AuditLogFilter) WithApplication(applicationID string) AuditLogFilter {
	f.ApplicationID = applicationID
	return f
}

// WithTimeRange sets the time range filter.
func (f AuditLogFilter) WithTimeRange(since, until time.Time) AuditLogFilter {
	f.Since = since
	f.Until = until
	return f
}

// WithPagination sets both limit and offset.
func (f AuditLogFilter) WithPagination(limit, offset int) AuditLogFilter {
	f.Limit = limit
	f.Offset = offset
	return f
}

func (f AuditLogFilter) matches(rec *AuditRecord) bool {
	switch {
	case f.ActorID != "" && rec.ActorID != f.ActorID:
		return false
	case f.UserID != "" && rec.UserID != f.UserID:
		return false
	case f.Event != "" && rec.Event != f.Event:
		return false
	case f.Permission != "" && rec.Permission != f.Permission:
		return false
	case f.ApplicationID != "" && rec.ApplicationID != f.ApplicationID:
		return false
	case !f.Since.IsZero() && rec.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && rec.Timestamp.After(f.Until):
		return false
	}
	return true
}

// ApplicationFilter narrows application listings beyond the caller's scope.
type ApplicationFilter struct {
	Status       ApplicationStatus
	CurrentLevel ApprovalLevel
	ProjectID    string
	SchemeID     string
	SLAStatus    SLAStatus

	// Pagination
	Limit  int
	Offset int
}

// NewApplicationFilter creates a new ApplicationFilter with default values.
func NewApplicationFilter() ApplicationFilter {
	return ApplicationFilter{
		Limit: 100,
	}
}

// WithStatus sets the status filter.
func (f ApplicationFilter) WithStatus(status ApplicationStatus) ApplicationFilter {
	f.Status = status
	return f
}

// WithLevel sets the current approval level filter.
func (f ApplicationFilter) WithLevel(level ApprovalLevel) ApplicationFilter {
	f.CurrentLevel = level
	return f
}

// WithProject sets the project filter.
func (f ApplicationFilter) WithProject(projectID string) ApplicationFilter {
	f.ProjectID = projectID
	return f
}

// WithScheme sets the scheme filter.
func (f ApplicationFilter) WithScheme(schemeID string) ApplicationFilter {
	f.SchemeID = schemeID
	return f
}

// WithPagination sets both limit and offset.
func (f ApplicationFilter) WithPagination(limit, offset int) ApplicationFilter {
	f.Limit = limit
	f.Offset = offset
	return f
}

func (f ApplicationFilter) matches(app *Application) bool {
	switch {
	case f.Status != "" && app.Status != f.Status:
		return false
	case f.CurrentLevel != "" && app.CurrentLevel != f.CurrentLevel:
		return false
	case f.ProjectID != "" && app.ProjectID != f.ProjectID:
		return false
	case f.SchemeID != "" && app.SchemeID != f.SchemeID:
		return false
	case f.SLAStatus != "" && app.SLAStatus != f.SLAStatus:
		return false
	}
	return true
}

func pageBounds(total, limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}
