package welfarekit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Records are copied on the way in and out,
// so callers never share state with the store. It backs tests and single-node demos.
type MemoryStore struct {
	mu           sync.RWMutex
	assignments  map[string]*UserRoleAssignment
	applications map[string]*Application
	audit        []AuditRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments:  make(map[string]*UserRoleAssignment),
		applications: make(map[string]*Application),
	}
}

// ============================================================================
// ASSIGNMENTS
// ============================================================================

// ListAssignments implements AssignmentStore.
func (m *MemoryStore) ListAssignments(_ context.Context, userID string) ([]UserRoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []UserRoleAssignment
	for _, a := range m.assignments {
		if a.UserID == userID {
			out = append(out, *a.clone())
		}
	}
	sortAssignments(out)
	return out, nil
}

// GetAssignment implements AssignmentStore.
func (m *MemoryStore) GetAssignment(_ context.Context, id string) (*UserRoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assignments[id]
	if !ok {
		return nil, NewError(ErrNotFound, "assignment not found")
	}
	return a.clone(), nil
}

// CreateAssignment implements AssignmentStore.
func (m *MemoryStore) CreateAssignment(_ context.Context, a *UserRoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = newRecordID()
	}
	if _, exists := m.assignments[a.ID]; exists {
		return NewError(ErrInvalidInput, fmt.Sprintf("assignment %s already exists", a.ID))
	}
	if a.Version == 0 {
		a.Version = 1
	}
	m.assignments[a.ID] = a.clone()
	return nil
}

// UpdateAssignment implements AssignmentStore.
func (m *MemoryStore) UpdateAssignment(_ context.Context, a *UserRoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.assignments[a.ID]
	if !ok {
		return NewError(ErrNotFound, "assignment not found")
	}
	if stored.Version != a.Version {
		return NewError(ErrConcurrentModification, "assignment was changed by someone else")
	}
	a.Version++
	m.assignments[a.ID] = a.clone()
	return nil
}

// CountActiveRoleHolders implements AssignmentStore.
func (m *MemoryStore) CountActiveRoleHolders(_ context.Context, role string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make(map[string]bool)
	for _, a := range m.assignments {
		if a.Role == role && a.IsActive && a.ApprovalStatus != ApprovalRejected {
			users[a.UserID] = true
		}
	}
	return len(users), nil
}

// ListExpiredAssignments implements AssignmentStore.
func (m *MemoryStore) ListExpiredAssignments(_ context.Context, now time.Time) ([]UserRoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []UserRoleAssignment
	for _, a := range m.assignments {
		if a.IsActive && a.ValidUntil != nil && !now.Before(*a.ValidUntil) {
			out = append(out, *a.clone())
		}
	}
	sortAssignments(out)
	return out, nil
}

func sortAssignments(list []UserRoleAssignment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// ============================================================================
// APPLICATIONS
// ============================================================================

// CreateApplication implements ApplicationStore.
func (m *MemoryStore) CreateApplication(_ context.Context, app *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.applications[app.ID]; exists {
		return NewError(ErrInvalidInput, fmt.Sprintf("application %s already exists", app.ID))
	}
	for _, other := range m.applications {
		if other.Number == app.Number {
			return NewError(ErrInvalidInput, fmt.Sprintf("application number %s already exists", app.Number))
		}
	}
	m.applications[app.ID] = app.clone()
	return nil
}

// GetApplication implements ApplicationStore.
func (m *MemoryStore) GetApplication(_ context.Context, id string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	app, ok := m.applications[id]
	if !ok {
		return nil, NewError(ErrNotFound, "application not found").WithApplication(id)
	}
	return app.clone(), nil
}

// FindEntryByRequestID implements ApplicationStore.
func (m *MemoryStore) FindEntryByRequestID(_ context.Context, applicationID, requestID string) (*ApprovalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	app, ok := m.applications[applicationID]
	if !ok {
		return nil, NewError(ErrNotFound, "application not found").WithApplication(applicationID)
	}
	for _, e := range app.ApprovalHierarchy {
		if e.RequestID != "" && e.RequestID == requestID {
			entry := *e
			return &entry, nil
		}
	}
	return nil, nil
}

// CommitTransition implements ApplicationStore.
func (m *MemoryStore) CommitTransition(_ context.Context, app *Application, entry *ApprovalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.applications[app.ID]
	if !ok {
		return NewError(ErrNotFound, "application not found").WithApplication(app.ID)
	}
	if entry.RequestID != "" {
		for _, e := range stored.ApprovalHierarchy {
			if e.RequestID == entry.RequestID {
				return errDuplicateRequestID
			}
		}
	}
	if stored.Version != app.Version {
		return NewError(ErrConcurrentModification, "application was changed by someone else").WithApplication(app.ID)
	}

	e := *entry
	next := app.clone()
	next.ApprovalHierarchy = append(stored.clone().ApprovalHierarchy, &e)
	next.Version++
	m.applications[app.ID] = next
	app.Version = next.Version
	return nil
}

// ListApplications implements ApplicationStore.
func (m *MemoryStore) ListApplications(_ context.Context, filter ApplicationFilter, scope ScopePredicate) ([]Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Application
	for _, app := range m.applications {
		if scope.Matches(app) && filter.matches(app) {
			matched = append(matched, *app.clone())
		}
	}
	sortApplications(matched)

	start, end := pageBounds(len(matched), filter.Limit, filter.Offset)
	return matched[start:end], nil
}

// ListOpenApplications implements ApplicationStore.
func (m *MemoryStore) ListOpenApplications(_ context.Context) ([]Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Application
	for _, app := range m.applications {
		if !app.Status.IsTerminal() {
			out = append(out, *app.clone())
		}
	}
	sortApplications(out)
	return out, nil
}

// UpdateSLAStatus implements ApplicationStore.
func (m *MemoryStore) UpdateSLAStatus(_ context.Context, id string, status SLAStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.applications[id]
	if !ok {
		return NewError(ErrNotFound, "application not found").WithApplication(id)
	}
	app.SLAStatus = status
	return nil
}

func sortApplications(list []Application) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}

// ============================================================================
// AUDIT
// ============================================================================

// WriteAudit implements AuditStore.
func (m *MemoryStore) WriteAudit(_ context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, *rec)
	return nil
}

// ListAudit implements AuditStore. Newest records come first.
func (m *MemoryStore) ListAudit(_ context.Context, filter AuditLogFilter) ([]AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []AuditRecord
	for i := len(m.audit) - 1; i >= 0; i-- {
		if filter.matches(&m.audit[i]) {
			matched = append(matched, m.audit[i])
		}
	}

	start, end := pageBounds(len(matched), filter.Limit, filter.Offset)
	return matched[start:end], nil
}
