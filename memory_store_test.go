package welfarekit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryStoreAssignments tests versioned assignment updates
func TestMemoryStoreAssignments(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := &UserRoleAssignment{UserID: "u1", Role: RoleUnitAdmin, Regions: []string{"U1"}, IsActive: true, ApprovalStatus: ApprovalApproved}
	require.NoError(t, store.CreateAssignment(ctx, a))
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, int64(1), a.Version)

	// Callers never share state with the store
	a.Regions[0] = "U9"
	stored, err := store.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"U1"}, stored.Regions)

	stale := stored.clone()
	stored.IsPrimary = true
	require.NoError(t, store.UpdateAssignment(ctx, stored))
	assert.Equal(t, int64(2), stored.Version)

	err = store.UpdateAssignment(ctx, stale)
	assert.True(t, IsConcurrentModification(err))

	_, err = store.GetAssignment(ctx, "missing")
	assert.True(t, IsNotFound(err))

	count, err := store.CountActiveRoleHolders(ctx, RoleUnitAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestMemoryStoreExpiredAssignments tests the expiry boundary
func TestMemoryStoreExpiredAssignments(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	until := testNow

	require.NoError(t, store.CreateAssignment(ctx, &UserRoleAssignment{UserID: "u1", Role: RoleBeneficiary, IsActive: true, ValidUntil: &until}))
	require.NoError(t, store.CreateAssignment(ctx, &UserRoleAssignment{UserID: "u2", Role: RoleBeneficiary, IsActive: true}))

	expired, err := store.ListExpiredAssignments(ctx, testNow.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = store.ListExpiredAssignments(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "u1", expired[0].UserID)
}

// TestMemoryStoreCommitTransition tests the optimistic ledger append
func TestMemoryStoreCommitTransition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	app := &Application{ID: "app-1", Number: "WA-1", Status: StatusPending, CurrentLevel: LevelUnit, Version: 1}
	require.NoError(t, store.CreateApplication(ctx, app))

	dup := &Application{ID: "app-2", Number: "WA-1"}
	assert.True(t, IsInvalidInput(store.CreateApplication(ctx, dup)))

	next := app.clone()
	next.Status = StatusAreaReview
	entry := &ApprovalEntry{ID: "e1", ApplicationID: "app-1", Sequence: 1, RequestID: "req-1"}
	require.NoError(t, store.CommitTransition(ctx, next, entry))
	assert.Equal(t, int64(2), next.Version)

	// Stale version
	stale := app.clone()
	err := store.CommitTransition(ctx, stale, &ApprovalEntry{ID: "e2", Sequence: 2})
	assert.True(t, IsConcurrentModification(err))

	// Repeated request id
	err = store.CommitTransition(ctx, next, &ApprovalEntry{ID: "e3", Sequence: 2, RequestID: "req-1"})
	assert.ErrorIs(t, err, errDuplicateRequestID)

	// A resend on a stale version replays rather than conflicts
	err = store.CommitTransition(ctx, app.clone(), &ApprovalEntry{ID: "e4", Sequence: 1, RequestID: "req-1"})
	assert.ErrorIs(t, err, errDuplicateRequestID)

	found, err := store.FindEntryByRequestID(ctx, "app-1", "req-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "e1", found.ID)

	found, err = store.FindEntryByRequestID(ctx, "app-1", "req-unknown")
	require.NoError(t, err)
	assert.Nil(t, found)

	stored, err := store.GetApplication(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAreaReview, stored.Status)
	assert.Len(t, stored.ApprovalHierarchy, 1)
}

// TestMemoryStoreListApplications tests ordering, filters and pagination
func TestMemoryStoreListApplications(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, unit := range []string{"U1", "U2", "U1"} {
		require.NoError(t, store.CreateApplication(ctx, &Application{
			ID:        NewApplicationID(testNow),
			Number:    "WA-" + string(rune('A'+i)),
			Status:    StatusPending,
			Location:  ApplicationLocation{Unit: unit, Area: "A1"},
			CreatedAt: testNow.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := store.ListApplications(ctx, NewApplicationFilter(), Unrestricted())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "WA-C", all[0].Number)
	assert.Equal(t, "WA-A", all[2].Number)

	inU1, err := store.ListApplications(ctx, NewApplicationFilter(), ScopePredicate{Regions: []string{"U1"}})
	require.NoError(t, err)
	assert.Len(t, inU1, 2)

	page, err := store.ListApplications(ctx, NewApplicationFilter().WithPagination(1, 1), Unrestricted())
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "WA-B", page[0].Number)

	none, err := store.ListApplications(ctx, NewApplicationFilter(), MatchNothing())
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, store.UpdateSLAStatus(ctx, all[0].ID, SLAOverdue))
	overdue, err := store.ListApplications(ctx, ApplicationFilter{SLAStatus: SLAOverdue}, Unrestricted())
	require.NoError(t, err)
	assert.Len(t, overdue, 1)
}

// TestMemoryStoreAudit tests audit filters
func TestMemoryStoreAudit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.WriteAudit(ctx, &AuditRecord{ID: "1", Event: AuditRoleAssigned, ActorID: "root", Timestamp: testNow}))
	require.NoError(t, store.WriteAudit(ctx, &AuditRecord{ID: "2", Event: AuditAccessDecision, ActorID: "u1", Timestamp: testNow.Add(time.Hour)}))
	require.NoError(t, store.WriteAudit(ctx, &AuditRecord{ID: "3", Event: AuditAccessDecision, ActorID: "u2", Timestamp: testNow.Add(2 * time.Hour)}))

	records, err := store.ListAudit(ctx, NewAuditLogFilter().WithEvent(AuditAccessDecision))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "3", records[0].ID)

	records, err = store.ListAudit(ctx, NewAuditLogFilter().WithTimeRange(testNow, testNow.Add(90*time.Minute)))
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = store.ListAudit(ctx, NewAuditLogFilter().WithActor("root"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, AuditRoleAssigned, records[0].Event)
}
