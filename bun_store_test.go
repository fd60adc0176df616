package welfarekit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fernandezvara/dbkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupBunStore connects to the test database, runs migrations and loads a
// location tree whose ids are unique to this run.
func setupBunStore(t *testing.T) (*BunStore, func(string) string) {
	t.Helper()
	url := requireDatabase(t)

	db, err := dbkit.New(dbkit.Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewBunStore(db)
	ctx := context.Background()
	_, err = db.Migrate(ctx, store.Migrations())
	require.NoError(t, err)

	run := strings.ToLower(NewApplicationID(time.Now())[16:])
	id := func(s string) string { return s + "-" + run }

	nodes := []LocationNode{
		{ID: id("S1"), Name: "State", Level: ScopeLevelState},
		{ID: id("D1"), Name: "District 1", Level: ScopeLevelDistrict, ParentID: id("S1")},
		{ID: id("D2"), Name: "District 2", Level: ScopeLevelDistrict, ParentID: id("S1")},
		{ID: id("A1"), Name: "Area 1", Level: ScopeLevelArea, ParentID: id("D1")},
		{ID: id("U1"), Name: "Unit 1", Level: ScopeLevelUnit, ParentID: id("A1")},
		{ID: id("U2"), Name: "Unit 2", Level: ScopeLevelUnit, ParentID: id("A1")},
		{ID: id("A3"), Name: "Area 3", Level: ScopeLevelArea, ParentID: id("D2")},
		{ID: id("U4"), Name: "Unit 4", Level: ScopeLevelUnit, ParentID: id("A3")},
	}
	for i := range nodes {
		require.NoError(t, store.UpsertLocation(ctx, &nodes[i]))
	}
	return store, id
}

// TestBunStoreLocations tests the recursive location queries
func TestBunStoreLocations(t *testing.T) {
	store, id := setupBunStore(t)
	ctx := context.Background()

	got, err := store.Descendants(ctx, id("D1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id("A1"), id("U1"), id("U2")}, got)

	got, err = store.Ancestors(ctx, id("U4"))
	require.NoError(t, err)
	assert.Equal(t, []string{id("A3"), id("D2"), id("S1")}, got)

	assert.True(t, IsInvalidInput(store.UpsertLocation(ctx, &LocationNode{ID: "X", ParentID: "X"})))
}

// TestBunStoreWorkflow tests a submission and approval chain against PostgreSQL
func TestBunStoreWorkflow(t *testing.T) {
	store, id := setupBunStore(t)
	ctx := context.Background()

	service, err := NewService(DefaultRegistry(), store, WithLocations(store), WithReadRetries(0))
	require.NoError(t, err)
	require.True(t, service.Health(ctx).Healthy)

	now := time.Now()
	seed := func(user, role string, regions ...string) {
		require.NoError(t, store.CreateAssignment(ctx, &UserRoleAssignment{
			UserID:         user,
			Role:           role,
			AssignedBy:     systemActor,
			Regions:        regions,
			ValidFrom:      now.Add(-time.Hour),
			IsActive:       true,
			IsPrimary:      true,
			ApprovalStatus: ApprovalApproved,
			CreatedAt:      now,
			UpdatedAt:      now,
		}))
	}
	applicant := id("applicant")
	unitAdmin := id("unit")
	otherUnit := id("unit-4")
	seed(applicant, RoleBeneficiary)
	seed(unitAdmin, RoleUnitAdmin, id("U1"))
	seed(otherUnit, RoleUnitAdmin, id("U4"))

	app, err := service.SubmitApplication(ctx, SubmitRequest{
		ApplicantID: applicant,
		SchemeID:    "scheme-education",
		Location:    ApplicationLocation{Unit: id("U1")},
	})
	require.NoError(t, err)
	assert.Equal(t, id("S1"), app.Location.State)

	actx := WithActorID(context.Background(), unitAdmin)
	updated, err := service.TransitionApplication(actx, TransitionRequest{
		ApplicationID: app.ID,
		Action:        ActionApprove,
		RequestID:     "req-" + app.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAreaReview, updated.Status)

	// Replaying the request id records nothing new
	replayed, err := service.TransitionApplication(actx, TransitionRequest{
		ApplicationID: app.ID,
		Action:        ActionApprove,
		RequestID:     "req-" + app.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, updated.Version, replayed.Version)

	stored, err := store.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Len(t, stored.ApprovalHierarchy, 2)

	_, err = service.TransitionApplication(WithActorID(context.Background(), otherUnit), TransitionRequest{
		ApplicationID: app.ID,
		Action:        ActionApprove,
	})
	assert.True(t, IsScopeViolation(err) || IsPermissionDenied(err))

	visible, err := service.ListApplications(ctx, unitAdmin, NewApplicationFilter())
	require.NoError(t, err)
	assert.Len(t, visible, 1)

	hidden, err := service.ListApplications(ctx, otherUnit, NewApplicationFilter())
	require.NoError(t, err)
	assert.Empty(t, hidden)

	records, err := service.GetAuditLog(ctx, NewAuditLogFilter().WithApplication(app.ID))
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

// TestBunStoreConcurrentCommit tests the version check on committed transitions
func TestBunStoreConcurrentCommit(t *testing.T) {
	store, id := setupBunStore(t)
	ctx := context.Background()
	now := time.Now()

	appID := NewApplicationID(now)
	app := &Application{
		ID:           appID,
		Number:       ApplicationNumber(appID, now),
		ApplicantID:  id("applicant"),
		Status:       StatusPending,
		CurrentLevel: LevelUnit,
		Location:     ApplicationLocation{Unit: id("U1"), Area: id("A1"), District: id("D1"), State: id("S1")},
		SLAStatus:    SLAOnTime,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.CreateApplication(ctx, app))

	first := app.clone()
	first.Status = StatusAreaReview
	require.NoError(t, store.CommitTransition(ctx, first, &ApprovalEntry{
		ID: newRecordID(), ApplicationID: appID, Sequence: 1, Level: LevelUnit, Action: ActionApprove, Timestamp: now, RequestID: "r1",
	}))

	second := app.clone()
	err := store.CommitTransition(ctx, second, &ApprovalEntry{
		ID: newRecordID(), ApplicationID: appID, Sequence: 1, Level: LevelUnit, Action: ActionReject, Timestamp: now,
	})
	assert.True(t, IsConcurrentModification(err))

	// A resend of a committed request id on a stale version replays
	resend := app.clone()
	err = store.CommitTransition(ctx, resend, &ApprovalEntry{
		ID: newRecordID(), ApplicationID: appID, Sequence: 1, Level: LevelUnit, Action: ActionApprove, Timestamp: now, RequestID: "r1",
	})
	assert.ErrorIs(t, err, errDuplicateRequestID)
	assert.Equal(t, app.Version, resend.Version)

	found, err := store.FindEntryByRequestID(ctx, appID, "r1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, ActionApprove, found.Action)
}
