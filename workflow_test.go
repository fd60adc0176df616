package welfarekit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSubmitApplication tests that a new application waits at the unit level
func TestSubmitApplication(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()

	app := f.submit(userApplicant, "U1")

	assert.Equal(t, StatusPending, app.Status)
	assert.Equal(t, LevelUnit, app.CurrentLevel)
	assert.Equal(t, SLAOnTime, app.SLAStatus)
	assert.Equal(t, ApplicationLocation{State: "S1", District: "D1", Area: "A1", Unit: "U1"}, app.Location)
	assert.True(t, strings.HasPrefix(app.Number, "WA-20260310-"), app.Number)

	require.Len(t, app.ApprovalHierarchy, 1)
	entry := app.ApprovalHierarchy[0]
	assert.Equal(t, EntryPending, entry.Status)
	assert.Equal(t, 1, entry.Sequence)
	assert.Equal(t, testNow.Add(72*time.Hour), entry.Deadline)

	stored, err := f.store.GetApplication(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, app.Number, stored.Number)
}

// TestSubmitApplicationValidation tests rejected submissions
func TestSubmitApplicationValidation(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()

	t.Run("missing unit", func(t *testing.T) {
		_, err := f.service.SubmitApplication(context.Background(), SubmitRequest{ApplicantID: userApplicant})
		assert.True(t, IsInvalidInput(err))
	})

	t.Run("missing applicant", func(t *testing.T) {
		_, err := f.service.SubmitApplication(context.Background(), SubmitRequest{Location: ApplicationLocation{Unit: "U1"}})
		assert.ErrorIs(t, err, ErrNoUserID)
	})

	t.Run("applicant without create permission", func(t *testing.T) {
		_, err := f.service.SubmitApplication(context.Background(), SubmitRequest{
			ApplicantID: userUnit,
			Location:    ApplicationLocation{Unit: "U1"},
		})
		assert.True(t, IsPermissionDenied(err))
	})
}

// TestSubmitApplicationRateLimit tests that the daily submission limit is enforced
func TestSubmitApplicationRateLimit(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()

	for i := 0; i < 20; i++ {
		f.submit(userApplicant, "U1")
	}

	_, err := f.service.SubmitApplication(context.Background(), SubmitRequest{
		ApplicantID: userApplicant,
		Location:    ApplicationLocation{Unit: "U1"},
	})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Greater(t, RetryAfter(err), time.Duration(0))

	// Another applicant has its own counter
	f.submit(userOther, "U1")
}

// TestFullApprovalChain tests an application approved at every level
func TestFullApprovalChain(t *testing.T) {
	var mu sync.Mutex
	var sent []Notification
	notifier := NotifierFunc(func(_ context.Context, n Notification) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, n)
		return nil
	})

	f := newFixture(t, WithNotifier(notifier))
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")

	steps := []struct {
		actor  string
		status ApplicationStatus
		level  ApprovalLevel
	}{
		{userUnit, StatusAreaReview, LevelArea},
		{userArea, StatusDistrictReview, LevelDistrict},
		{userDistrict, StatusStateReview, LevelState},
		{userState, StatusApproved, LevelState},
	}

	for _, step := range steps {
		updated, err := f.transition(step.actor, app.ID, ActionApprove)
		require.NoError(t, err, "approve by %s", step.actor)
		assert.Equal(t, step.status, updated.Status)
		assert.Equal(t, step.level, updated.CurrentLevel)
	}

	stored, err := f.store.GetApplication(context.Background(), app.ID)
	require.NoError(t, err)
	require.Len(t, stored.ApprovalHierarchy, 5)
	for i, e := range stored.ApprovalHierarchy {
		assert.Equal(t, i+1, e.Sequence)
	}
	last := stored.LatestEntry()
	assert.Equal(t, EntryApproved, last.Status)
	assert.Equal(t, userState, last.AssignedTo)
	assert.Equal(t, int64(5), stored.Version)

	f.service.Wait()
	mu.Lock()
	require.Len(t, sent, 1)
	assert.Equal(t, NotifyApproved, sent[0].Kind)
	assert.Equal(t, userApplicant, sent[0].ApplicantID)
	mu.Unlock()

	records, err := f.service.GetAuditLog(context.Background(), NewAuditLogFilter().
		WithApplication(app.ID).
		WithEvent(AuditWorkflowTransition))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, string(StatusApproved), records[0].Decision)

	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.Transitions.WithLabelValues("approve", "ok")))
}

// TestRejectedApplicationIsFinal tests that no action applies after a rejection
func TestRejectedApplicationIsFinal(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")

	updated, err := f.service.TransitionApplication(f.as(userUnit), TransitionRequest{
		ApplicationID: app.ID,
		Action:        ActionReject,
		Remarks:       "income certificate missing",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, updated.Status)
	assert.Equal(t, "income certificate missing", updated.LatestEntry().Remarks)

	_, err = f.transition(userUnit, app.ID, ActionApprove)
	assert.True(t, IsInvalidTransition(err))

	_, err = f.transition(userApplicant, app.ID, ActionCancel)
	assert.True(t, IsInvalidTransition(err))

	stored, err := f.store.GetApplication(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Len(t, stored.ApprovalHierarchy, 2)
}

// TestReturnMovesDownOneLevel tests that a return sends the application back for review
func TestReturnMovesDownOneLevel(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")

	_, err := f.transition(userUnit, app.ID, ActionApprove)
	require.NoError(t, err)

	updated, err := f.transition(userArea, app.ID, ActionReturn)
	require.NoError(t, err)
	assert.Equal(t, StatusUnitReview, updated.Status)
	assert.Equal(t, LevelUnit, updated.CurrentLevel)

	require.Len(t, updated.ApprovalHierarchy, 3)
	entry := updated.LatestEntry()
	assert.Equal(t, EntryReturned, entry.Status)
	assert.Equal(t, LevelArea, entry.Level)
	assert.Equal(t, ActionReturn, entry.Action)

	// The unit admin can act again
	_, err = f.transition(userUnit, app.ID, ActionApprove)
	require.NoError(t, err)
}

// TestInvalidMovesAtChainEnds tests forward at the top and return at the bottom
func TestInvalidMovesAtChainEnds(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")

	_, err := f.transition(userUnit, app.ID, ActionReturn)
	assert.True(t, IsInvalidTransition(err))

	for _, actor := range []string{userUnit, userArea, userDistrict} {
		_, err := f.transition(actor, app.ID, ActionForward)
		require.NoError(t, err)
	}

	updated, err := f.store.GetApplication(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, LevelState, updated.CurrentLevel)
	assert.Equal(t, EntryForwarded, updated.LatestEntry().Status)

	_, err = f.transition(userState, app.ID, ActionForward)
	assert.True(t, IsInvalidTransition(err))
}

// TestTransitionIdempotentRequestID tests that a repeated request records one entry
func TestTransitionIdempotentRequestID(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")

	req := TransitionRequest{
		ApplicationID: app.ID,
		Action:        ActionApprove,
		RequestID:     "req-approve-1",
	}

	first, err := f.service.TransitionApplication(f.as(userUnit), req)
	require.NoError(t, err)

	second, err := f.service.TransitionApplication(f.as(userUnit), req)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.Status, second.Status)
	assert.Len(t, second.ApprovalHierarchy, 2)
}

// TestTransitionReplaySpendsNoRateLimit tests that a retried request id returns the
// committed application instead of consuming the approval rate limit
func TestTransitionReplaySpendsNoRateLimit(t *testing.T) {
	r := DefaultRegistry()
	r.DefinePermission("applications.approve.regional").Implies("applications.read.regional").Audit().RateLimit(1, time.Hour)
	f := newFixtureWithRegistry(t, r)
	f.seedStandardUsers()
	first := f.submit(userApplicant, "U1")
	second := f.submit(userOther, "U1")

	req := TransitionRequest{ApplicationID: first.ID, Action: ActionApprove, RequestID: "req-approve-1"}
	committed, err := f.service.TransitionApplication(f.as(userUnit), req)
	require.NoError(t, err)

	retried, err := f.service.TransitionApplication(f.as(userUnit), req)
	require.NoError(t, err)
	assert.Equal(t, committed.Version, retried.Version)
	assert.Equal(t, StatusAreaReview, retried.Status)

	records, err := f.service.GetAuditLog(context.Background(), NewAuditLogFilter().WithPermission("applications.approve.regional"))
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// The budget is still spent by new requests
	_, err = f.service.TransitionApplication(f.as(userUnit), TransitionRequest{ApplicationID: second.ID, Action: ActionApprove, RequestID: "req-approve-2"})
	assert.True(t, IsRateLimited(err))
}

// TestApplicationReadConditions tests that reads honor the read permission's conditions
func TestApplicationReadConditions(t *testing.T) {
	r := DefaultRegistry()
	r.DefinePermission("applications.read.regional").Hours(1, 2).Audit()
	f := newFixtureWithRegistry(t, r)
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")
	ctx := context.Background()

	// testNow is 10:00, outside 01-02
	d := f.service.HasPermission(ctx, userUnit, "applications.read.regional", AccessContext{})
	assert.Equal(t, ReasonTime, d.Reason)

	apps, err := f.service.ListApplications(ctx, userUnit, NewApplicationFilter())
	assert.True(t, IsPermissionDenied(err))
	assert.Empty(t, apps)

	_, err = f.service.GetApplication(ctx, userUnit, app.ID)
	assert.True(t, IsPermissionDenied(err))

	records, err := f.service.GetAuditLog(ctx, NewAuditLogFilter().WithPermission("applications.read.regional"))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "read", records[0].Action)
	assert.Equal(t, app.ID, records[0].ApplicationID)
	assert.Equal(t, "list", records[1].Action)
	assert.Equal(t, string(ReasonTime), records[1].Reason)

	// Own-scope reads carry no window
	own, err := f.service.ListApplications(ctx, userApplicant, NewApplicationFilter())
	require.NoError(t, err)
	assert.Len(t, own, 1)

	// Inside the window the same reads succeed
	f.clock.Advance(15*time.Hour + 30*time.Minute)
	apps, err = f.service.ListApplications(ctx, userUnit, NewApplicationFilter())
	require.NoError(t, err)
	assert.Len(t, apps, 1)
	got, err := f.service.GetApplication(ctx, userUnit, app.ID)
	require.NoError(t, err)
	assert.Equal(t, app.ID, got.ID)
}

// TestTransitionScope tests that reviewers only act inside their regions
func TestTransitionScope(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")

	t.Run("sibling unit admin", func(t *testing.T) {
		_, err := f.transition(userUnit2, app.ID, ActionApprove)
		assert.True(t, IsScopeViolation(err))
	})

	t.Run("admin of another district", func(t *testing.T) {
		f.seed("user-district-2", RoleDistrictAdmin, "D2")
		_, err := f.transition("user-district-2", app.ID, ActionApprove)
		assert.True(t, IsScopeViolation(err))
	})

	t.Run("beneficiary", func(t *testing.T) {
		_, err := f.transition(userOther, app.ID, ActionApprove)
		assert.True(t, IsPermissionDenied(err))
	})

	stored, err := f.store.GetApplication(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Len(t, stored.ApprovalHierarchy, 1)
}

// TestTransitionLevelAuthority tests the role level required at each approval level
func TestTransitionLevelAuthority(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")

	// A more senior admin may act on a lower level
	updated, err := f.transition(userDistrict, app.ID, ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, LevelArea, updated.CurrentLevel)

	// A unit admin may not act at the area level
	_, err = f.transition(userUnit, app.ID, ActionApprove)
	assert.True(t, IsPermissionDenied(err))

	// Super admin acts anywhere
	updated, err = f.transition(userRoot, app.ID, ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, LevelDistrict, updated.CurrentLevel)
}

// TestCancelByApplicant tests that only the applicant may cancel
func TestCancelByApplicant(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")

	_, err := f.transition(userOther, app.ID, ActionCancel)
	assert.True(t, IsScopeViolation(err))

	_, err = f.transition(userUnit, app.ID, ActionCancel)
	assert.True(t, IsPermissionDenied(err))

	updated, err := f.transition(userApplicant, app.ID, ActionCancel)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)
	assert.Equal(t, EntryCancelled, updated.LatestEntry().Status)

	records, err := f.service.GetAuditLog(context.Background(), NewAuditLogFilter().WithApplication(app.ID))
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

// TestTransitionInputErrors tests requests rejected before any state is read
func TestTransitionInputErrors(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")

	_, err := f.service.TransitionApplication(context.Background(), TransitionRequest{
		ApplicationID: app.ID,
		Action:        ActionApprove,
	})
	assert.ErrorIs(t, err, ErrNoActorID)

	_, err = f.transition(userUnit, app.ID, Action("escalate"))
	assert.True(t, IsInvalidInput(err))

	_, err = f.transition(userUnit, "missing", ActionApprove)
	assert.True(t, IsNotFound(err))
}

// barrierStore holds every application read until two readers have arrived.
type barrierStore struct {
	*MemoryStore
	arrivals sync.WaitGroup
}

func (s *barrierStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	app, err := s.MemoryStore.GetApplication(ctx, id)
	s.arrivals.Done()
	s.arrivals.Wait()
	return app, err
}

// TestConcurrentTransitions tests that of two racing reviewers exactly one wins
func TestConcurrentTransitions(t *testing.T) {
	store := &barrierStore{MemoryStore: NewMemoryStore()}
	clock := &testClock{now: testNow}
	service, err := NewService(DefaultRegistry(), store,
		WithClock(clock.Now),
		WithLocations(testLocations()),
	)
	require.NoError(t, err)

	f := &fixture{t: t, store: store.MemoryStore, clock: clock, service: service}
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")

	store.arrivals.Add(2)
	actors := []string{userUnit, userArea}
	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, actor := range actors {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			_, errs[i] = f.transition(actor, app.ID, ActionApprove)
		}(i, actor)
	}
	wg.Wait()

	succeeded, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case IsConcurrentModification(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicts)

	stored, err := store.MemoryStore.GetApplication(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Len(t, stored.ApprovalHierarchy, 2)
	assert.Equal(t, LevelArea, stored.CurrentLevel)
}

// TestSweepSLA tests that open applications move from on time to delayed to overdue
func TestSweepSLA(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	app := f.submit(userApplicant, "U1")

	report, err := f.service.SweepSLA(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OnTime)
	assert.Equal(t, 0, report.Updated)

	f.clock.Advance(73 * time.Hour)
	report, err = f.service.SweepSLA(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delayed)
	assert.Equal(t, 1, report.Updated)

	f.clock.Advance(48 * time.Hour)
	report, err = f.service.SweepSLA(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Overdue)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OpenApplications.WithLabelValues(string(SLAOverdue))))

	stored, err := f.store.GetApplication(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, SLAOverdue, stored.SLAStatus)

	// Acting resets the clock for the next level
	updated, err := f.transition(userUnit, app.ID, ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, SLAOnTime, updated.SLAStatus)

	// Terminal transitions keep the status of the review they close
	f.clock.Advance(100 * time.Hour)
	updated, err = f.transition(userArea, app.ID, ActionReject)
	require.NoError(t, err)
	assert.Equal(t, SLADelayed, updated.SLAStatus)
}

// TestListApplicationsScope tests that listings only contain applications in scope
func TestListApplicationsScope(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	inU1 := f.submit(userApplicant, "U1")
	inU2 := f.submit(userApplicant, "U2")
	inU4 := f.submit(userOther, "U4")

	ids := func(apps []Application) []string {
		var out []string
		for _, a := range apps {
			out = append(out, a.ID)
		}
		return out
	}

	tests := []struct {
		user string
		want []string
	}{
		{userRoot, []string{inU1.ID, inU2.ID, inU4.ID}},
		{userState, []string{inU1.ID, inU2.ID, inU4.ID}},
		{userDistrict, []string{inU1.ID, inU2.ID}},
		{userArea, []string{inU1.ID, inU2.ID}},
		{userUnit, []string{inU1.ID}},
		{userApplicant, []string{inU1.ID, inU2.ID}},
		{userOther, []string{inU4.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			apps, err := f.service.ListApplications(context.Background(), tt.user, NewApplicationFilter())
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, ids(apps))
		})
	}

	t.Run("get outside scope", func(t *testing.T) {
		_, err := f.service.GetApplication(context.Background(), userUnit, inU4.ID)
		assert.True(t, IsScopeViolation(err))

		app, err := f.service.GetApplication(context.Background(), userUnit, inU1.ID)
		require.NoError(t, err)
		assert.Equal(t, inU1.Number, app.Number)
	})

	t.Run("filter by level", func(t *testing.T) {
		_, err := f.transition(userUnit, inU1.ID, ActionApprove)
		require.NoError(t, err)

		apps, err := f.service.ListApplications(context.Background(), userArea, NewApplicationFilter().WithLevel(LevelArea))
		require.NoError(t, err)
		assert.Equal(t, []string{inU1.ID}, ids(apps))
	})
}

// TestNextState tests the transition table
func TestNextState(t *testing.T) {
	tests := []struct {
		level   ApprovalLevel
		action  Action
		status  ApplicationStatus
		next    ApprovalLevel
		invalid bool
	}{
		{LevelUnit, ActionApprove, StatusAreaReview, LevelArea, false},
		{LevelState, ActionApprove, StatusApproved, LevelState, false},
		{LevelArea, ActionForward, StatusDistrictReview, LevelDistrict, false},
		{LevelState, ActionForward, "", "", true},
		{LevelDistrict, ActionReturn, StatusAreaReview, LevelArea, false},
		{LevelUnit, ActionReturn, "", "", true},
		{LevelArea, ActionReject, StatusRejected, LevelArea, false},
		{LevelDistrict, ActionCancel, StatusCancelled, LevelDistrict, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.level)+"/"+string(tt.action), func(t *testing.T) {
			target, err := nextState(tt.level, tt.action)
			if tt.invalid {
				assert.True(t, IsInvalidTransition(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, target.status)
			assert.Equal(t, tt.next, target.level)
		})
	}
}
