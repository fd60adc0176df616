package welfarekit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Tuesday, inside the finances hour window.
var testNow = time.Date(2026, time.March, 10, 10, 0, 0, 0, time.UTC)

// Test users seeded by seedStandardUsers.
const (
	userRoot      = "user-root"
	userState     = "user-state"
	userDistrict  = "user-district"
	userArea      = "user-area"
	userUnit      = "user-unit"
	userUnit2     = "user-unit-2"
	userApplicant = "user-applicant"
	userOther     = "user-other-applicant"
)

// testLocations builds the hierarchy used across tests:
//
//	S1 > D1 > A1 > U1, U2
//	S1 > D1 > A2 > U3
//	S1 > D2 > A3 > U4
func testLocations() *StaticLocations {
	return NewStaticLocations().
		Add("S1", "").
		Add("D1", "S1").
		Add("D2", "S1").
		Add("A1", "D1").
		Add("A2", "D1").
		Add("A3", "D2").
		Add("U1", "A1").
		Add("U2", "A1").
		Add("U3", "A2").
		Add("U4", "A3")
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t       *testing.T
	store   *MemoryStore
	clock   *testClock
	metrics *Metrics
	service *Service
}

// newFixture creates a service over a MemoryStore with the test hierarchy and a fixed clock.
func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	return newFixtureWithRegistry(t, DefaultRegistry(), opts...)
}

func newFixtureWithRegistry(t *testing.T, registry *Registry, opts ...ServiceOption) *fixture {
	t.Helper()

	f := &fixture{
		t:       t,
		store:   NewMemoryStore(),
		clock:   &testClock{now: testNow},
		metrics: NewMetrics(nil),
	}
	base := []ServiceOption{
		WithClock(f.clock.Now),
		WithLocations(testLocations()),
		WithMetrics(f.metrics),
		WithReadRetries(0),
	}
	service, err := NewService(registry, f.store, append(base, opts...)...)
	require.NoError(t, err)
	f.service = service
	return f
}

// seed writes an approved assignment straight into the store.
func (f *fixture) seed(userID, role string, regions ...string) *UserRoleAssignment {
	f.t.Helper()
	now := f.clock.Now()
	a := &UserRoleAssignment{
		ID:             newRecordID(),
		UserID:         userID,
		Role:           role,
		AssignedBy:     systemActor,
		Regions:        regions,
		ValidFrom:      now.Add(-time.Hour),
		IsActive:       true,
		IsPrimary:      true,
		ApprovalStatus: ApprovalApproved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(f.t, f.store.CreateAssignment(context.Background(), a))
	return a
}

// seedStandardUsers gives every test user its usual role.
func (f *fixture) seedStandardUsers() {
	f.t.Helper()
	f.seed(userRoot, RoleSuperAdmin)
	f.seed(userState, RoleStateAdmin, "S1")
	f.seed(userDistrict, RoleDistrictAdmin, "D1")
	f.seed(userArea, RoleAreaAdmin, "A1")
	f.seed(userUnit, RoleUnitAdmin, "U1")
	f.seed(userUnit2, RoleUnitAdmin, "U2")
	f.seed(userApplicant, RoleBeneficiary)
	f.seed(userOther, RoleBeneficiary)
}

func (f *fixture) as(actorID string) context.Context {
	return WithActorID(WithUserID(context.Background(), actorID), actorID)
}

// submit files an application from applicant in unit.
func (f *fixture) submit(applicant, unit string) *Application {
	f.t.Helper()
	app, err := f.service.SubmitApplication(context.Background(), SubmitRequest{
		ApplicantID: applicant,
		SchemeID:    "scheme-education",
		Location:    ApplicationLocation{Unit: unit},
	})
	require.NoError(f.t, err)
	return app
}

func (f *fixture) transition(actorID, applicationID string, action Action) (*Application, error) {
	return f.service.TransitionApplication(f.as(actorID), TransitionRequest{
		ApplicationID: applicationID,
		Action:        action,
	})
}

// failingStore fails every assignment read.
type failingStore struct {
	*MemoryStore
	err error
}

func (s *failingStore) ListAssignments(context.Context, string) ([]UserRoleAssignment, error) {
	return nil, s.err
}

// requireDatabase skips the test unless TEST_DATABASE_URL points at a PostgreSQL instance.
func requireDatabase(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database test")
	}
	return url
}
