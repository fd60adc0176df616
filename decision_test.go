package welfarekit

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryWithLimitedExport() *Registry {
	r := NewRegistry()
	r.DefinePermission("reports.export.regional").RateLimit(3, time.Minute).Audit().
		DefinePermission("reports.read.regional").AllowIPs("10.0.0.0/8").
		DefinePermission("reports.read.global").Hours(22, 6).
		DefineRole("analyst", 4).Permissions("reports.*")
	return r
}

// TestHasPermission tests the basic allow and deny answers
func TestHasPermission(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	ctx := context.Background()

	d := f.service.HasPermission(ctx, userUnit, "applications.approve.regional", AccessContext{})
	assert.True(t, d.Allowed())
	assert.NoError(t, d.Err())

	d = f.service.HasPermission(ctx, userUnit, "finances.read.regional", AccessContext{})
	assert.False(t, d.Allowed())
	assert.Equal(t, ReasonMissing, d.Reason)
	assert.True(t, IsPermissionDenied(d.Err()))

	d = f.service.HasPermission(ctx, "nobody", "applications.read.own", AccessContext{})
	assert.Equal(t, ReasonMissing, d.Reason)

	d = f.service.HasPermission(ctx, "", "applications.read.own", AccessContext{})
	assert.Equal(t, ReasonError, d.Reason)
}

// TestHasPermissionTimeWindow tests hour windows in the service time zone
func TestHasPermissionTimeWindow(t *testing.T) {
	f := newFixture(t)
	f.seed(userState, RoleStateAdmin, "S1")
	ctx := context.Background()

	at := func(h int) AccessContext {
		return AccessContext{Timestamp: time.Date(2026, time.March, 10, h, 0, 0, 0, time.UTC)}
	}

	assert.True(t, f.service.HasPermission(ctx, userState, PermFinancesManage, at(10)).Allowed())

	d := f.service.HasPermission(ctx, userState, PermFinancesManage, at(23))
	assert.Equal(t, ReasonTime, d.Reason)
	assert.True(t, IsPermissionDenied(d.Err()))

	// 20:00 UTC is 01:30 the next day in India
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	f2 := newFixture(t, WithTimeZone(kolkata))
	f2.seed(userState, RoleStateAdmin, "S1")
	d = f2.service.HasPermission(ctx, userState, PermFinancesManage, at(20))
	assert.Equal(t, ReasonTime, d.Reason)
}

// TestHasPermissionConditions tests IP lists and overnight windows on a custom catalog
func TestHasPermissionConditions(t *testing.T) {
	f := newFixtureWithRegistry(t, registryWithLimitedExport())
	f.seed("analyst", "analyst", "A1")
	ctx := context.Background()

	d := f.service.HasPermission(ctx, "analyst", "reports.read.regional", AccessContext{IP: "10.2.3.4"})
	assert.True(t, d.Allowed())

	d = f.service.HasPermission(ctx, "analyst", "reports.read.regional", AccessContext{IP: "203.0.113.9"})
	assert.Equal(t, ReasonIP, d.Reason)

	// testNow is 10:00, outside 22-06
	d = f.service.HasPermission(ctx, "analyst", "reports.read.global", AccessContext{})
	assert.Equal(t, ReasonTime, d.Reason)
}

// TestHasPermissionRateLimit tests that the N+1st use inside a window is rate limited
func TestHasPermissionRateLimit(t *testing.T) {
	f := newFixtureWithRegistry(t, registryWithLimitedExport())
	f.seed("analyst", "analyst", "A1")
	f.seed("analyst-2", "analyst", "A2")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, f.service.HasPermission(ctx, "analyst", "reports.export.regional", AccessContext{}).Allowed())
	}

	d := f.service.HasPermission(ctx, "analyst", "reports.export.regional", AccessContext{})
	assert.Equal(t, RateLimited, d.Outcome)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	err := d.Err()
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, d.RetryAfter, RetryAfter(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RateLimited.WithLabelValues("reports.export.regional")))

	// Counters are per user
	assert.True(t, f.service.HasPermission(ctx, "analyst-2", "reports.export.regional", AccessContext{}).Allowed())

	// A new window starts over
	f.clock.Advance(time.Minute)
	assert.True(t, f.service.HasPermission(ctx, "analyst", "reports.export.regional", AccessContext{}).Allowed())
}

// failingLimiter simulates an unreachable rate limit backend.
type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis: connection refused")
}

// TestHasPermissionFailsClosed tests that backend failures deny
func TestHasPermissionFailsClosed(t *testing.T) {
	t.Run("assignment store", func(t *testing.T) {
		store := &failingStore{MemoryStore: NewMemoryStore(), err: errors.New("database is on fire")}
		service, err := NewService(DefaultRegistry(), store, WithClock(func() time.Time { return testNow }))
		require.NoError(t, err)

		d := service.HasPermission(context.Background(), userUnit, "applications.read.regional", AccessContext{})
		assert.False(t, d.Allowed())
		assert.Equal(t, ReasonError, d.Reason)

		pred, err := service.BuildScopeFilter(context.Background(), userUnit, ResourceApplications)
		assert.Error(t, err)
		assert.True(t, pred.IsMatchNothing())
	})

	t.Run("rate limiter", func(t *testing.T) {
		f := newFixtureWithRegistry(t, registryWithLimitedExport(), WithRateLimiter(failingLimiter{}))
		f.seed("analyst", "analyst", "A1")

		d := f.service.HasPermission(context.Background(), "analyst", "reports.export.regional", AccessContext{})
		assert.Equal(t, Denied, d.Outcome)
		assert.Equal(t, ReasonError, d.Reason)
	})
}

// TestHasPermissionAudit tests that audit-required permissions leave one record per decision
func TestHasPermissionAudit(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	ctx := context.Background()
	ac := AccessContext{IP: "10.0.0.1", UserAgent: "test", RequestID: "req-1"}

	f.service.HasPermission(ctx, userUnit, "applications.approve.regional", ac)
	f.service.HasPermission(ctx, userApplicant, "applications.approve.regional", ac)
	f.service.HasPermission(ctx, userUnit, "applications.read.regional", ac)

	records, err := f.service.GetAuditLog(ctx, NewAuditLogFilter().WithPermission("applications.approve.regional"))
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first
	assert.Equal(t, userApplicant, records[0].UserID)
	assert.Equal(t, "denied", records[0].Decision)
	assert.Equal(t, string(ReasonMissing), records[0].Reason)
	assert.Equal(t, userUnit, records[1].UserID)
	assert.Equal(t, "allowed", records[1].Decision)
	assert.Equal(t, "req-1", records[1].RequestID)
	assert.Equal(t, "10.0.0.1", records[1].IPAddress)

	none, err := f.service.GetAuditLog(ctx, NewAuditLogFilter().WithPermission("applications.read.regional"))
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Decisions.WithLabelValues("applications.approve.regional", "allowed", "")))
}

// TestHasAnyAndAllPermissions tests the combined checks
func TestHasAnyAndAllPermissions(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	ctx := context.Background()

	d := f.service.HasAnyPermission(ctx, userUnit, []string{"finances.read.regional", "applications.read.regional"}, AccessContext{})
	assert.True(t, d.Allowed())
	assert.Equal(t, "applications.read.regional", d.Permission)

	d = f.service.HasAllPermissions(ctx, userUnit, []string{"applications.read.regional", "finances.read.regional"}, AccessContext{})
	assert.False(t, d.Allowed())
	assert.Equal(t, "finances.read.regional", d.Permission)

	assert.False(t, f.service.HasAnyPermission(ctx, userUnit, nil, AccessContext{}).Allowed())
	assert.False(t, f.service.HasAllPermissions(ctx, userUnit, nil, AccessContext{}).Allowed())
}

// TestDecisionErr tests the error each decision maps to
func TestDecisionErr(t *testing.T) {
	assert.NoError(t, allow("a.read.own").Err())
	assert.True(t, IsScopeViolation(deny("a.read.own", ReasonScope).Err()))
	assert.True(t, IsPermissionDenied(deny("a.read.own", ReasonIP).Err()))
	assert.True(t, IsPermissionDenied(deny("a.read.own", ReasonError).Err()))
	assert.Equal(t, "rate_limited", RateLimited.String())
	assert.Equal(t, "denied", Denied.String())
}
