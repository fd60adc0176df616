package welfarekit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestNewScheduler tests scheduler construction
func TestNewScheduler(t *testing.T) {
	f := newFixture(t)

	_, err := NewScheduler(nil, DefaultJobsConfig(), nil)
	assert.True(t, IsConfiguration(err))

	_, err = NewScheduler(f.service, JobsConfig{ExpirySpec: "every now and then"}, nil)
	assert.True(t, IsConfiguration(err))

	s, err := NewScheduler(f.service, JobsConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, s.cron.Entries())

	s, err = NewScheduler(f.service, DefaultJobsConfig(), nil)
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 2)
}

// TestSchedulerRunNow tests running jobs outside their schedule
func TestSchedulerRunNow(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	until := testNow.Add(time.Hour)
	a := f.seed("user-temp", RoleBeneficiary)
	a.ValidUntil = &until
	require.NoError(t, f.store.UpdateAssignment(context.Background(), a))
	app := f.submit(userApplicant, "U1")

	s, err := NewScheduler(f.service, DefaultJobsConfig(), nil)
	require.NoError(t, err)

	f.clock.Advance(73 * time.Hour)
	require.NoError(t, s.RunNow("expire_assignments"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExpiredRoles))

	require.NoError(t, s.RunNow("sla_sweep"))
	stored, err := f.store.GetApplication(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, SLADelayed, stored.SLAStatus)

	assert.True(t, IsInvalidInput(s.RunNow("reindex")))
}

// TestSchedulerStartStop tests the cron lifecycle
func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t)
	s, err := NewScheduler(f.service, DefaultJobsConfig(), nil)
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
