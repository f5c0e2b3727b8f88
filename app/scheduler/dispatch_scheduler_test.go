package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	businessflow "github.com/outboundlabs/dispatchd/business_flow"

	"github.com/outboundlabs/dispatchd/config"
	"github.com/outboundlabs/dispatchd/models"
	"github.com/outboundlabs/dispatchd/utils"
)

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Enabled:                 true,
		TickInterval:            time.Minute,
		SafetyMargin:            0,
		MaxConcurrentDispatches: 4,
		LookupMaxAttempts:       5,
		LookupBaseDelay:         time.Millisecond,
		LookupMultiplier:        1.5,
		LookupMaxDelay:          5 * time.Millisecond,
	}
}

func newScheduler(f *runnerFixture, cfg config.SchedulerConfig) *DispatchScheduler {
	return NewDispatchScheduler(f.runner, f.dispatchRepo, cfg, testLogger())
}

func TestTickRunsDueDispatches(t *testing.T) {
	f := newRunnerFixture()
	sched := newScheduler(f, schedulerConfig())

	past := utils.UTCNowAdd(-time.Minute)
	d1 := f.addDispatch(t, models.DispatchStatusScheduled, &past)
	f.addPending(t, d1.ID, 3)
	d2 := f.addDispatch(t, models.DispatchStatusScheduled, nil) // null = immediate
	f.addPending(t, d2.ID, 2)
	future := utils.UTCNowAdd(time.Hour)
	d3 := f.addDispatch(t, models.DispatchStatusScheduled, &future)

	picked := sched.Tick(context.Background())
	assert.Equal(t, 2, picked)

	assert.Equal(t, models.DispatchStatusCompleted, f.dispatchRepo.MustGet(d1.ID).Status)
	assert.Equal(t, models.DispatchStatusCompleted, f.dispatchRepo.MustGet(d2.ID).Status)
	assert.Equal(t, models.DispatchStatusScheduled, f.dispatchRepo.MustGet(d3.ID).Status)
	assert.Equal(t, 5, f.relay.SubmittedCount())
}

func TestTickSafetyMarginDelaysFreshDispatches(t *testing.T) {
	f := newRunnerFixture()
	cfg := schedulerConfig()
	cfg.SafetyMargin = time.Minute
	sched := newScheduler(f, cfg)

	// Due 10s ago, inside the safety margin: left for a later tick.
	fresh := utils.UTCNowAdd(-10 * time.Second)
	d := f.addDispatch(t, models.DispatchStatusScheduled, &fresh)

	assert.Zero(t, sched.Tick(context.Background()))
	assert.Equal(t, models.DispatchStatusScheduled, f.dispatchRepo.MustGet(d.ID).Status)
}

func TestTickIsolatesPerDispatchFailure(t *testing.T) {
	f := newRunnerFixture()
	sched := newScheduler(f, schedulerConfig())

	bad := f.addDispatch(t, models.DispatchStatusScheduled, nil)
	stored := f.dispatchRepo.MustGet(bad.ID)
	stored.ChannelID = "missing"
	require.NoError(t, f.dispatchRepo.Save(context.Background(), &stored))

	good := f.addDispatch(t, models.DispatchStatusScheduled, nil)
	f.addPending(t, good.ID, 4)

	picked := sched.Tick(context.Background())
	assert.Equal(t, 2, picked)

	assert.Equal(t, models.DispatchStatusFailed, f.dispatchRepo.MustGet(bad.ID).Status)
	assert.Equal(t, models.DispatchStatusCompleted, f.dispatchRepo.MustGet(good.ID).Status)
	assert.Equal(t, 4, f.relay.SubmittedCount())
}

func TestRunByIDToleratesReplicaLag(t *testing.T) {
	f := newRunnerFixture()
	sched := newScheduler(f, schedulerConfig())

	d := f.addDispatch(t, models.DispatchStatusScheduled, nil)
	f.addPending(t, d.ID, 2)

	// The first two reads miss, as if the row has not replicated yet.
	f.dispatchRepo.ByIDNilUntil = 2

	resp, err := sched.RunByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Processed)
	assert.Equal(t, models.DispatchStatusCompleted, f.dispatchRepo.MustGet(d.ID).Status)
}

func TestRunByIDGivesUpAfterBackoff(t *testing.T) {
	f := newRunnerFixture()
	sched := newScheduler(f, schedulerConfig())

	f.dispatchRepo.ByIDNilUntil = 1000

	_, err := sched.RunByID(context.Background(), 77)
	assert.ErrorIs(t, err, businessflow.ErrDispatchNotFound)
}

func TestSchedulerStartStop(t *testing.T) {
	f := newRunnerFixture()
	cfg := schedulerConfig()
	cfg.TickInterval = 10 * time.Millisecond
	sched := newScheduler(f, cfg)

	d := f.addDispatch(t, models.DispatchStatusScheduled, nil)
	f.addPending(t, d.ID, 1)

	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return f.dispatchRepo.MustGet(d.ID).Status == models.DispatchStatusCompleted
	}, time.Second, 5*time.Millisecond)

	sched.Stop()
	// Stop twice is safe.
	sched.Stop()
}

func TestSchedulerDisabledDoesNotStart(t *testing.T) {
	f := newRunnerFixture()
	cfg := schedulerConfig()
	cfg.Enabled = false
	sched := newScheduler(f, cfg)

	d := f.addDispatch(t, models.DispatchStatusScheduled, nil)

	sched.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, models.DispatchStatusScheduled, f.dispatchRepo.MustGet(d.ID).Status)
	sched.Stop()
}
