package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	businessflow "github.com/outboundlabs/dispatchd/business_flow"

	"github.com/outboundlabs/dispatchd/app/services"
	"github.com/outboundlabs/dispatchd/models"
	testingutil "github.com/outboundlabs/dispatchd/testing"
	"github.com/outboundlabs/dispatchd/utils"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type runnerFixture struct {
	dispatchRepo  *testingutil.FakeDispatchRepo
	recipientRepo *testingutil.FakeRecipientRepo
	relay         *services.MockRelayClient
	channels      *services.MockChannelService
	runner        *DispatchRunner
}

func newRunnerFixture() *runnerFixture {
	f := &runnerFixture{
		dispatchRepo:  testingutil.NewFakeDispatchRepo(),
		recipientRepo: testingutil.NewFakeRecipientRepo(),
		relay:         services.NewMockRelayClient(),
		channels:      services.NewMockChannelService(),
	}
	f.channels.SetChannel(&models.SendingChannel{
		ID:         "ch-1",
		Status:     models.ChannelStatusOnline,
		Credential: "secret",
	})
	f.runner = NewDispatchRunner(f.dispatchRepo, f.recipientRepo, f.relay, f.channels, testLogger())
	return f
}

func (f *runnerFixture) addDispatch(t *testing.T, status models.DispatchStatus, scheduledAt *time.Time) *models.Dispatch {
	t.Helper()
	d := &models.Dispatch{
		AccountID:       1,
		ChannelID:       "ch-1",
		Name:            "test dispatch",
		MessageVariants: pq.StringArray{"hello"},
		Status:          status,
		ScheduledAt:     scheduledAt,
	}
	require.NoError(t, d.BeforeCreate())
	d.Status = status
	require.NoError(t, f.dispatchRepo.Save(context.Background(), d))
	return d
}

func (f *runnerFixture) addPending(t *testing.T, dispatchID uint, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := &models.Recipient{
			DispatchID:  dispatchID,
			TrackingID:  fmt.Sprintf("trk-%d-%d", dispatchID, i),
			Destination: fmt.Sprintf("+155500%05d", i),
			Body:        "hello",
			Status:      models.RecipientStatusPending,
		}
		require.NoError(t, f.recipientRepo.Save(context.Background(), rec))
	}
	require.NoError(t, f.dispatchRepo.AdjustCounters(context.Background(), dispatchID,
		models.CounterDelta{Total: int64(n), Pending: int64(n)}))
}

func TestRunnerPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		f := newRunnerFixture()
		_, err := f.runner.Run(ctx, 404)
		assert.ErrorIs(t, err, businessflow.ErrDispatchNotFound)
	})

	t.Run("AlreadyCompletedIsNoOp", func(t *testing.T) {
		f := newRunnerFixture()
		d := f.addDispatch(t, models.DispatchStatusCompleted, nil)
		resp, err := f.runner.Run(ctx, d.ID)
		require.NoError(t, err)
		assert.Zero(t, resp.Processed)
		assert.Empty(t, f.relay.Submitted)
	})

	t.Run("PausedNotStartable", func(t *testing.T) {
		f := newRunnerFixture()
		d := f.addDispatch(t, models.DispatchStatusPaused, nil)
		_, err := f.runner.Run(ctx, d.ID)
		assert.ErrorIs(t, err, businessflow.ErrDispatchNotStartable)
		assert.Equal(t, models.DispatchStatusPaused, f.dispatchRepo.MustGet(d.ID).Status)
	})

	t.Run("FutureScheduleNoStateChange", func(t *testing.T) {
		f := newRunnerFixture()
		at := utils.UTCNowAdd(time.Hour)
		d := f.addDispatch(t, models.DispatchStatusScheduled, &at)
		f.addPending(t, d.ID, 3)

		_, err := f.runner.Run(ctx, d.ID)
		assert.ErrorIs(t, err, businessflow.ErrScheduleInFuture)
		assert.Equal(t, models.DispatchStatusScheduled, f.dispatchRepo.MustGet(d.ID).Status)
		assert.Empty(t, f.relay.Submitted)
	})

	t.Run("ChannelOfflineFailsDispatch", func(t *testing.T) {
		f := newRunnerFixture()
		f.channels.SetChannel(&models.SendingChannel{ID: "ch-1", Status: models.ChannelStatusConnecting})
		d := f.addDispatch(t, models.DispatchStatusScheduled, nil)
		f.addPending(t, d.ID, 3)

		_, err := f.runner.Run(ctx, d.ID)
		assert.ErrorIs(t, err, businessflow.ErrChannelOffline)

		stored := f.dispatchRepo.MustGet(d.ID)
		assert.Equal(t, models.DispatchStatusFailed, stored.Status)
		require.NotNil(t, stored.FailureReason)
		assert.Contains(t, *stored.FailureReason, "connecting")

		// Failing on the channel precondition attempts nothing.
		assert.Empty(t, f.relay.Submitted)
		for _, rec := range f.recipientRepo.All() {
			assert.Equal(t, models.RecipientStatusPending, rec.Status)
		}
	})

	t.Run("UnknownChannelFailsDispatch", func(t *testing.T) {
		f := newRunnerFixture()
		d := f.addDispatch(t, models.DispatchStatusScheduled, nil)

		stored := f.dispatchRepo.MustGet(d.ID)
		stored.ChannelID = "missing"
		require.NoError(t, f.dispatchRepo.Save(ctx, &stored))

		_, err := f.runner.Run(ctx, d.ID)
		assert.ErrorIs(t, err, businessflow.ErrChannelNotFound)
		assert.Equal(t, models.DispatchStatusFailed, f.dispatchRepo.MustGet(d.ID).Status)
	})
}

func TestRunnerZeroPendingCompletes(t *testing.T) {
	f := newRunnerFixture()
	d := f.addDispatch(t, models.DispatchStatusScheduled, nil)

	resp, err := f.runner.Run(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Zero(t, resp.Processed)

	stored := f.dispatchRepo.MustGet(d.ID)
	assert.Equal(t, models.DispatchStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Empty(t, f.relay.Submitted, "relay must not be contacted")
}

func TestRunnerHappyPath(t *testing.T) {
	f := newRunnerFixture()
	d := f.addDispatch(t, models.DispatchStatusScheduled, nil)
	f.addPending(t, d.ID, 120)

	resp, err := f.runner.Run(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, resp.Processed)
	assert.Equal(t, 120, resp.Total)
	assert.Equal(t, 120, f.relay.SubmittedCount())

	// Insertion order == send order.
	first := f.relay.Submitted[0]
	assert.Equal(t, "trk-1-0", first[0].RecipientID)
	assert.Equal(t, "+15550000000", first[0].Destination)

	stored := f.dispatchRepo.MustGet(d.ID)
	assert.Equal(t, models.DispatchStatusCompleted, stored.Status)
	assert.Equal(t, int64(0), stored.PendingCount)
	assert.Equal(t, int64(120), stored.SentCount)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)

	for _, rec := range f.recipientRepo.All() {
		assert.Equal(t, models.RecipientStatusSent, rec.Status)
		assert.NotNil(t, rec.SentAt)
	}
}

func TestRunnerRelayTransportFailure(t *testing.T) {
	f := newRunnerFixture()
	f.relay.FailWith = errors.New("connection refused")
	d := f.addDispatch(t, models.DispatchStatusScheduled, nil)
	f.addPending(t, d.ID, 10)

	_, err := f.runner.Run(context.Background(), d.ID)
	assert.ErrorIs(t, err, businessflow.ErrRelaySubmitFailed)

	stored := f.dispatchRepo.MustGet(d.ID)
	assert.Equal(t, models.DispatchStatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, "connection refused")
	assert.Equal(t, int64(0), stored.PendingCount)
	assert.Equal(t, int64(10), stored.FailedCount)

	// No recipient is silently left pending.
	for _, rec := range f.recipientRepo.All() {
		assert.Equal(t, models.RecipientStatusFailed, rec.Status)
		require.NotNil(t, rec.ErrorDetail)
		assert.Contains(t, *rec.ErrorDetail, "connection refused")
	}
}

func TestRunnerRelayFailureFailsAllPendingPages(t *testing.T) {
	f := newRunnerFixture()
	f.relay.FailWith = errors.New("dial tcp: i/o timeout")
	d := f.addDispatch(t, models.DispatchStatusScheduled, nil)
	// More recipients than one send page, so rows beyond the page in
	// flight must also be failed.
	f.addPending(t, d.ID, sendPageSize+5)

	_, err := f.runner.Run(context.Background(), d.ID)
	assert.ErrorIs(t, err, businessflow.ErrRelaySubmitFailed)

	stored := f.dispatchRepo.MustGet(d.ID)
	assert.Equal(t, models.DispatchStatusFailed, stored.Status)
	assert.Equal(t, int64(0), stored.PendingCount)
	assert.Equal(t, int64(sendPageSize+5), stored.FailedCount)

	counts, err := f.recipientRepo.CountByStatus(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Pending, "no recipient may stay pending under a failed dispatch")
	assert.Equal(t, int64(sendPageSize+5), counts.Failed)
}

func TestRunnerConcurrentRunsStartOnce(t *testing.T) {
	f := newRunnerFixture()
	d := f.addDispatch(t, models.DispatchStatusScheduled, nil)
	f.addPending(t, d.ID, 40)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.runner.Run(context.Background(), d.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.dispatchRepo.StartedAtSets(d.ID), "started_at is assigned exactly once")

	stored := f.dispatchRepo.MustGet(d.ID)
	assert.Equal(t, models.DispatchStatusCompleted, stored.Status)
	require.NotNil(t, stored.StartedAt)
	assert.Equal(t, int64(0), stored.PendingCount)
	assert.Equal(t, int64(40), stored.SentCount)

	// Each recipient moved out of pending exactly once.
	for _, rec := range f.recipientRepo.All() {
		assert.Equal(t, models.RecipientStatusSent, rec.Status)
	}
}

func TestRunnerResumesInProgress(t *testing.T) {
	f := newRunnerFixture()
	startedAt := utils.UTCNowAdd(-time.Hour)
	d := f.addDispatch(t, models.DispatchStatusInProgress, nil)

	stored := f.dispatchRepo.MustGet(d.ID)
	stored.StartedAt = &startedAt
	require.NoError(t, f.dispatchRepo.Save(context.Background(), &stored))
	f.addPending(t, d.ID, 5)

	resp, err := f.runner.Run(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Processed)

	after := f.dispatchRepo.MustGet(d.ID)
	assert.Equal(t, models.DispatchStatusCompleted, after.Status)
	require.NotNil(t, after.StartedAt)
	assert.True(t, after.StartedAt.Equal(startedAt), "started_at is only set on first entry")
}

func TestRunnerStopsWhenPausedMidRun(t *testing.T) {
	f := newRunnerFixture()
	d := f.addDispatch(t, models.DispatchStatusScheduled, nil)
	// Two pages worth of recipients; pause lands after the first page.
	f.addPending(t, d.ID, sendPageSize+5)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Flip to paused as soon as the dispatch enters in_progress.
		for i := 0; i < 1000; i++ {
			ok, _ := f.dispatchRepo.TransitionStatus(context.Background(), d.ID,
				[]models.DispatchStatus{models.DispatchStatusInProgress},
				models.DispatchStatusPaused, nil)
			if ok {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	resp, err := f.runner.Run(context.Background(), d.ID)
	<-done
	require.NoError(t, err)

	stored := f.dispatchRepo.MustGet(d.ID)
	if stored.Status == models.DispatchStatusPaused {
		// The run stopped early; nothing pending was lost.
		counts, cerr := f.recipientRepo.CountByStatus(context.Background(), d.ID)
		require.NoError(t, cerr)
		assert.Equal(t, int64(resp.Processed), counts.Sent)
		assert.Equal(t, int64(sendPageSize+5), counts.Sent+counts.Pending)
	} else {
		// Pause raced past the run; everything went out.
		assert.Equal(t, sendPageSize+5, resp.Processed)
	}
}
