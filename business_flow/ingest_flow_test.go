package businessflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outboundlabs/dispatchd/app/dto"
	"github.com/outboundlabs/dispatchd/app/worker"
	"github.com/outboundlabs/dispatchd/config"
	"github.com/outboundlabs/dispatchd/models"
	testingutil "github.com/outboundlabs/dispatchd/testing"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func ingestConfig() *config.IngestionConfig {
	return &config.IngestionConfig{
		BatchSize:         50,
		BatchMaxAttempts:  3,
		BatchRetryDelay:   time.Millisecond,
		CounterFlushEvery: 2,
		AsyncThreshold:    0,
		WorkerPoolSize:    2,
	}
}

func makeRecipients(n int) []dto.IngestRecipient {
	out := make([]dto.IngestRecipient, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, dto.IngestRecipient{
			Destination: fmt.Sprintf("+155500%05d", i),
			Body:        fmt.Sprintf("hello %d", i),
		})
	}
	return out
}

func scheduledDispatch(t *testing.T, repo *testingutil.FakeDispatchRepo) *models.Dispatch {
	t.Helper()
	d := &models.Dispatch{
		AccountID:       1,
		ChannelID:       "ch-1",
		Name:            "spring promo",
		MessageVariants: pq.StringArray{"hello"},
		Status:          models.DispatchStatusScheduled,
	}
	require.NoError(t, d.BeforeCreate())
	require.NoError(t, repo.Save(context.Background(), d))
	return d
}

func TestIngestHappyPath(t *testing.T) {
	dispatchRepo := testingutil.NewFakeDispatchRepo()
	recipientRepo := testingutil.NewFakeRecipientRepo()
	d := scheduledDispatch(t, dispatchRepo)

	flow := NewIngestFlow(dispatchRepo, recipientRepo, nil, ingestConfig(), testLogger())
	resp, err := flow.Ingest(context.Background(), &dto.IngestRequest{
		DispatchID:    d.ID,
		Recipients:    makeRecipients(120),
		DeclaredTotal: 120,
	})
	require.NoError(t, err)

	assert.Equal(t, 120, resp.InsertedCount)
	assert.Equal(t, 120, resp.Total)
	assert.Empty(t, resp.FailedBatches)
	assert.Zero(t, resp.AsyncBatches)

	stored := dispatchRepo.MustGet(d.ID)
	assert.Equal(t, int64(120), stored.TotalRecipients)
	assert.Equal(t, int64(120), stored.PendingCount)

	all := recipientRepo.All()
	require.Len(t, all, 120)
	seen := make(map[string]bool)
	for _, rec := range all {
		assert.Equal(t, models.RecipientStatusPending, rec.Status)
		assert.Equal(t, d.ID, rec.DispatchID)
		assert.False(t, seen[rec.TrackingID], "duplicate tracking ID")
		seen[rec.TrackingID] = true
	}
}

func TestIngestContinuesPastPoisonedBatch(t *testing.T) {
	dispatchRepo := testingutil.NewFakeDispatchRepo()
	recipientRepo := testingutil.NewFakeRecipientRepo()
	d := scheduledDispatch(t, dispatchRepo)

	// The second batch (indexes 50..99) always times out.
	recipientRepo.SaveBatchHook = func(batch []*models.Recipient) error {
		if batch[0].Destination == "+15550000050" {
			return errors.New("statement timeout")
		}
		return nil
	}

	flow := NewIngestFlow(dispatchRepo, recipientRepo, nil, ingestConfig(), testLogger())
	resp, err := flow.Ingest(context.Background(), &dto.IngestRequest{
		DispatchID:    d.ID,
		Recipients:    makeRecipients(150),
		DeclaredTotal: 150,
	})
	require.NoError(t, err)

	assert.Equal(t, 100, resp.InsertedCount)
	assert.Equal(t, []int{1}, resp.FailedBatches)

	stored := dispatchRepo.MustGet(d.ID)
	assert.Equal(t, int64(100), stored.TotalRecipients)
	assert.Equal(t, int64(100), stored.PendingCount)
}

func TestIngestRetriesTransientFailure(t *testing.T) {
	dispatchRepo := testingutil.NewFakeDispatchRepo()
	recipientRepo := testingutil.NewFakeRecipientRepo()
	d := scheduledDispatch(t, dispatchRepo)

	failures := 0
	recipientRepo.SaveBatchHook = func([]*models.Recipient) error {
		if failures < 2 {
			failures++
			return errors.New("connection reset by peer")
		}
		return nil
	}

	flow := NewIngestFlow(dispatchRepo, recipientRepo, nil, ingestConfig(), testLogger())
	resp, err := flow.Ingest(context.Background(), &dto.IngestRequest{
		DispatchID:    d.ID,
		Recipients:    makeRecipients(50),
		DeclaredTotal: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, resp.InsertedCount)
	assert.Empty(t, resp.FailedBatches)
	assert.Equal(t, 2, failures)
}

func TestIngestDoesNotRetryPermanentFailure(t *testing.T) {
	dispatchRepo := testingutil.NewFakeDispatchRepo()
	recipientRepo := testingutil.NewFakeRecipientRepo()
	d := scheduledDispatch(t, dispatchRepo)

	attempts := 0
	recipientRepo.SaveBatchHook = func([]*models.Recipient) error {
		attempts++
		return errors.New("null value in column destination")
	}

	flow := NewIngestFlow(dispatchRepo, recipientRepo, nil, ingestConfig(), testLogger())
	resp, err := flow.Ingest(context.Background(), &dto.IngestRequest{
		DispatchID:    d.ID,
		Recipients:    makeRecipients(10),
		DeclaredTotal: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, resp.FailedBatches)
	assert.Equal(t, 1, attempts, "permanent errors must not be retried")
}

func TestIngestRejectsWrongDispatchState(t *testing.T) {
	dispatchRepo := testingutil.NewFakeDispatchRepo()
	recipientRepo := testingutil.NewFakeRecipientRepo()
	d := scheduledDispatch(t, dispatchRepo)
	_, err := dispatchRepo.TransitionStatus(context.Background(), d.ID,
		[]models.DispatchStatus{models.DispatchStatusScheduled}, models.DispatchStatusInProgress, nil)
	require.NoError(t, err)

	flow := NewIngestFlow(dispatchRepo, recipientRepo, nil, ingestConfig(), testLogger())
	_, err = flow.Ingest(context.Background(), &dto.IngestRequest{
		DispatchID:    d.ID,
		Recipients:    makeRecipients(1),
		DeclaredTotal: 1,
	})
	assert.ErrorIs(t, err, ErrDispatchNotIngestible)

	_, err = flow.Ingest(context.Background(), &dto.IngestRequest{
		DispatchID:    9999,
		Recipients:    makeRecipients(1),
		DeclaredTotal: 1,
	})
	assert.ErrorIs(t, err, ErrDispatchNotFound)
}

func TestIngestAsyncTail(t *testing.T) {
	dispatchRepo := testingutil.NewFakeDispatchRepo()
	recipientRepo := testingutil.NewFakeRecipientRepo()
	d := scheduledDispatch(t, dispatchRepo)

	pool := worker.NewPool(2, 8, testLogger())
	pool.Start()

	cfg := ingestConfig()
	cfg.AsyncThreshold = 1

	flow := NewIngestFlow(dispatchRepo, recipientRepo, pool, cfg, testLogger())
	resp, err := flow.Ingest(context.Background(), &dto.IngestRequest{
		DispatchID:    d.ID,
		Recipients:    makeRecipients(150),
		DeclaredTotal: 150,
	})
	require.NoError(t, err)

	// Only the first batch is acknowledged synchronously.
	assert.Equal(t, 50, resp.InsertedCount)
	assert.Equal(t, 2, resp.AsyncBatches)

	// Stop drains the queued tail; after it the counters have converged.
	pool.Stop()

	stored := dispatchRepo.MustGet(d.ID)
	assert.Equal(t, int64(150), stored.TotalRecipients)
	assert.Equal(t, int64(150), stored.PendingCount)
	assert.Len(t, recipientRepo.All(), 150)
}
