package businessflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/outboundlabs/dispatchd/app/dto"
	"github.com/outboundlabs/dispatchd/app/worker"
	"github.com/outboundlabs/dispatchd/config"
	"github.com/outboundlabs/dispatchd/models"
	"github.com/outboundlabs/dispatchd/repository"
	"github.com/outboundlabs/dispatchd/utils"
)

// IngestFlow loads recipient lists into a dispatch in bounded batches
type IngestFlow interface {
	Ingest(ctx context.Context, req *dto.IngestRequest) (*dto.IngestResponse, error)
}

// IngestFlowImpl implements batch ingestion with per-batch retry.
// A batch that keeps failing is abandoned and reported; the remaining
// batches are still inserted, so one poisoned chunk never sinks the
// whole list.
type IngestFlowImpl struct {
	dispatchRepo  repository.DispatchRepository
	recipientRepo repository.RecipientRepository
	pool          *worker.Pool
	cfg           *config.IngestionConfig
	retry         utils.BackoffPolicy
	logger        *log.Logger
}

// NewIngestFlow creates a new ingestion flow
func NewIngestFlow(
	dispatchRepo repository.DispatchRepository,
	recipientRepo repository.RecipientRepository,
	pool *worker.Pool,
	cfg *config.IngestionConfig,
	logger *log.Logger,
) IngestFlow {
	return &IngestFlowImpl{
		dispatchRepo:  dispatchRepo,
		recipientRepo: recipientRepo,
		pool:          pool,
		cfg:           cfg,
		retry: utils.BackoffPolicy{
			MaxAttempts: cfg.BatchMaxAttempts,
			BaseDelay:   cfg.BatchRetryDelay,
			Multiplier:  1,
		},
		logger: logger,
	}
}

// Ingest validates the target dispatch, inserts recipients batch by
// batch, and keeps the dispatch counters in step. When the list is
// large enough, the tail is handed to the background worker pool and
// the caller is acknowledged with the synchronous portion only.
func (f *IngestFlowImpl) Ingest(ctx context.Context, req *dto.IngestRequest) (*dto.IngestResponse, error) {
	dispatch, err := f.dispatchRepo.ByID(ctx, req.DispatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dispatch %d: %w", req.DispatchID, err)
	}
	if dispatch == nil {
		return nil, fmt.Errorf("dispatch %d: %w", req.DispatchID, ErrDispatchNotFound)
	}
	if dispatch.Status != models.DispatchStatusScheduled {
		return nil, fmt.Errorf("dispatch %d is %s: %w", dispatch.ID, dispatch.Status, ErrDispatchNotIngestible)
	}

	if req.DeclaredTotal != len(req.Recipients) {
		f.logger.Printf("Ingestion for dispatch %d: declared total %d does not match %d recipients received",
			dispatch.ID, req.DeclaredTotal, len(req.Recipients))
	}

	batches := chunkRecipients(req.Recipients, f.cfg.BatchSize)

	syncLimit := len(batches)
	if f.cfg.AsyncThreshold > 0 && len(batches) > f.cfg.AsyncThreshold && f.pool != nil {
		syncLimit = f.cfg.AsyncThreshold
	}

	resp := &dto.IngestResponse{Total: len(req.Recipients)}

	var delta models.CounterDelta
	flush := func(c context.Context) {
		if delta.IsZero() {
			return
		}
		if err := f.dispatchRepo.AdjustCounters(c, dispatch.ID, delta); err != nil {
			f.logger.Printf("Failed to adjust counters for dispatch %d: %v", dispatch.ID, err)
			return
		}
		delta = models.CounterDelta{}
	}

	for i := 0; i < syncLimit; i++ {
		inserted, err := f.insertBatch(ctx, dispatch.ID, batches[i])
		if err != nil {
			f.logger.Printf("Batch %d of dispatch %d abandoned after %d attempts: %v",
				i, dispatch.ID, f.retry.MaxAttempts, err)
			resp.FailedBatches = append(resp.FailedBatches, i)
			continue
		}
		resp.InsertedCount += inserted
		delta.Total += int64(inserted)
		delta.Pending += int64(inserted)

		if f.cfg.CounterFlushEvery > 0 && (i+1)%f.cfg.CounterFlushEvery == 0 {
			flush(ctx)
		}
	}
	flush(ctx)

	if syncLimit < len(batches) {
		tail := batches[syncLimit:]
		dispatchID := dispatch.ID
		offset := syncLimit
		submitted := f.pool.Submit(func(poolCtx context.Context) {
			f.ingestTail(poolCtx, dispatchID, tail, offset)
		})
		if submitted {
			resp.AsyncBatches = len(tail)
		} else {
			// Pool saturated or shutting down; finish inline rather
			// than dropping recipients on the floor.
			f.logger.Printf("Worker pool rejected ingestion tail for dispatch %d, running inline", dispatch.ID)
			for j, batch := range tail {
				idx := offset + j
				inserted, err := f.insertBatch(ctx, dispatch.ID, batch)
				if err != nil {
					f.logger.Printf("Batch %d of dispatch %d abandoned after %d attempts: %v",
						idx, dispatch.ID, f.retry.MaxAttempts, err)
					resp.FailedBatches = append(resp.FailedBatches, idx)
					continue
				}
				resp.InsertedCount += inserted
				delta.Total += int64(inserted)
				delta.Pending += int64(inserted)
				if f.cfg.CounterFlushEvery > 0 && (idx+1)%f.cfg.CounterFlushEvery == 0 {
					flush(ctx)
				}
			}
			flush(ctx)
		}
	}

	return resp, nil
}

// ingestTail processes the asynchronous remainder of a recipient list
// on the worker pool. Failures are logged; the poll surface exposes the
// final counts.
func (f *IngestFlowImpl) ingestTail(ctx context.Context, dispatchID uint, batches [][]dto.IngestRecipient, offset int) {
	var delta models.CounterDelta
	flush := func() {
		if delta.IsZero() {
			return
		}
		if err := f.dispatchRepo.AdjustCounters(ctx, dispatchID, delta); err != nil {
			f.logger.Printf("Failed to adjust counters for dispatch %d: %v", dispatchID, err)
			return
		}
		delta = models.CounterDelta{}
	}

	for j, batch := range batches {
		idx := offset + j
		inserted, err := f.insertBatch(ctx, dispatchID, batch)
		if err != nil {
			f.logger.Printf("Async batch %d of dispatch %d abandoned after %d attempts: %v",
				idx, dispatchID, f.retry.MaxAttempts, err)
			continue
		}
		delta.Total += int64(inserted)
		delta.Pending += int64(inserted)
		if f.cfg.CounterFlushEvery > 0 && (j+1)%f.cfg.CounterFlushEvery == 0 {
			flush()
		}
	}
	flush()
	f.logger.Printf("Async ingestion tail for dispatch %d finished (%d batches)", dispatchID, len(batches))
}

// insertBatch persists one batch, retrying transient database errors
// with a constant delay. Permanent errors fail immediately.
func (f *IngestFlowImpl) insertBatch(ctx context.Context, dispatchID uint, batch []dto.IngestRecipient) (int, error) {
	recipients := make([]*models.Recipient, 0, len(batch))
	for _, r := range batch {
		recipients = append(recipients, &models.Recipient{
			DispatchID:  dispatchID,
			TrackingID:  uuid.New().String(),
			Destination: r.Destination,
			Body:        r.Body,
			MediaURL:    r.MediaURL,
			MediaType:   r.MediaType,
			Status:      models.RecipientStatusPending,
		})
	}

	err := f.retry.Do(ctx, isTransientDBError, func(c context.Context) error {
		return f.recipientRepo.SaveBatch(c, recipients)
	})
	if err != nil {
		return 0, err
	}
	return len(recipients), nil
}

func chunkRecipients(recipients []dto.IngestRecipient, size int) [][]dto.IngestRecipient {
	if size < 1 {
		size = 1
	}
	batches := make([][]dto.IngestRecipient, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, recipients[start:end])
	}
	return batches
}

// isTransientDBError reports whether an insert failure is worth
// retrying: timeouts, resource exhaustion, and dropped connections are;
// constraint violations and other permanent errors are not.
func isTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			// connection, transaction rollback, insufficient resources,
			// operator intervention
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "deadlock", "busy", "connection reset", "temporarily unavailable", "too many connections"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
