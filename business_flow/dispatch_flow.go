package businessflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/outboundlabs/dispatchd/app/dto"
	"github.com/outboundlabs/dispatchd/models"
	"github.com/outboundlabs/dispatchd/repository"
	"github.com/outboundlabs/dispatchd/utils"
)

// DispatchFlow owns dispatch lifecycle operations outside of execution:
// creation, the pause/resume/cancel controls, status reads, and the
// application of asynchronous relay outcomes.
type DispatchFlow interface {
	CreateDispatch(ctx context.Context, req *dto.CreateDispatchRequest) (*dto.CreateDispatchResponse, error)
	GetStatus(ctx context.Context, dispatchID uint) (*dto.DispatchStatusResponse, error)
	Pause(ctx context.Context, dispatchID uint) error
	Resume(ctx context.Context, dispatchID uint) error
	Cancel(ctx context.Context, dispatchID uint) error
	ApplyRelayResults(ctx context.Context, req *dto.RelayResultsRequest) (*dto.RelayResultsResponse, error)
}

// DispatchFlowImpl implements DispatchFlow on top of the repositories
type DispatchFlowImpl struct {
	dispatchRepo  repository.DispatchRepository
	recipientRepo repository.RecipientRepository
	logger        *log.Logger
}

// NewDispatchFlow creates a new dispatch lifecycle flow
func NewDispatchFlow(
	dispatchRepo repository.DispatchRepository,
	recipientRepo repository.RecipientRepository,
	logger *log.Logger,
) DispatchFlow {
	return &DispatchFlowImpl{
		dispatchRepo:  dispatchRepo,
		recipientRepo: recipientRepo,
		logger:        logger,
	}
}

// CreateDispatch persists a new dispatch in the scheduled state
func (f *DispatchFlowImpl) CreateDispatch(ctx context.Context, req *dto.CreateDispatchRequest) (*dto.CreateDispatchResponse, error) {
	dispatch := &models.Dispatch{
		AccountID:       req.AccountID,
		ChannelID:       req.ChannelID,
		Name:            req.Name,
		MessageVariants: pq.StringArray(req.MessageVariants),
		Status:          models.DispatchStatusScheduled,
		ScheduledAt:     req.ScheduledAt,
	}
	if err := dispatch.BeforeCreate(); err != nil {
		return nil, fmt.Errorf("failed to prepare dispatch: %w", err)
	}
	if err := f.dispatchRepo.Save(ctx, dispatch); err != nil {
		return nil, fmt.Errorf("failed to save dispatch: %w", err)
	}

	resp := &dto.CreateDispatchResponse{
		ID:        dispatch.ID,
		UUID:      dispatch.UUID.String(),
		Status:    dispatch.Status.String(),
		CreatedAt: dispatch.CreatedAt.UTC().Format(time.RFC3339),
	}
	if dispatch.ScheduledAt != nil {
		resp.ScheduledAt = dispatch.ScheduledAt.UTC().Format(time.RFC3339)
	}
	return resp, nil
}

// GetStatus returns the progress snapshot of one dispatch
func (f *DispatchFlowImpl) GetStatus(ctx context.Context, dispatchID uint) (*dto.DispatchStatusResponse, error) {
	dispatch, err := f.loadDispatch(ctx, dispatchID)
	if err != nil {
		return nil, err
	}

	resp := &dto.DispatchStatusResponse{
		ID:              dispatch.ID,
		UUID:            dispatch.UUID.String(),
		Name:            dispatch.Name,
		Status:          dispatch.Status.String(),
		FailureReason:   dispatch.FailureReason,
		TotalRecipients: dispatch.TotalRecipients,
		PendingCount:    dispatch.PendingCount,
		SentCount:       dispatch.SentCount,
		FailedCount:     dispatch.FailedCount,
		DeliveredCount:  dispatch.DeliveredCount,
		ScheduledAt:     formatTimePtr(dispatch.ScheduledAt),
		StartedAt:       formatTimePtr(dispatch.StartedAt),
		CompletedAt:     formatTimePtr(dispatch.CompletedAt),
	}
	return resp, nil
}

// Pause stops an in-progress dispatch before its next batch. Recipients
// already handed to the relay are unaffected.
func (f *DispatchFlowImpl) Pause(ctx context.Context, dispatchID uint) error {
	dispatch, err := f.loadDispatch(ctx, dispatchID)
	if err != nil {
		return err
	}

	ok, err := f.dispatchRepo.TransitionStatus(ctx, dispatch.ID,
		[]models.DispatchStatus{models.DispatchStatusInProgress},
		models.DispatchStatusPaused, nil)
	if err != nil {
		return fmt.Errorf("failed to pause dispatch %d: %w", dispatch.ID, err)
	}
	if !ok {
		return fmt.Errorf("dispatch %d is %s: %w", dispatch.ID, dispatch.Status, ErrDispatchNotPausable)
	}
	f.logger.Printf("Dispatch %d paused", dispatch.ID)
	return nil
}

// Resume moves a paused dispatch back to in_progress. Execution of the
// remaining pending recipients is picked up by the runner.
func (f *DispatchFlowImpl) Resume(ctx context.Context, dispatchID uint) error {
	dispatch, err := f.loadDispatch(ctx, dispatchID)
	if err != nil {
		return err
	}

	ok, err := f.dispatchRepo.TransitionStatus(ctx, dispatch.ID,
		[]models.DispatchStatus{models.DispatchStatusPaused},
		models.DispatchStatusInProgress, nil)
	if err != nil {
		return fmt.Errorf("failed to resume dispatch %d: %w", dispatch.ID, err)
	}
	if !ok {
		return fmt.Errorf("dispatch %d is %s: %w", dispatch.ID, dispatch.Status, ErrDispatchNotResumable)
	}
	f.logger.Printf("Dispatch %d resumed", dispatch.ID)
	return nil
}

// Cancel permanently stops a dispatch that has not finished. Only
// scheduled and paused dispatches can be cancelled; an in-progress one
// must be paused first so the runner has quiesced.
func (f *DispatchFlowImpl) Cancel(ctx context.Context, dispatchID uint) error {
	dispatch, err := f.loadDispatch(ctx, dispatchID)
	if err != nil {
		return err
	}

	ok, err := f.dispatchRepo.TransitionStatus(ctx, dispatch.ID,
		[]models.DispatchStatus{models.DispatchStatusScheduled, models.DispatchStatusPaused},
		models.DispatchStatusCancelled, nil)
	if err != nil {
		return fmt.Errorf("failed to cancel dispatch %d: %w", dispatch.ID, err)
	}
	if !ok {
		return fmt.Errorf("dispatch %d is %s: %w", dispatch.ID, dispatch.Status, ErrDispatchNotCancellable)
	}
	f.logger.Printf("Dispatch %d cancelled", dispatch.ID)
	return nil
}

// ApplyRelayResults applies asynchronous per-recipient outcomes from
// the relay callback. Unknown tracking IDs and already-applied outcomes
// are counted as skipped, never errors, so the relay can safely re-send
// the same report.
func (f *DispatchFlowImpl) ApplyRelayResults(ctx context.Context, req *dto.RelayResultsRequest) (*dto.RelayResultsResponse, error) {
	resp := &dto.RelayResultsResponse{}
	deltas := make(map[uint]*models.CounterDelta)

	for _, item := range req.Results {
		recipients, err := f.recipientRepo.ByFilter(ctx, models.RecipientFilter{TrackingID: utils.ToPtr(item.TrackingID)}, "", 1, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to look up tracking ID %s: %w", item.TrackingID, err)
		}
		if len(recipients) == 0 {
			f.logger.Printf("Relay result for unknown tracking ID %s skipped", item.TrackingID)
			resp.Skipped++
			continue
		}
		recipient := recipients[0]

		var (
			status      models.RecipientStatus
			deliveredAt *time.Time
		)
		switch item.Status {
		case "sent":
			status = models.RecipientStatusSent
		case "failed":
			status = models.RecipientStatusFailed
		case "delivered":
			status = models.RecipientStatusSent
			if item.OccurredAt != nil {
				deliveredAt = item.OccurredAt
			} else {
				deliveredAt = utils.UTCNowPtr()
			}
		default:
			resp.Skipped++
			continue
		}

		applied, err := f.recipientRepo.ResolveByTrackingID(ctx, item.TrackingID, status, item.ErrorDetail, deliveredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve tracking ID %s: %w", item.TrackingID, err)
		}
		if !applied {
			resp.Skipped++
			continue
		}
		resp.Applied++

		delta, okD := deltas[recipient.DispatchID]
		if !okD {
			delta = &models.CounterDelta{}
			deltas[recipient.DispatchID] = delta
		}
		switch {
		case deliveredAt != nil:
			delta.Delivered++
		case status == models.RecipientStatusSent:
			delta.Pending--
			delta.Sent++
		case status == models.RecipientStatusFailed:
			delta.Pending--
			delta.Failed++
		}
	}

	for dispatchID, delta := range deltas {
		if delta.IsZero() {
			continue
		}
		if err := f.dispatchRepo.AdjustCounters(ctx, dispatchID, *delta); err != nil {
			f.logger.Printf("Failed to adjust counters for dispatch %d: %v", dispatchID, err)
			continue
		}
		f.maybeComplete(ctx, dispatchID)
	}

	return resp, nil
}

// maybeComplete finishes an in-progress dispatch once no recipient is
// pending anymore. The recipient table, not the cached counters, is the
// authority here.
func (f *DispatchFlowImpl) maybeComplete(ctx context.Context, dispatchID uint) {
	counts, err := f.recipientRepo.CountByStatus(ctx, dispatchID)
	if err != nil {
		f.logger.Printf("Failed to count recipients of dispatch %d: %v", dispatchID, err)
		return
	}
	if counts.Pending > 0 || counts.Total() == 0 {
		return
	}

	ok, err := f.dispatchRepo.TransitionStatus(ctx, dispatchID,
		[]models.DispatchStatus{models.DispatchStatusInProgress},
		models.DispatchStatusCompleted, nil)
	if err != nil {
		f.logger.Printf("Failed to complete dispatch %d: %v", dispatchID, err)
		return
	}
	if ok {
		f.logger.Printf("Dispatch %d completed (all recipients terminal)", dispatchID)
	}
}

func (f *DispatchFlowImpl) loadDispatch(ctx context.Context, dispatchID uint) (*models.Dispatch, error) {
	dispatch, err := f.dispatchRepo.ByID(ctx, dispatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dispatch %d: %w", dispatchID, err)
	}
	if dispatch == nil {
		return nil, fmt.Errorf("dispatch %d: %w", dispatchID, ErrDispatchNotFound)
	}
	return dispatch, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
