package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	businessflow "github.com/outboundlabs/dispatchd/business_flow"

	"github.com/outboundlabs/dispatchd/app/dto"
	"github.com/outboundlabs/dispatchd/app/services"
	"github.com/outboundlabs/dispatchd/models"
	"github.com/outboundlabs/dispatchd/repository"
	"github.com/outboundlabs/dispatchd/utils"
)

// sendPageSize bounds how many pending recipients are loaded and handed
// to the relay per submission.
const sendPageSize = 500

// DispatchRunner drives one dispatch through its state machine: it
// checks preconditions, moves the dispatch to in_progress, and pushes
// pending recipients through the relay client in insertion order.
type DispatchRunner struct {
	dispatchRepo  repository.DispatchRepository
	recipientRepo repository.RecipientRepository
	relay         services.RelayClient
	channels      services.ChannelService
	logger        *log.Logger
}

// NewDispatchRunner creates a new dispatch runner
func NewDispatchRunner(
	dispatchRepo repository.DispatchRepository,
	recipientRepo repository.RecipientRepository,
	relay services.RelayClient,
	channels services.ChannelService,
	logger *log.Logger,
) *DispatchRunner {
	return &DispatchRunner{
		dispatchRepo:  dispatchRepo,
		recipientRepo: recipientRepo,
		relay:         relay,
		channels:      channels,
		logger:        logger,
	}
}

// Run executes one dispatch. It is re-entrant: invoked on a dispatch
// already in_progress it resumes rows still pending instead of
// rejecting, because a prior run may have crashed mid-batch. A dispatch
// that is already completed is a no-op success.
func (r *DispatchRunner) Run(ctx context.Context, dispatchID uint) (*dto.RunResponse, error) {
	dispatch, err := r.dispatchRepo.ByID(ctx, dispatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dispatch %d: %w", dispatchID, err)
	}
	if dispatch == nil {
		return nil, fmt.Errorf("dispatch %d: %w", dispatchID, businessflow.ErrDispatchNotFound)
	}

	resp := &dto.RunResponse{Total: int(dispatch.TotalRecipients)}

	if dispatch.Status == models.DispatchStatusCompleted {
		return resp, nil
	}
	if !dispatch.IsStartable() {
		return nil, fmt.Errorf("dispatch %d is %s: %w", dispatch.ID, dispatch.Status, businessflow.ErrDispatchNotStartable)
	}
	if dispatch.ScheduledAt != nil && dispatch.ScheduledAt.After(utils.UTCNow()) {
		return resp, fmt.Errorf("dispatch %d runs at %s: %w",
			dispatch.ID, dispatch.ScheduledAt.UTC().Format(time.RFC3339), businessflow.ErrScheduleInFuture)
	}

	channel, err := r.channels.GetChannel(ctx, dispatch.ChannelID)
	if err != nil {
		reason := fmt.Sprintf("sending channel %s lookup failed: %v", dispatch.ChannelID, err)
		r.markFailed(ctx, dispatch.ID, reason)
		return nil, fmt.Errorf("%s: %w", reason, businessflow.ErrChannelNotFound)
	}
	if channel == nil {
		reason := fmt.Sprintf("sending channel %s not found", dispatch.ChannelID)
		r.markFailed(ctx, dispatch.ID, reason)
		return nil, fmt.Errorf("dispatch %d: %w", dispatch.ID, businessflow.ErrChannelNotFound)
	}
	if !channel.Online() {
		reason := fmt.Sprintf("sending channel %s is %s", channel.ID, channel.Status)
		r.markFailed(ctx, dispatch.ID, reason)
		return nil, fmt.Errorf("dispatch %d: %w", dispatch.ID, businessflow.ErrChannelOffline)
	}

	// The CAS transition is the mutual-exclusion point: a dispatch
	// claimed by one actor moves out of scheduled before another sees
	// it. Moving in_progress to in_progress is an intentional no-op
	// match so resumption passes through; started_at is only set on the
	// first entry.
	ok, err := r.dispatchRepo.TransitionStatus(ctx, dispatch.ID,
		[]models.DispatchStatus{models.DispatchStatusScheduled, models.DispatchStatusInProgress},
		models.DispatchStatusInProgress, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start dispatch %d: %w", dispatch.ID, err)
	}
	if !ok {
		current, rerr := r.dispatchRepo.ByID(ctx, dispatch.ID)
		if rerr == nil && current != nil && current.Status == models.DispatchStatusCompleted {
			return resp, nil
		}
		return nil, fmt.Errorf("dispatch %d: %w", dispatch.ID, businessflow.ErrDispatchNotStartable)
	}
	dispatchesStarted.Inc()

	for {
		page, err := r.recipientRepo.ListPendingByDispatch(ctx, dispatch.ID, sendPageSize, 0)
		if err != nil {
			return resp, fmt.Errorf("failed to load pending recipients of dispatch %d: %w", dispatch.ID, err)
		}
		if len(page) == 0 {
			break
		}

		messages := make([]services.RelayMessage, 0, len(page))
		ids := make([]uint, 0, len(page))
		for _, rec := range page {
			ids = append(ids, rec.ID)
			messages = append(messages, services.RelayMessage{
				DispatchID:  dispatch.ID,
				RecipientID: rec.TrackingID,
				Destination: rec.Destination,
				Body:        rec.Body,
				MediaURL:    rec.MediaURL,
				MediaType:   rec.MediaType,
			})
		}

		if _, err := r.relay.Submit(ctx, channel.Credential, messages); err != nil {
			// Transport-level failure is dispatch-fatal: fail every
			// still-pending row, not just the page in flight, so nothing
			// stays pending under a terminal dispatch.
			reason := fmt.Sprintf("relay submission failed: %v", err)
			failed, merr := r.recipientRepo.MarkAllPendingFailed(ctx, dispatch.ID, reason)
			if merr != nil {
				r.logger.Printf("Failed to fail recipients of dispatch %d: %v", dispatch.ID, merr)
			} else if failed > 0 {
				r.adjustCounters(ctx, dispatch.ID, models.CounterDelta{Pending: -failed, Failed: failed})
			}
			r.markFailed(ctx, dispatch.ID, reason)
			return resp, fmt.Errorf("dispatch %d: %s: %w", dispatch.ID, reason, businessflow.ErrRelaySubmitFailed)
		}

		sent, err := r.recipientRepo.MarkPending(ctx, ids, models.RecipientStatusSent, nil)
		if err != nil {
			return resp, fmt.Errorf("failed to mark recipients of dispatch %d sent: %w", dispatch.ID, err)
		}
		r.adjustCounters(ctx, dispatch.ID, models.CounterDelta{Pending: -sent, Sent: sent})
		resp.Processed += int(sent)
		recipientsSubmitted.Add(float64(sent))

		// Honor pause/cancel requested while this run was submitting.
		current, err := r.dispatchRepo.ByID(ctx, dispatch.ID)
		if err != nil {
			return resp, fmt.Errorf("failed to reload dispatch %d: %w", dispatch.ID, err)
		}
		if current == nil || current.Status != models.DispatchStatusInProgress {
			r.logger.Printf("Dispatch %d left in_progress mid-run, stopping after %d recipients", dispatch.ID, resp.Processed)
			return resp, nil
		}
	}

	// No pending recipients left. A dispatch picked up with zero pending
	// rows lands here without ever contacting the relay.
	ok, err = r.dispatchRepo.TransitionStatus(ctx, dispatch.ID,
		[]models.DispatchStatus{models.DispatchStatusInProgress},
		models.DispatchStatusCompleted, nil)
	if err != nil {
		return resp, fmt.Errorf("failed to complete dispatch %d: %w", dispatch.ID, err)
	}
	if ok {
		dispatchesCompleted.Inc()
		r.logger.Printf("Dispatch %d completed: %d recipients processed", dispatch.ID, resp.Processed)
	}
	return resp, nil
}

func (r *DispatchRunner) markFailed(ctx context.Context, dispatchID uint, reason string) {
	ok, err := r.dispatchRepo.TransitionStatus(ctx, dispatchID,
		[]models.DispatchStatus{models.DispatchStatusScheduled, models.DispatchStatusInProgress},
		models.DispatchStatusFailed, &reason)
	if err != nil {
		r.logger.Printf("Failed to mark dispatch %d failed: %v", dispatchID, err)
		return
	}
	if ok {
		dispatchesFailed.Inc()
		r.logger.Printf("Dispatch %d failed: %s", dispatchID, reason)
	}
}

func (r *DispatchRunner) adjustCounters(ctx context.Context, dispatchID uint, delta models.CounterDelta) {
	if delta.IsZero() {
		return
	}
	if err := r.dispatchRepo.AdjustCounters(ctx, dispatchID, delta); err != nil {
		r.logger.Printf("Failed to adjust counters for dispatch %d: %v", dispatchID, err)
	}
}
