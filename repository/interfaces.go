// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/outboundlabs/dispatchd/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// DispatchRepository defines operations for dispatch records
type DispatchRepository interface {
	Repository[models.Dispatch, models.DispatchFilter]

	// ByUUID resolves a dispatch by its public UUID
	ByUUID(ctx context.Context, uuid string) (*models.Dispatch, error)

	// ListDue returns scheduled dispatches whose scheduled time has
	// passed (or is null, meaning immediate) as of the given instant,
	// oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Dispatch, error)

	// TransitionStatus atomically moves a dispatch from one of the
	// given source statuses to the target status, setting lifecycle
	// timestamps as appropriate. started_at is only set on the first
	// entry into in_progress. Returns false when no row matched, i.e.
	// the dispatch no longer holds any of the source statuses.
	TransitionStatus(ctx context.Context, id uint, from []models.DispatchStatus, to models.DispatchStatus, reason *string) (bool, error)

	// AdjustCounters applies an incremental counter delta with
	// SET col = col + n semantics so concurrent actors never lose updates.
	AdjustCounters(ctx context.Context, id uint, delta models.CounterDelta) error
}

// RecipientRepository defines operations for per-recipient send state
type RecipientRepository interface {
	Repository[models.Recipient, models.RecipientFilter]

	// ListPendingByDispatch returns pending recipients of a dispatch in
	// insertion order (insertion order == send order).
	ListPendingByDispatch(ctx context.Context, dispatchID uint, limit, offset int) ([]*models.Recipient, error)

	// MarkPending moves the given recipients out of pending into a
	// terminal status, skipping rows that are already terminal. Returns
	// the number of rows actually updated.
	MarkPending(ctx context.Context, ids []uint, status models.RecipientStatus, errorDetail *string) (int64, error)

	// MarkAllPendingFailed fails every still-pending recipient of a
	// dispatch with the given reason. Returns the number of rows updated.
	MarkAllPendingFailed(ctx context.Context, dispatchID uint, reason string) (int64, error)

	// ResolveByTrackingID applies an asynchronous relay outcome to one
	// recipient. Pending rows may move to sent or failed; sent rows may
	// only gain a delivered timestamp. Returns false when the row was
	// already terminal (the outcome was applied before).
	ResolveByTrackingID(ctx context.Context, trackingID string, status models.RecipientStatus, errorDetail *string, deliveredAt *time.Time) (bool, error)

	// CountByStatus aggregates a dispatch's recipients by status
	CountByStatus(ctx context.Context, dispatchID uint) (models.RecipientStatusCounts, error)
}
