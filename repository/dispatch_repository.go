package repository

import (
	"context"
	"errors"
	"time"

	"github.com/outboundlabs/dispatchd/models"
	"github.com/outboundlabs/dispatchd/utils"
	"gorm.io/gorm"
)

// DispatchRepositoryImpl implements DispatchRepository
type DispatchRepositoryImpl struct {
	*BaseRepository[models.Dispatch, models.DispatchFilter]
}

func NewDispatchRepository(db *gorm.DB) DispatchRepository {
	return &DispatchRepositoryImpl{BaseRepository: NewBaseRepository[models.Dispatch, models.DispatchFilter](db)}
}

func (r *DispatchRepositoryImpl) ByID(ctx context.Context, id uint) (*models.Dispatch, error) {
	db := r.getDB(ctx)
	var row models.Dispatch
	if err := db.Last(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *DispatchRepositoryImpl) ByUUID(ctx context.Context, u string) (*models.Dispatch, error) {
	db := r.getDB(ctx)
	var row models.Dispatch
	if err := db.Where("uuid = ?", u).Last(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ListDue returns scheduled dispatches that are due as of now. The query
// deliberately has no lower bound on scheduled_at: a row that became
// visible late (replica lag) is still picked up by the next tick instead
// of being missed forever. The status filter keeps the set bounded.
func (r *DispatchRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Dispatch, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.Dispatch{}).
		Where("status = ?", models.DispatchStatusScheduled).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now).
		Order("scheduled_at ASC NULLS FIRST, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*models.Dispatch
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// TransitionStatus performs the compare-and-swap status move that acts as
// the engine's mutual-exclusion point: a dispatch picked up by one tick
// leaves the source status before the next tick can see it.
func (r *DispatchRepositoryImpl) TransitionStatus(ctx context.Context, id uint, from []models.DispatchStatus, to models.DispatchStatus, reason *string) (bool, error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
	}
	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}

	now := utils.UTCNow()
	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	switch to {
	case models.DispatchStatusInProgress:
		// started_at is set on the first entry only, never on resume
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
	case models.DispatchStatusCompleted:
		updates["completed_at"] = now
	case models.DispatchStatusFailed:
		if reason != nil {
			updates["failure_reason"] = *reason
		}
	}

	res := db.Model(&models.Dispatch{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		err = res.Error
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AdjustCounters applies incremental SET col = col + n updates. Full-row
// overwrites would lose updates under concurrent batch completion.
func (r *DispatchRepositoryImpl) AdjustCounters(ctx context.Context, id uint, delta models.CounterDelta) error {
	if delta.IsZero() {
		return nil
	}

	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}
	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}

	updates := map[string]any{"updated_at": utils.UTCNow()}
	if delta.Total != 0 {
		updates["total_recipients"] = gorm.Expr("total_recipients + ?", delta.Total)
	}
	if delta.Pending != 0 {
		updates["pending_count"] = gorm.Expr("pending_count + ?", delta.Pending)
	}
	if delta.Sent != 0 {
		updates["sent_count"] = gorm.Expr("sent_count + ?", delta.Sent)
	}
	if delta.Failed != 0 {
		updates["failed_count"] = gorm.Expr("failed_count + ?", delta.Failed)
	}
	if delta.Delivered != 0 {
		updates["delivered_count"] = gorm.Expr("delivered_count + ?", delta.Delivered)
	}

	err = db.Model(&models.Dispatch{}).Where("id = ?", id).UpdateColumns(updates).Error
	return err
}

func (r *DispatchRepositoryImpl) applyFilter(db *gorm.DB, f models.DispatchFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.AccountID != nil {
		db = db.Where("account_id = ?", *f.AccountID)
	}
	if f.ChannelID != nil {
		db = db.Where("channel_id = ?", *f.ChannelID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.ScheduledBefore != nil {
		db = db.Where("scheduled_at <= ?", *f.ScheduledBefore)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *DispatchRepositoryImpl) ByFilter(ctx context.Context, filter models.DispatchFilter, orderBy string, limit, offset int) ([]*models.Dispatch, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Dispatch{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Dispatch
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *DispatchRepositoryImpl) Count(ctx context.Context, filter models.DispatchFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Dispatch{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *DispatchRepositoryImpl) Exists(ctx context.Context, filter models.DispatchFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
