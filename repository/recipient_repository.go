package repository

import (
	"context"
	"errors"
	"time"

	"github.com/outboundlabs/dispatchd/models"
	"github.com/outboundlabs/dispatchd/utils"
	"gorm.io/gorm"
)

// RecipientRepositoryImpl implements RecipientRepository
type RecipientRepositoryImpl struct {
	*BaseRepository[models.Recipient, models.RecipientFilter]
}

func NewRecipientRepository(db *gorm.DB) RecipientRepository {
	return &RecipientRepositoryImpl{BaseRepository: NewBaseRepository[models.Recipient, models.RecipientFilter](db)}
}

func (r *RecipientRepositoryImpl) ByID(ctx context.Context, id uint) (*models.Recipient, error) {
	db := r.getDB(ctx)
	var row models.Recipient
	if err := db.Last(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ListPendingByDispatch returns pending rows in insertion order; id ASC
// tracks creation order for serial primary keys.
func (r *RecipientRepositoryImpl) ListPendingByDispatch(ctx context.Context, dispatchID uint, limit, offset int) ([]*models.Recipient, error) {
	pending := models.RecipientStatusPending
	filter := models.RecipientFilter{DispatchID: &dispatchID, Status: &pending}
	return r.ByFilter(ctx, filter, "id ASC", limit, offset)
}

// MarkPending moves pending rows to a terminal status. The status guard
// makes the update idempotent: rows already terminal are left untouched.
func (r *RecipientRepositoryImpl) MarkPending(ctx context.Context, ids []uint, status models.RecipientStatus, errorDetail *string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return 0, err
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
		"status":     status,
		"updated_at": now,
	}
	if errorDetail != nil {
		updates["error_detail"] = *errorDetail
	}
	if status == models.RecipientStatusSent {
		updates["sent_at"] = now
	}

	res := db.Model(&models.Recipient{}).
		Where("id IN ? AND status = ?", ids, models.RecipientStatusPending).
		Updates(updates)
	if res.Error != nil {
		err = res.Error
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// MarkAllPendingFailed fails every still-pending recipient of a dispatch
// so no recipient is silently left pending after a dispatch-fatal error.
func (r *RecipientRepositoryImpl) MarkAllPendingFailed(ctx context.Context, dispatchID uint, reason string) (int64, error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return 0, err
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

	res := db.Model(&models.Recipient{}).
		Where("dispatch_id = ? AND status = ?", dispatchID, models.RecipientStatusPending).
		Updates(map[string]any{
			"status":       models.RecipientStatusFailed,
			"error_detail": reason,
			"updated_at":   utils.UTCNow(),
		})
	if res.Error != nil {
		err = res.Error
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ResolveByTrackingID applies an asynchronous relay outcome exactly once.
// A pending row may move to sent or failed; a sent row may only gain a
// delivered timestamp.
func (r *RecipientRepositoryImpl) ResolveByTrackingID(ctx context.Context, trackingID string, status models.RecipientStatus, errorDetail *string, deliveredAt *time.Time) (bool, error) {
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

	if deliveredAt != nil {
		res := db.Model(&models.Recipient{}).
			Where("tracking_id = ? AND status = ? AND delivered_at IS NULL", trackingID, models.RecipientStatusSent).
			Updates(map[string]any{
				"delivered_at": *deliveredAt,
				"updated_at":   now,
			})
		if res.Error != nil {
			err = res.Error
			return false, res.Error
		}
		return res.RowsAffected > 0, nil
	}

	updates := map[string]any{
		"status":     status,
		"updated_at": now,
	}
	if errorDetail != nil {
		updates["error_detail"] = *errorDetail
	}
	if status == models.RecipientStatusSent {
		updates["sent_at"] = now
	}

	res := db.Model(&models.Recipient{}).
		Where("tracking_id = ? AND status = ?", trackingID, models.RecipientStatusPending).
		Updates(updates)
	if res.Error != nil {
		err = res.Error
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *RecipientRepositoryImpl) CountByStatus(ctx context.Context, dispatchID uint) (models.RecipientStatusCounts, error) {
	db := r.getDB(ctx)

	type statusCount struct {
		Status models.RecipientStatus
		Count  int64
	}
	var rows []statusCount
	err := db.Model(&models.Recipient{}).
		Select("status, COUNT(*) AS count").
		Where("dispatch_id = ?", dispatchID).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return models.RecipientStatusCounts{}, err
	}

	var counts models.RecipientStatusCounts
	for _, row := range rows {
		switch row.Status {
		case models.RecipientStatusPending:
			counts.Pending = row.Count
		case models.RecipientStatusSent:
			counts.Sent = row.Count
		case models.RecipientStatusFailed:
			counts.Failed = row.Count
		}
	}
	return counts, nil
}

func (r *RecipientRepositoryImpl) applyFilter(db *gorm.DB, f models.RecipientFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.DispatchID != nil {
		db = db.Where("dispatch_id = ?", *f.DispatchID)
	}
	if f.TrackingID != nil {
		db = db.Where("tracking_id = ?", *f.TrackingID)
	}
	if f.Destination != nil {
		db = db.Where("destination = ?", *f.Destination)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *RecipientRepositoryImpl) ByFilter(ctx context.Context, filter models.RecipientFilter, orderBy string, limit, offset int) ([]*models.Recipient, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Recipient{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Recipient
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *RecipientRepositoryImpl) Count(ctx context.Context, filter models.RecipientFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Recipient{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *RecipientRepositoryImpl) Exists(ctx context.Context, filter models.RecipientFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
