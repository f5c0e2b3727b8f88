// Package testing provides in-memory repository fakes for exercising
// the flows, runner, and scheduler without a live database.
package testing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outboundlabs/dispatchd/models"
	"github.com/outboundlabs/dispatchd/utils"
)

// FakeDispatchRepo is an in-memory DispatchRepository
type FakeDispatchRepo struct {
	mu     sync.Mutex
	byID   map[uint]*models.Dispatch
	nextID uint

	// Hooks for fault injection; a nil hook is a no-op
	ListDueErr   error
	ByIDErr      error
	ByIDNilUntil int // returns nil for the first N ByID calls, simulating replica lag
	byIDCalls    int

	startedAtSets map[uint]int
}

func NewFakeDispatchRepo() *FakeDispatchRepo {
	return &FakeDispatchRepo{
		byID:          make(map[uint]*models.Dispatch),
		nextID:        1,
		startedAtSets: make(map[uint]int),
	}
}

// StartedAtSets reports how many times started_at was assigned for a
// dispatch. The COALESCE semantics of the real repository mean the
// expected value is at most one.
func (r *FakeDispatchRepo) StartedAtSets(id uint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAtSets[id]
}

func (r *FakeDispatchRepo) ByID(_ context.Context, id uint) (*models.Dispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ByIDErr != nil {
		return nil, r.ByIDErr
	}
	r.byIDCalls++
	if r.byIDCalls <= r.ByIDNilUntil {
		return nil, nil
	}
	d, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *FakeDispatchRepo) ByFilter(_ context.Context, filter models.DispatchFilter, _ string, limit, offset int) ([]*models.Dispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Dispatch
	for _, d := range r.sorted() {
		if filter.ID != nil && d.ID != *filter.ID {
			continue
		}
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		if filter.AccountID != nil && d.AccountID != *filter.AccountID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return window(out, limit, offset), nil
}

func (r *FakeDispatchRepo) Save(_ context.Context, d *models.Dispatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == 0 {
		d.ID = r.nextID
		r.nextID++
	}
	if d.UUID == uuid.Nil {
		d.UUID = uuid.New()
	}
	cp := *d
	r.byID[d.ID] = &cp
	return nil
}

func (r *FakeDispatchRepo) SaveBatch(ctx context.Context, ds []*models.Dispatch) error {
	for _, d := range ds {
		if err := r.Save(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (r *FakeDispatchRepo) Count(ctx context.Context, filter models.DispatchFilter) (int64, error) {
	all, err := r.ByFilter(ctx, filter, "", 0, 0)
	return int64(len(all)), err
}

func (r *FakeDispatchRepo) Exists(ctx context.Context, filter models.DispatchFilter) (bool, error) {
	n, err := r.Count(ctx, filter)
	return n > 0, err
}

func (r *FakeDispatchRepo) ByUUID(_ context.Context, u string) (*models.Dispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.byID {
		if d.UUID.String() == u {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *FakeDispatchRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Dispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ListDueErr != nil {
		return nil, r.ListDueErr
	}
	var out []*models.Dispatch
	for _, d := range r.sorted() {
		if d.Status != models.DispatchStatusScheduled {
			continue
		}
		if d.ScheduledAt != nil && d.ScheduledAt.After(now) {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *FakeDispatchRepo) TransitionStatus(_ context.Context, id uint, from []models.DispatchStatus, to models.DispatchStatus, reason *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range from {
		if d.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	d.Status = to
	switch to {
	case models.DispatchStatusInProgress:
		if d.StartedAt == nil {
			d.StartedAt = utils.UTCNowPtr()
			r.startedAtSets[id]++
		}
	case models.DispatchStatusCompleted:
		d.CompletedAt = utils.UTCNowPtr()
	case models.DispatchStatusFailed:
		d.FailureReason = reason
	}
	return true, nil
}

func (r *FakeDispatchRepo) AdjustCounters(_ context.Context, id uint, delta models.CounterDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return nil
	}
	d.TotalRecipients += delta.Total
	d.PendingCount += delta.Pending
	d.SentCount += delta.Sent
	d.FailedCount += delta.Failed
	d.DeliveredCount += delta.Delivered
	return nil
}

// MustGet returns the stored dispatch for assertions
func (r *FakeDispatchRepo) MustGet(id uint) models.Dispatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.byID[id]
}

func (r *FakeDispatchRepo) sorted() []*models.Dispatch {
	out := make([]*models.Dispatch, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FakeRecipientRepo is an in-memory RecipientRepository
type FakeRecipientRepo struct {
	mu     sync.Mutex
	byID   map[uint]*models.Recipient
	nextID uint

	// SaveBatchHook intercepts batch inserts for fault injection; a
	// non-nil returned error is surfaced without storing the batch.
	SaveBatchHook func(batch []*models.Recipient) error
	ListErr       error
}

func NewFakeRecipientRepo() *FakeRecipientRepo {
	return &FakeRecipientRepo{byID: make(map[uint]*models.Recipient), nextID: 1}
}

func (r *FakeRecipientRepo) ByID(_ context.Context, id uint) (*models.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *FakeRecipientRepo) ByFilter(_ context.Context, filter models.RecipientFilter, _ string, limit, offset int) ([]*models.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Recipient
	for _, rec := range r.sorted() {
		if filter.ID != nil && rec.ID != *filter.ID {
			continue
		}
		if filter.DispatchID != nil && rec.DispatchID != *filter.DispatchID {
			continue
		}
		if filter.TrackingID != nil && rec.TrackingID != *filter.TrackingID {
			continue
		}
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return window(out, limit, offset), nil
}

func (r *FakeRecipientRepo) Save(_ context.Context, rec *models.Recipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store(rec)
	return nil
}

func (r *FakeRecipientRepo) SaveBatch(_ context.Context, recs []*models.Recipient) error {
	if r.SaveBatchHook != nil {
		if err := r.SaveBatchHook(recs); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		r.store(rec)
	}
	return nil
}

func (r *FakeRecipientRepo) store(rec *models.Recipient) {
	if rec.ID == 0 {
		rec.ID = r.nextID
		r.nextID++
	}
	cp := *rec
	r.byID[rec.ID] = &cp
}

func (r *FakeRecipientRepo) Count(ctx context.Context, filter models.RecipientFilter) (int64, error) {
	all, err := r.ByFilter(ctx, filter, "", 0, 0)
	return int64(len(all)), err
}

func (r *FakeRecipientRepo) Exists(ctx context.Context, filter models.RecipientFilter) (bool, error) {
	n, err := r.Count(ctx, filter)
	return n > 0, err
}

func (r *FakeRecipientRepo) ListPendingByDispatch(_ context.Context, dispatchID uint, limit, offset int) ([]*models.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ListErr != nil {
		return nil, r.ListErr
	}
	var out []*models.Recipient
	for _, rec := range r.sorted() {
		if rec.DispatchID != dispatchID || rec.Status != models.RecipientStatusPending {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return window(out, limit, offset), nil
}

func (r *FakeRecipientRepo) MarkPending(_ context.Context, ids []uint, status models.RecipientStatus, errorDetail *string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		rec, ok := r.byID[id]
		if !ok || rec.Status != models.RecipientStatusPending {
			continue
		}
		rec.Status = status
		rec.ErrorDetail = errorDetail
		if status == models.RecipientStatusSent {
			rec.SentAt = utils.UTCNowPtr()
		}
		n++
	}
	return n, nil
}

func (r *FakeRecipientRepo) MarkAllPendingFailed(_ context.Context, dispatchID uint, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.byID {
		if rec.DispatchID != dispatchID || rec.Status != models.RecipientStatusPending {
			continue
		}
		rec.Status = models.RecipientStatusFailed
		rec.ErrorDetail = &reason
		n++
	}
	return n, nil
}

func (r *FakeRecipientRepo) ResolveByTrackingID(_ context.Context, trackingID string, status models.RecipientStatus, errorDetail *string, deliveredAt *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.byID {
		if rec.TrackingID != trackingID {
			continue
		}
		if deliveredAt != nil {
			if rec.Status != models.RecipientStatusSent || rec.DeliveredAt != nil {
				return false, nil
			}
			rec.DeliveredAt = deliveredAt
			return true, nil
		}
		if rec.Status != models.RecipientStatusPending {
			return false, nil
		}
		rec.Status = status
		rec.ErrorDetail = errorDetail
		if status == models.RecipientStatusSent {
			rec.SentAt = utils.UTCNowPtr()
		}
		return true, nil
	}
	return false, nil
}

func (r *FakeRecipientRepo) CountByStatus(_ context.Context, dispatchID uint) (models.RecipientStatusCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var counts models.RecipientStatusCounts
	for _, rec := range r.byID {
		if rec.DispatchID != dispatchID {
			continue
		}
		switch rec.Status {
		case models.RecipientStatusPending:
			counts.Pending++
		case models.RecipientStatusSent:
			counts.Sent++
		case models.RecipientStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// MustGet returns the stored recipient for assertions
func (r *FakeRecipientRepo) MustGet(id uint) models.Recipient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.byID[id]
}

// All returns every stored recipient in insertion order
func (r *FakeRecipientRepo) All() []models.Recipient {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Recipient, 0, len(r.byID))
	for _, rec := range r.sorted() {
		out = append(out, *rec)
	}
	return out
}

func (r *FakeRecipientRepo) sorted() []*models.Recipient {
	out := make([]*models.Recipient, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func window[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
