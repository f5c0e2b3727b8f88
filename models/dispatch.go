package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DispatchStatus represents the lifecycle status of a dispatch
type DispatchStatus string

const (
	DispatchStatusScheduled  DispatchStatus = "scheduled"
	DispatchStatusInProgress DispatchStatus = "in_progress"
	DispatchStatusPaused     DispatchStatus = "paused"
	DispatchStatusCompleted  DispatchStatus = "completed"
	DispatchStatusFailed     DispatchStatus = "failed"
	DispatchStatusCancelled  DispatchStatus = "cancelled"
)

// String returns the string representation of the status
func (s DispatchStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s DispatchStatus) Valid() bool {
	switch s {
	case DispatchStatusScheduled, DispatchStatusInProgress, DispatchStatusPaused,
		DispatchStatusCompleted, DispatchStatusFailed, DispatchStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is a terminal lifecycle state
func (s DispatchStatus) Terminal() bool {
	switch s {
	case DispatchStatusCompleted, DispatchStatusFailed, DispatchStatusCancelled:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for DispatchStatus
func (s *DispatchStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = DispatchStatus(v)
	case []byte:
		*s = DispatchStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into DispatchStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for DispatchStatus
func (s DispatchStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid DispatchStatus: %s", s)
	}
	return string(s), nil
}

// Dispatch represents one bulk-messaging campaign run owning many recipients
type Dispatch struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	UUID            uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uk_dispatches_uuid" json:"uuid"`
	AccountID       uint           `gorm:"not null;index:idx_dispatches_account_id" json:"account_id"`
	ChannelID       string         `gorm:"not null" json:"channel_id"`
	Name            string         `gorm:"not null" json:"name"`
	MessageVariants pq.StringArray `gorm:"type:text[];not null" json:"message_variants"`
	Status          DispatchStatus `gorm:"type:dispatch_status;not null;default:'scheduled';index:idx_dispatches_status" json:"status"`
	FailureReason   *string        `gorm:"type:text" json:"failure_reason,omitempty"`

	// Aggregate recipient counters; mutated only through atomic increments
	TotalRecipients int64 `gorm:"not null;default:0" json:"total_recipients"`
	PendingCount    int64 `gorm:"not null;default:0" json:"pending_count"`
	SentCount       int64 `gorm:"not null;default:0" json:"sent_count"`
	FailedCount     int64 `gorm:"not null;default:0" json:"failed_count"`
	DeliveredCount  int64 `gorm:"not null;default:0" json:"delivered_count"`

	ScheduledAt *time.Time `gorm:"index:idx_dispatches_scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// TableName returns the table name for the model
func (Dispatch) TableName() string {
	return "dispatches"
}

// BeforeCreate is called before creating a new record
func (d *Dispatch) BeforeCreate() error {
	if d.UUID == uuid.Nil {
		d.UUID = uuid.New()
	}
	if d.Status == "" {
		d.Status = DispatchStatusScheduled
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return nil
}

// IsStartable reports whether the Runner may pick up the dispatch.
// in_progress is startable on purpose: a prior run may have crashed
// mid-batch and resumption only reconsiders rows still pending.
func (d *Dispatch) IsStartable() bool {
	return d.Status == DispatchStatusScheduled || d.Status == DispatchStatusInProgress
}

// CanTransitionTo is the single authority on the dispatch state machine.
// Repositories refuse any status mutation outside this table.
func (d *Dispatch) CanTransitionTo(newStatus DispatchStatus) bool {
	switch d.Status {
	case DispatchStatusScheduled:
		return newStatus == DispatchStatusInProgress ||
			newStatus == DispatchStatusCancelled ||
			newStatus == DispatchStatusFailed ||
			newStatus == DispatchStatusCompleted
	case DispatchStatusInProgress:
		return newStatus == DispatchStatusCompleted ||
			newStatus == DispatchStatusFailed ||
			newStatus == DispatchStatusPaused
	case DispatchStatusPaused:
		return newStatus == DispatchStatusInProgress ||
			newStatus == DispatchStatusCancelled
	default:
		return false
	}
}

// DispatchFilter represents filter criteria for dispatches
type DispatchFilter struct {
	ID              *uint           `json:"id,omitempty"`
	UUID            *uuid.UUID      `json:"uuid,omitempty"`
	AccountID       *uint           `json:"account_id,omitempty"`
	ChannelID       *string         `json:"channel_id,omitempty"`
	Status          *DispatchStatus `json:"status,omitempty"`
	ScheduledBefore *time.Time      `json:"scheduled_before,omitempty"`
	CreatedAfter    *time.Time      `json:"created_after,omitempty"`
	CreatedBefore   *time.Time      `json:"created_before,omitempty"`
}

// CounterDelta carries one atomic adjustment of a dispatch's aggregate
// counters. Zero fields are skipped so partial adjustments stay
// single-statement.
type CounterDelta struct {
	Total     int64
	Pending   int64
	Sent      int64
	Failed    int64
	Delivered int64
}

// IsZero reports whether the delta adjusts nothing
func (d CounterDelta) IsZero() bool {
	return d.Total == 0 && d.Pending == 0 && d.Sent == 0 && d.Failed == 0 && d.Delivered == 0
}
