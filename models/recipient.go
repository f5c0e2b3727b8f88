package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// RecipientStatus represents the send state of a single recipient
type RecipientStatus string

const (
	RecipientStatusPending RecipientStatus = "pending"
	RecipientStatusSent    RecipientStatus = "sent"
	RecipientStatusFailed  RecipientStatus = "failed"
)

// String returns the string representation of the status
func (s RecipientStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s RecipientStatus) Valid() bool {
	switch s {
	case RecipientStatusPending, RecipientStatusSent, RecipientStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the recipient has reached a final state.
// Once sent or failed, a recipient is never re-queued by the same run.
func (s RecipientStatus) Terminal() bool {
	return s == RecipientStatusSent || s == RecipientStatusFailed
}

// Scan implements the sql.Scanner interface for RecipientStatus
func (s *RecipientStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = RecipientStatus(v)
	case []byte:
		*s = RecipientStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into RecipientStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for RecipientStatus
func (s RecipientStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid RecipientStatus: %s", s)
	}
	return string(s), nil
}

// Recipient represents one destination + resolved message pair of a dispatch
type Recipient struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	DispatchID  uint            `gorm:"not null;index:idx_recipients_dispatch_id" json:"dispatch_id"`
	TrackingID  string          `gorm:"not null;uniqueIndex:uk_recipients_tracking_id" json:"tracking_id"`
	Destination string          `gorm:"not null" json:"destination"`
	Body        string          `gorm:"type:text;not null" json:"body"`
	MediaURL    *string         `json:"media_url,omitempty"`
	MediaType   *string         `json:"media_type,omitempty"`
	Status      RecipientStatus `gorm:"type:recipient_status;not null;default:'pending';index:idx_recipients_status" json:"status"`
	ErrorDetail *string         `gorm:"type:text" json:"error_detail,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// TableName returns the table name for the model
func (Recipient) TableName() string {
	return "recipients"
}

// RecipientFilter represents filter criteria for recipients
type RecipientFilter struct {
	ID            *uint            `json:"id,omitempty"`
	DispatchID    *uint            `json:"dispatch_id,omitempty"`
	TrackingID    *string          `json:"tracking_id,omitempty"`
	Destination   *string          `json:"destination,omitempty"`
	Status        *RecipientStatus `json:"status,omitempty"`
	CreatedAfter  *time.Time       `json:"created_after,omitempty"`
	CreatedBefore *time.Time       `json:"created_before,omitempty"`
}

// RecipientStatusCounts aggregates recipient rows of one dispatch by status
type RecipientStatusCounts struct {
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
}

// Total returns the number of recipient rows counted
func (c RecipientStatusCounts) Total() int64 {
	return c.Pending + c.Sent + c.Failed
}
