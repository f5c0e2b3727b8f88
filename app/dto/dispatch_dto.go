package dto

import "time"

// CreateDispatchRequest creates a dispatch definition ahead of ingestion
type CreateDispatchRequest struct {
	AccountID       uint       `json:"account_id" validate:"required"`
	ChannelID       string     `json:"channel_id" validate:"required"`
	Name            string     `json:"name" validate:"required,max=200"`
	MessageVariants []string   `json:"message_variants" validate:"required,min=1,dive,required"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
}

// CreateDispatchResponse is returned after dispatch creation
type CreateDispatchResponse struct {
	ID          uint   `json:"id"`
	UUID        string `json:"uuid"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	ScheduledAt string `json:"scheduled_at,omitempty"`
}

// IngestRecipient is one destination + resolved body pair
type IngestRecipient struct {
	Destination string  `json:"destination" validate:"required"`
	Body        string  `json:"body" validate:"required"`
	MediaURL    *string `json:"media_url,omitempty" validate:"omitempty,url"`
	MediaType   *string `json:"media_type,omitempty"`
}

// IngestRequest carries a recipient list for a dispatch
type IngestRequest struct {
	DispatchID    uint              `json:"dispatch_id" validate:"required"`
	Recipients    []IngestRecipient `json:"recipients" validate:"required,min=1,dive"`
	DeclaredTotal int               `json:"declared_total" validate:"required,min=1"`
}

// IngestResponse reports the synchronously completed portion of an
// ingestion. FailedBatches names zero-based batch indexes that exhausted
// their retries; the remaining batches were still inserted.
type IngestResponse struct {
	InsertedCount int   `json:"inserted_count"`
	Total         int   `json:"total"`
	FailedBatches []int `json:"failed_batches,omitempty"`
	// AsyncBatches is the number of batches handed to the background
	// worker pool after this response was produced
	AsyncBatches int `json:"async_batches,omitempty"`
}

// RunRequest targets one dispatch by ID, or all due dispatches when nil
type RunRequest struct {
	DispatchID *uint `json:"dispatch_id,omitempty"`
}

// RunResponse reports progress of a run request. For a run of a single
// dispatch, Processed is the number of recipients handed to the relay
// and Total is the dispatch's recipient count. For a run-due sweep,
// both fields carry the number of due dispatches picked up; recipient
// progress is observable per dispatch via the status endpoint.
type RunResponse struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// DispatchStatusResponse is the poll surface for dispatch progress
type DispatchStatusResponse struct {
	ID              uint    `json:"id"`
	UUID            string  `json:"uuid"`
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	FailureReason   *string `json:"failure_reason,omitempty"`
	TotalRecipients int64   `json:"total_recipients"`
	PendingCount    int64   `json:"pending_count"`
	SentCount       int64   `json:"sent_count"`
	FailedCount     int64   `json:"failed_count"`
	DeliveredCount  int64   `json:"delivered_count"`
	ScheduledAt     *string `json:"scheduled_at,omitempty"`
	StartedAt       *string `json:"started_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

// RelayResultItem is one asynchronous per-recipient outcome reported by
// the relay's callback
type RelayResultItem struct {
	TrackingID  string     `json:"tracking_id" validate:"required"`
	Status      string     `json:"status" validate:"required,oneof=sent failed delivered"`
	ErrorDetail *string    `json:"error_detail,omitempty"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty"`
}

// RelayResultsRequest is the relay callback payload
type RelayResultsRequest struct {
	Results []RelayResultItem `json:"results" validate:"required,min=1,dive"`
}

// RelayResultsResponse reports how many outcomes were applied
type RelayResultsResponse struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

// HealthResponse reports reachability of the engine's collaborators
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Relay    bool   `json:"relay"`
	Cache    *bool  `json:"cache,omitempty"`
}
