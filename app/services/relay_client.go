// Package services provides external service integrations and technical concerns for the dispatch engine
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/outboundlabs/dispatchd/config"
	"golang.org/x/time/rate"
)

// RelayMessage is one recipient message in the relay submission payload
type RelayMessage struct {
	DispatchID  uint    `json:"dispatchId"`
	RecipientID string  `json:"recipientId"`
	Destination string  `json:"destination"`
	Body        string  `json:"body"`
	MediaURL    *string `json:"mediaUrl,omitempty"`
	MediaType   *string `json:"mediaType,omitempty"`
	Credential  string  `json:"credential"`
	Priority    int     `json:"priority"`
}

// RelaySubmitResult is the relay's acknowledgment envelope
type RelaySubmitResult struct {
	Accepted  bool
	JobsAdded *int
}

// RelayClient hands recipient batches to the external relay. It has pure
// forwarding responsibility: no internal retry, because a relay-level
// failure is dispatch-fatal and the retry path is the operator's.
type RelayClient interface {
	Submit(ctx context.Context, credential string, messages []RelayMessage) (*RelaySubmitResult, error)
	Healthy(ctx context.Context) bool
}

// RelayClientImpl implements RelayClient against the relay's HTTP ingestion endpoint
type RelayClientImpl struct {
	cfg     config.RelayConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// relaySubmitRequest is the wire payload of the ingestion endpoint
type relaySubmitRequest struct {
	Messages []RelayMessage `json:"messages"`
}

// relaySubmitResponse is the wire acknowledgment
type relaySubmitResponse struct {
	Success   bool   `json:"success"`
	JobsAdded *int   `json:"jobsAdded,omitempty"`
	Message   string `json:"message,omitempty"`
}

// NewRelayClient creates a new relay client instance
func NewRelayClient(cfg config.RelayConfig, logger *log.Logger) RelayClient {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RelayClientImpl{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

// Submit serializes the batch, calls the relay ingestion endpoint, and
// interprets its acknowledgment envelope.
func (c *RelayClientImpl) Submit(ctx context.Context, credential string, messages []RelayMessage) (*RelaySubmitResult, error) {
	if len(messages) == 0 {
		return &RelaySubmitResult{Accepted: true}, nil
	}

	for i := range messages {
		messages[i].Credential = credential
		if messages[i].Priority == 0 {
			messages[i].Priority = c.cfg.Priority
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("relay rate limiter: %w", err)
		}
	}

	payload, err := json.Marshal(relaySubmitRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal relay request: %w", err)
	}

	url := c.cfg.BaseURL + c.cfg.SubmitPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("relay submit http status: %d", resp.StatusCode)
	}

	var out relaySubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode relay response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("relay rejected batch: %s", out.Message)
	}

	// The relay may deduplicate, so a jobsAdded mismatch is informational
	if out.JobsAdded != nil && *out.JobsAdded != len(messages) {
		c.logger.Printf("relay: jobsAdded=%d differs from submitted=%d", *out.JobsAdded, len(messages))
	}

	return &RelaySubmitResult{Accepted: true, JobsAdded: out.JobsAdded}, nil
}

// Healthy reports relay reachability for the liveness probe
func (c *RelayClientImpl) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// MockRelayClient accepts every batch; used in tests and local development
type MockRelayClient struct {
	mu         sync.Mutex
	Submitted  [][]RelayMessage
	FailWith   error
	JobsOffset int
}

// NewMockRelayClient creates a mock relay client
func NewMockRelayClient() *MockRelayClient {
	return &MockRelayClient{}
}

func (m *MockRelayClient) Submit(_ context.Context, _ string, messages []RelayMessage) (*RelaySubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	m.Submitted = append(m.Submitted, messages)
	jobs := len(messages) + m.JobsOffset
	return &RelaySubmitResult{Accepted: true, JobsAdded: &jobs}, nil
}

func (m *MockRelayClient) Healthy(context.Context) bool { return true }

// SubmittedCount returns the total number of messages accepted so far
func (m *MockRelayClient) SubmittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, batch := range m.Submitted {
		n += len(batch)
	}
	return n
}
