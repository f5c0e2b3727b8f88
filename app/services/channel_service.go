package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/outboundlabs/dispatchd/config"
	"github.com/outboundlabs/dispatchd/models"
	"github.com/redis/go-redis/v9"
)

// ChannelService resolves the status and credential of a sending channel.
// Channel lifecycle is owned by an external collaborator; the engine only
// reads.
type ChannelService interface {
	GetChannel(ctx context.Context, channelID string) (*models.SendingChannel, error)
}

// ChannelServiceImpl implements ChannelService against the collaborator's
// HTTP API, with a short-TTL redis cache in front so one tick over many
// dispatches on the same channel does not hammer the collaborator.
type ChannelServiceImpl struct {
	cfg    config.ChannelConfig
	client *http.Client
	rc     *redis.Client
	prefix string
}

// NewChannelService creates a new channel service instance. rc may be nil
// when caching is disabled.
func NewChannelService(cfg config.ChannelConfig, rc *redis.Client, redisPrefix string) ChannelService {
	return &ChannelServiceImpl{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		rc:     rc,
		prefix: redisPrefix,
	}
}

func (s *ChannelServiceImpl) cacheKey(channelID string) string {
	return s.prefix + "channel:" + channelID
}

func (s *ChannelServiceImpl) GetChannel(ctx context.Context, channelID string) (*models.SendingChannel, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel id is empty")
	}

	if s.rc != nil {
		if cached, err := s.rc.Get(ctx, s.cacheKey(channelID)).Result(); err == nil {
			var ch models.SendingChannel
			if err := json.Unmarshal([]byte(cached), &ch); err == nil {
				return &ch, nil
			}
		}
	}

	ch, err := s.fetchChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	if s.rc != nil && s.cfg.CacheTTL > 0 {
		if data, err := json.Marshal(ch); err == nil {
			// Cache failures are not fatal; the next lookup goes to origin
			_ = s.rc.Set(ctx, s.cacheKey(channelID), data, s.cfg.CacheTTL).Err()
		}
	}

	return ch, nil
}

func (s *ChannelServiceImpl) fetchChannel(ctx context.Context, channelID string) (*models.SendingChannel, error) {
	url := fmt.Sprintf("%s/api/v1/channels/%s/status", s.cfg.BaseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("channel status lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("channel status http status: %d", resp.StatusCode)
	}

	var ch models.SendingChannel
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, fmt.Errorf("failed to decode channel status: %w", err)
	}
	if ch.ID == "" {
		ch.ID = channelID
	}
	return &ch, nil
}

// MockChannelService serves channel lookups from an in-memory map
type MockChannelService struct {
	mu       sync.Mutex
	Channels map[string]*models.SendingChannel
}

// NewMockChannelService creates a mock channel service
func NewMockChannelService() *MockChannelService {
	return &MockChannelService{Channels: make(map[string]*models.SendingChannel)}
}

// SetChannel registers or replaces a channel
func (m *MockChannelService) SetChannel(ch *models.SendingChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Channels[ch.ID] = ch
}

func (m *MockChannelService) GetChannel(_ context.Context, channelID string) (*models.SendingChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.Channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}
	return ch, nil
}
