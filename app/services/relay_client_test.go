package services

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outboundlabs/dispatchd/config"
	"github.com/outboundlabs/dispatchd/models"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func relayConfig(baseURL string) config.RelayConfig {
	return config.RelayConfig{
		BaseURL:    baseURL,
		SubmitPath: "/api/v1/messages/batch",
		Timeout:    2 * time.Second,
		Priority:   5,
	}
}

func TestRelaySubmit(t *testing.T) {
	t.Run("SendsEnvelopeAndFillsCredential", func(t *testing.T) {
		var got relayCapture
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/messages/batch", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			jobs := len(got.Messages)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "jobsAdded": jobs})
		}))
		defer srv.Close()

		client := NewRelayClient(relayConfig(srv.URL), testLogger())
		result, err := client.Submit(context.Background(), "secret-cred", []RelayMessage{
			{DispatchID: 1, RecipientID: "trk-1", Destination: "+15550000001", Body: "hi"},
			{DispatchID: 1, RecipientID: "trk-2", Destination: "+15550000002", Body: "hi"},
		})
		require.NoError(t, err)
		assert.True(t, result.Accepted)
		require.NotNil(t, result.JobsAdded)
		assert.Equal(t, 2, *result.JobsAdded)

		require.Len(t, got.Messages, 2)
		for _, m := range got.Messages {
			assert.Equal(t, "secret-cred", m.Credential)
			assert.Equal(t, 5, m.Priority)
		}
	})

	t.Run("EmptyBatchSkipsCall", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Error("relay must not be called for an empty batch")
		}))
		defer srv.Close()

		client := NewRelayClient(relayConfig(srv.URL), testLogger())
		result, err := client.Submit(context.Background(), "cred", nil)
		require.NoError(t, err)
		assert.True(t, result.Accepted)
	})

	t.Run("RejectionIsAnError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "quota exceeded"})
		}))
		defer srv.Close()

		client := NewRelayClient(relayConfig(srv.URL), testLogger())
		_, err := client.Submit(context.Background(), "cred", []RelayMessage{{RecipientID: "trk-1"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota exceeded")
	})

	t.Run("HTTPErrorStatusIsAnError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		client := NewRelayClient(relayConfig(srv.URL), testLogger())
		_, err := client.Submit(context.Background(), "cred", []RelayMessage{{RecipientID: "trk-1"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("JobsAddedMismatchIsNotAnError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			// The relay deduplicated one message.
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "jobsAdded": 1})
		}))
		defer srv.Close()

		client := NewRelayClient(relayConfig(srv.URL), testLogger())
		result, err := client.Submit(context.Background(), "cred", []RelayMessage{
			{RecipientID: "trk-1"}, {RecipientID: "trk-2"},
		})
		require.NoError(t, err)
		require.NotNil(t, result.JobsAdded)
		assert.Equal(t, 1, *result.JobsAdded)
	})
}

type relayCapture struct {
	Messages []RelayMessage `json:"messages"`
}

func TestRelayHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewRelayClient(relayConfig(srv.URL), testLogger())
	assert.True(t, client.Healthy(context.Background()))

	down := NewRelayClient(relayConfig("http://127.0.0.1:1"), testLogger())
	assert.False(t, down.Healthy(context.Background()))
}

func TestChannelService(t *testing.T) {
	t.Run("FetchesStatus", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/channels/ch-1/status", r.URL.Path)
			_ = json.NewEncoder(w).Encode(models.SendingChannel{
				ID: "ch-1", Status: models.ChannelStatusOnline, Credential: "cred",
			})
		}))
		defer srv.Close()

		svc := NewChannelService(config.ChannelConfig{BaseURL: srv.URL, Timeout: time.Second}, nil, "")
		ch, err := svc.GetChannel(context.Background(), "ch-1")
		require.NoError(t, err)
		assert.True(t, ch.Online())
		assert.Equal(t, "cred", ch.Credential)
	})

	t.Run("NotFound", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		svc := NewChannelService(config.ChannelConfig{BaseURL: srv.URL, Timeout: time.Second}, nil, "")
		_, err := svc.GetChannel(context.Background(), "ghost")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("EmptyIDRejected", func(t *testing.T) {
		svc := NewChannelService(config.ChannelConfig{}, nil, "")
		_, err := svc.GetChannel(context.Background(), "")
		assert.Error(t, err)
	})
}
