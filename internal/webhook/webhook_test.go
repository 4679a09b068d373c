package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchSucceedsOnFirstAttempt(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		require.NotEmpty(t, r.Header.Get("X-SRG-Idempotency-Key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dispatcher := NewDispatcher(Config{Endpoints: []Endpoint{{URL: srv.URL}}, GatewayVersion: "test"}, nil)
	dispatcher.sleep = func(time.Duration) {}

	results := dispatcher.Dispatch(context.Background(), "policy_denied", map[string]string{"reason": "denied"})
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.EqualValues(t, 1, atomic.LoadInt32(&received))
}

func TestDispatchRetriesRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dispatcher := NewDispatcher(Config{
		Endpoints:      []Endpoint{{URL: srv.URL}},
		Retry:          RetryPolicy{MaxRetries: 3},
		GatewayVersion: "test",
	}, nil)
	dispatcher.sleep = func(time.Duration) {}

	results := dispatcher.Dispatch(context.Background(), "provider_error", nil)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, 3, results[0].Attempts)
}

func TestDispatchWritesDeadLetterOnExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dlPath := filepath.Join(t.TempDir(), "dead-letter.jsonl")
	store := NewDeadLetterStore(dlPath, 0)
	dispatcher := NewDispatcher(Config{
		Endpoints:      []Endpoint{{URL: srv.URL}},
		Retry:          RetryPolicy{MaxRetries: 1},
		GatewayVersion: "test",
	}, store)
	dispatcher.sleep = func(time.Duration) {}

	results := dispatcher.Dispatch(context.Background(), "budget_exceeded", map[string]string{"tenant_id": "tenant-a"})
	require.Len(t, results, 1)
	require.False(t, results[0].Success)

	records, err := store.All()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "budget_exceeded", records[0].EventType)
	require.Equal(t, 2, records[0].AttemptCount)
}

func TestSignatureHeaderPresentWhenSecretConfigured(t *testing.T) {
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-SRG-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dispatcher := NewDispatcher(Config{Endpoints: []Endpoint{{URL: srv.URL, Secret: "shh"}}, GatewayVersion: "test"}, nil)
	dispatcher.sleep = func(time.Duration) {}
	dispatcher.Dispatch(context.Background(), "redaction_hit", nil)
	require.Contains(t, signature, "sha256=")
}

func TestDeadLetterStorePrunesByRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead-letter.jsonl")
	store := NewDeadLetterStore(path, 1)

	require.NoError(t, store.Append(DeliveryRecord{
		Timestamp:      time.Now().Add(-48 * time.Hour),
		EventType:      "old",
		EndpointURL:    "https://example.com",
		AttemptCount:   1,
		IdempotencyKey: "old-key",
		Body:           json.RawMessage(`{}`),
	}))
	require.NoError(t, store.Append(DeliveryRecord{
		Timestamp:      time.Now(),
		EventType:      "fresh",
		EndpointURL:    "https://example.com",
		AttemptCount:   1,
		IdempotencyKey: "fresh-key",
		Body:           json.RawMessage(`{}`),
	}))

	records, err := store.All()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "fresh", records[0].EventType)
}
