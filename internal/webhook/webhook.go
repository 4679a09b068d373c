// Package webhook implements fire-and-forget HMAC-signed event delivery with
// retry/backoff and a JSONL dead-letter store for deliveries that finally
// fail (retries exhausted or a non-retryable status).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sovereign-rag/gateway/internal/jsonutil"
)

// Envelope is the canonical JSON body posted to every endpoint.
type Envelope struct {
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	Timestamp      string `json:"timestamp"`
	GatewayVersion string `json:"gateway_version"`
	Payload        any    `json:"payload"`
}

// Endpoint is one configured webhook receiver.
type Endpoint struct {
	URL    string
	Secret string // optional; enables X-SRG-Signature when set
}

// RetryPolicy controls attempt count and backoff.
type RetryPolicy struct {
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

var retryableStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// DeliveryResult is the per-endpoint outcome of one dispatch call.
type DeliveryResult struct {
	Endpoint     string
	Success      bool
	StatusCode   int
	Attempts     int
	Error        string
}

// Dispatcher sends events to every configured endpoint and records a
// dead-letter entry for any whose delivery finally fails.
type Dispatcher struct {
	endpoints   []Endpoint
	retry       RetryPolicy
	client      *http.Client
	version     string
	deadLetter  *DeadLetterStore
	sleep       func(time.Duration)
}

// Config configures a Dispatcher.
type Config struct {
	Endpoints      []Endpoint
	Retry          RetryPolicy
	Timeout        time.Duration
	GatewayVersion string
}

// NewDispatcher constructs a Dispatcher. deadLetter may be nil to disable
// dead-letter recording (e.g. in tests).
func NewDispatcher(cfg Config, deadLetter *DeadLetterStore) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retry := cfg.Retry
	if retry.BackoffBase <= 0 {
		retry.BackoffBase = 200 * time.Millisecond
	}
	if retry.BackoffMax <= 0 {
		retry.BackoffMax = 10 * time.Second
	}
	return &Dispatcher{
		endpoints:  cfg.Endpoints,
		retry:      retry,
		client:     &http.Client{Timeout: timeout},
		version:    cfg.GatewayVersion,
		deadLetter: deadLetter,
		sleep:      time.Sleep,
	}
}

// Dispatch POSTs the event to every configured endpoint, retrying
// individually per endpoint, and returns one DeliveryResult per endpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload any) []DeliveryResult {
	if len(d.endpoints) == 0 {
		return nil
	}

	envelope := Envelope{
		EventID:        "evt-" + randomHex(16),
		EventType:      eventType,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		GatewayVersion: d.version,
		Payload:        payload,
	}
	body, err := jsonutil.Canonical(envelope)
	if err != nil {
		return []DeliveryResult{{Success: false, Error: fmt.Sprintf("webhook: encode envelope: %v", err)}}
	}

	results := make([]DeliveryResult, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		results = append(results, d.deliverWithRetry(ctx, ep, eventType, body))
	}
	return results
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep Endpoint, eventType string, body []byte) DeliveryResult {
	attempts := 1 + d.retry.MaxRetries
	var lastStatus int
	var lastErr error
	made := 0

	for attempt := 0; attempt < attempts; attempt++ {
		made++
		status, err := d.deliverOnce(ctx, ep, body)
		lastStatus, lastErr = status, err
		if err == nil && status < 300 {
			return DeliveryResult{Endpoint: ep.URL, Success: true, StatusCode: status, Attempts: attempt + 1}
		}
		if err == nil && !retryableStatuses[status] {
			break
		}
		if attempt < attempts-1 {
			backoff := d.retry.BackoffBase * time.Duration(1<<uint(attempt))
			if backoff > d.retry.BackoffMax {
				backoff = d.retry.BackoffMax
			}
			d.sleep(backoff)
		}
	}

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	result := DeliveryResult{Endpoint: ep.URL, Success: false, StatusCode: lastStatus, Attempts: made, Error: errMsg}
	if d.deadLetter != nil {
		_ = d.deadLetter.Append(DeliveryRecord{
			Timestamp:      time.Now().UTC(),
			EventType:      eventType,
			EndpointURL:    ep.URL,
			StatusCode:     lastStatus,
			Error:          errMsg,
			AttemptCount:   made,
			IdempotencyKey: idempotencyKey(ep.URL, body),
			Body:           json.RawMessage(body),
		})
	}
	return result
}

func (d *Dispatcher) deliverOnce(ctx context.Context, ep Endpoint, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SovereignRAGGateway/"+d.version)
	req.Header.Set("X-SRG-Idempotency-Key", idempotencyKey(ep.URL, body))
	if ep.Secret != "" {
		req.Header.Set("X-SRG-Signature", "sha256="+signHMAC(ep.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: delivery failed: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func idempotencyKey(endpointURL string, body []byte) string {
	sum := sha256.Sum256([]byte(endpointURL + ":" + string(body)))
	return hex.EncodeToString(sum[:])
}

func signHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
