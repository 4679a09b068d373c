package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/schema"
)

// HTTPClient evaluates policy by POSTing the input bundle to an external
// service and validating the response against policy-decision.schema.json.
type HTTPClient struct {
	url     string
	timeout time.Duration
	client  *http.Client
	schemas *schema.Registry
}

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	URL     string
	Timeout time.Duration
}

// NewHTTPClient constructs an HTTPClient.
func NewHTTPClient(cfg HTTPClientConfig, schemas *schema.Registry) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPClient{
		url:     cfg.URL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		schemas: schemas,
	}
}

func (c *HTTPClient) Evaluate(ctx context.Context, input gwtypes.PolicyInput) (gwtypes.PolicyDecision, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return gwtypes.PolicyDecision{}, fmt.Errorf("policy: encode input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return gwtypes.PolicyDecision{}, fmt.Errorf("policy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return gwtypes.PolicyDecision{}, &TimeoutError{Cause: err}
		}
		return gwtypes.PolicyDecision{}, fmt.Errorf("policy: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gwtypes.PolicyDecision{}, fmt.Errorf("policy: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return gwtypes.PolicyDecision{}, &ContractInvalidError{Cause: fmt.Errorf("policy service returned %d: %s", resp.StatusCode, string(raw))}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return gwtypes.PolicyDecision{}, &ContractInvalidError{Cause: err}
	}
	if c.schemas != nil {
		if err := c.schemas.Validate(schema.PolicyDecision, doc); err != nil {
			return gwtypes.PolicyDecision{}, &ContractInvalidError{Cause: err}
		}
	}

	var decision gwtypes.PolicyDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return gwtypes.PolicyDecision{}, &ContractInvalidError{Cause: err}
	}
	return decision, nil
}
