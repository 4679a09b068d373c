package policy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/schema"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientEvaluateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var input gwtypes.PolicyInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		require.Equal(t, "tenant-a", input.TenantID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"decision_id":  "dec-1",
			"allow":        true,
			"policy_hash":  "hash-1",
			"evaluated_at": time.Now().UTC().Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	schemas, err := schema.Load()
	require.NoError(t, err)
	client := NewHTTPClient(HTTPClientConfig{URL: srv.URL}, schemas)

	decision, err := client.Evaluate(t.Context(), gwtypes.PolicyInput{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.True(t, decision.Allow)
	require.Equal(t, "dec-1", decision.DecisionID)
}

func TestHTTPClientContractInvalidOnMissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"allow": true})
	}))
	defer srv.Close()

	schemas, err := schema.Load()
	require.NoError(t, err)
	client := NewHTTPClient(HTTPClientConfig{URL: srv.URL}, schemas)

	_, err = client.Evaluate(t.Context(), gwtypes.PolicyInput{TenantID: "tenant-a"})
	require.Error(t, err)
	var contractErr *ContractInvalidError
	require.ErrorAs(t, err, &contractErr)
}

func TestHTTPClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	schemas, err := schema.Load()
	require.NoError(t, err)
	client := NewHTTPClient(HTTPClientConfig{URL: srv.URL, Timeout: 5 * time.Millisecond}, schemas)

	_, err = client.Evaluate(t.Context(), gwtypes.PolicyInput{TenantID: "tenant-a"})
	require.Error(t, err)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}
