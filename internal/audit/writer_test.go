package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/schema"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	schemas, err := schema.Load()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	w, err := New(path, schemas)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w, path
}

func TestWriteEventChainsHashes(t *testing.T) {
	w, path := newTestWriter(t)
	ctx := context.Background()

	first, err := w.WriteEvent(ctx, gwtypes.AuditEvent{
		RequestID: "req-1", TenantID: "tenant-a", Endpoint: "chat",
		Provider: "stub", PolicyDecision: gwtypes.PolicyDecisionAllow,
		PolicyMode: "enforce", RequestPayloadHash: "deadbeef",
	})
	require.NoError(t, err)
	require.Empty(t, first.PrevHash)
	require.NotEmpty(t, first.PayloadHash)

	second, err := w.WriteEvent(ctx, gwtypes.AuditEvent{
		RequestID: "req-2", TenantID: "tenant-a", Endpoint: "chat",
		Provider: "stub", PolicyDecision: gwtypes.PolicyDecisionAllow,
		PolicyMode: "enforce", RequestPayloadHash: "cafebabe",
	})
	require.NoError(t, err)
	require.Equal(t, first.PayloadHash, second.PrevHash)

	result, err := NewVerifier().Verify(path)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, 2, result.LineCount)
}

func TestVerifierDetectsTamperedLine(t *testing.T) {
	w, path := newTestWriter(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := w.WriteEvent(ctx, gwtypes.AuditEvent{
			RequestID: "req", TenantID: "tenant-a", Endpoint: "chat",
			Provider: "stub", PolicyDecision: gwtypes.PolicyDecisionAllow,
			PolicyMode: "enforce", RequestPayloadHash: "hash",
		})
		require.NoError(t, err)
	}

	// Tamper with the first line's tenant_id without recomputing its hash.
	raw, err := readAll(path)
	require.NoError(t, err)
	tampered := []byte(replaceFirstOccurrence(string(raw), "tenant-a", "tenant-b"))
	require.NoError(t, writeAll(path, tampered))

	result, err := NewVerifier().Verify(path)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, 1, result.FirstBrokenLine)
}
