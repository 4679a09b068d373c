package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sovereign-rag/gateway/internal/policy"
	"github.com/sovereign-rag/gateway/internal/redaction"
	"github.com/stretchr/testify/require"
)

func TestWatchPolicyBundleReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policyHash: v1\ndefaultAllow: true\nrules: []\n"), 0o600))

	changeCh := make(chan PolicyBundle, 4)
	errCh := make(chan error, 1)

	watcher, err := WatchPolicyBundle(ctx, path, func(_ *policy.RuleEngine, bundle PolicyBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		require.Equal(t, "v1", bundle.PolicyHash)
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for initial load")
	}

	require.NoError(t, os.WriteFile(path, []byte("policyHash: v2\ndefaultAllow: true\nrules: []\n"), 0o600))

	select {
	case bundle := <-changeCh:
		require.Equal(t, "v2", bundle.PolicyHash)
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timeout waiting for reload event")
	}
}

func TestWatchRedactionOverlayReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "redaction.yaml")
	require.NoError(t, os.WriteFile(path, []byte("patterns: []\n"), 0o600))

	changeCh := make(chan *redaction.Engine, 4)
	errCh := make(chan error, 1)

	watcher, err := WatchRedactionOverlay(ctx, path, func(engine *redaction.Engine) {
		changeCh <- engine
	}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	select {
	case engine := <-changeCh:
		require.NotNil(t, engine)
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for initial load")
	}

	contents := "patterns:\n  - category: PII\n    regex: \"EMP-\\\\d{6}\"\n    replacement: \"[EMPLOYEE_ID_REDACTED]\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	select {
	case engine := <-changeCh:
		result := engine.RedactText("badge EMP-123456")
		require.Contains(t, result.Text, "[EMPLOYEE_ID_REDACTED]")
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timeout waiting for reload event")
	}
}
