package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{WindowSeconds: 60, DefaultCeiling: 100}
}

func TestMemoryTrackerEnforcesCeiling(t *testing.T) {
	tr := NewMemory(testLimits())
	ctx := context.Background()

	require.NoError(t, tr.Check(ctx, "tenant-a", 40))
	require.NoError(t, tr.Record(ctx, "tenant-a", 40))

	require.NoError(t, tr.Check(ctx, "tenant-a", 60))
	require.NoError(t, tr.Record(ctx, "tenant-a", 60))

	err := tr.Check(ctx, "tenant-a", 1)
	require.Error(t, err)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, 100, exceeded.Used)
}

func TestMemoryTrackerSummary(t *testing.T) {
	tr := NewMemory(testLimits())
	ctx := context.Background()
	require.NoError(t, tr.Record(ctx, "tenant-a", 25))

	summary, err := tr.Summary(ctx, "tenant-a")
	require.NoError(t, err)
	require.Equal(t, 25, summary.Used)
	require.Equal(t, 75, summary.Remaining)
	require.Equal(t, 25.0, summary.UtilizationPct)
}

func TestMemoryTrackerCheckRunningNonRaising(t *testing.T) {
	tr := NewMemory(testLimits())
	ctx := context.Background()
	require.NoError(t, tr.Record(ctx, "tenant-a", 90))

	ok, err := tr.CheckRunning(ctx, "tenant-a", 5)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.CheckRunning(ctx, "tenant-a", 20)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryTrackerPerTenantOverride(t *testing.T) {
	limits := Limits{WindowSeconds: 60, DefaultCeiling: 100, Overrides: map[string]int{"tenant-b": 10}}
	tr := NewMemory(limits)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "tenant-b", 8))
	err := tr.Check(ctx, "tenant-b", 5)
	require.Error(t, err)
}
