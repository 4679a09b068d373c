// Package budget implements the sliding-window token budget tracker: a
// per-tenant ceiling enforced over the trailing window_seconds, backed
// either by an in-process mutex-guarded map or a Redis/Valkey sorted set
// for cross-host consistency.
package budget

import (
	"context"
	"fmt"
	"time"
)

// ExceededError is returned by Check when a request would push the tenant's
// sliding-window usage past its ceiling.
type ExceededError struct {
	Tenant        string
	Used          int
	Ceiling       int
	WindowSeconds int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: tenant %s used %d of ceiling %d over %ds window", e.Tenant, e.Used, e.Ceiling, e.WindowSeconds)
}

// BackendError wraps a budget backend failure (e.g. Redis connectivity),
// which the pipeline maps to a fail-closed 503.
type BackendError struct {
	Cause error
}

func (e *BackendError) Error() string { return fmt.Sprintf("budget: backend error: %v", e.Cause) }
func (e *BackendError) Unwrap() error { return e.Cause }

// Summary is the tenant's current sliding-window usage snapshot.
type Summary struct {
	TenantID       string  `json:"tenant_id"`
	WindowSeconds  int     `json:"window_seconds"`
	Ceiling        int     `json:"ceiling"`
	Used           int     `json:"used"`
	Remaining      int     `json:"remaining"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// Limits resolves the effective window and ceiling for a tenant.
type Limits struct {
	WindowSeconds  int
	DefaultCeiling int
	Overrides      map[string]int
}

// CeilingFor returns the tenant-specific ceiling override, falling back to
// the default ceiling.
func (l Limits) CeilingFor(tenant string) int {
	if l.Overrides != nil {
		if c, ok := l.Overrides[tenant]; ok {
			return c
		}
	}
	return l.DefaultCeiling
}

// Tracker is the sliding-window budget interface both backends implement.
type Tracker interface {
	// Check prunes expired entries and raises ExceededError if adding
	// requested tokens would exceed the tenant's ceiling.
	Check(ctx context.Context, tenant string, requested int) error
	// Record appends a usage entry for tenant.
	Record(ctx context.Context, tenant string, tokens int) error
	// CheckRunning is the non-raising variant used mid-stream.
	CheckRunning(ctx context.Context, tenant string, requested int) (bool, error)
	// Summary reports the tenant's current window usage.
	Summary(ctx context.Context, tenant string) (Summary, error)
	Close(ctx context.Context) error
}

func summarize(tenant string, limits Limits, used int) Summary {
	ceiling := limits.CeilingFor(tenant)
	remaining := ceiling - used
	if remaining < 0 {
		remaining = 0
	}
	var utilization float64
	if ceiling > 0 {
		utilization = round2(float64(used) / float64(ceiling) * 100)
	}
	return Summary{
		TenantID:       tenant,
		WindowSeconds:  limits.WindowSeconds,
		Ceiling:        ceiling,
		Used:           used,
		Remaining:      remaining,
		UtilizationPct: utilization,
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func windowStart(now time.Time, windowSeconds int) time.Time {
	return now.Add(-time.Duration(windowSeconds) * time.Second)
}
