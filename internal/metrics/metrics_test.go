package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveRequest(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRequest("/v1/chat/completions", RequestOutcomeSuccess, 200, 250*time.Millisecond)

	families := gather(t, rec, "srg_gateway_requests_total", "srg_gateway_request_duration_seconds")

	counter := findMetric(t, families["srg_gateway_requests_total"], map[string]string{
		"endpoint":    "/v1/chat/completions",
		"outcome":     "success",
		"status_code": "200",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for gateway requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["srg_gateway_request_duration_seconds"], map[string]string{
		"endpoint": "/v1/chat/completions",
		"outcome":  "success",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for request latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveStage(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveStage("policy", 15*time.Millisecond)

	families := gather(t, rec, "srg_pipeline_stage_duration_seconds")
	metric := findMetric(t, families["srg_pipeline_stage_duration_seconds"], map[string]string{"stage": "policy"})
	hist := metric.GetHistogram()
	if hist == nil || hist.GetSampleCount() != 1 {
		t.Fatalf("expected one stage latency observation")
	}
}

func TestRecorderObserveRedactionBudgetFallbackWebhook(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRedaction("us_ssn", "input", 2)
	rec.ObserveBudgetRejection("tenant-a", "window_exceeded")
	rec.ObserveProviderFallback("openai", "anthropic")
	rec.ObserveWebhookDelivery("policy_denied", "delivered")

	families := gather(t, rec,
		"srg_redaction_matches_total",
		"srg_budget_rejections_total",
		"srg_provider_fallback_total",
		"srg_webhook_deliveries_total",
	)

	redaction := findMetric(t, families["srg_redaction_matches_total"], map[string]string{"category": "us_ssn", "direction": "input"})
	if got := redaction.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected redaction counter 2, got %v", got)
	}

	budget := findMetric(t, families["srg_budget_rejections_total"], map[string]string{"tenant": "tenant-a", "reason": "window_exceeded"})
	if got := budget.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected budget rejection counter 1, got %v", got)
	}

	fallback := findMetric(t, families["srg_provider_fallback_total"], map[string]string{"from_provider": "openai", "to_provider": "anthropic"})
	if got := fallback.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected fallback counter 1, got %v", got)
	}

	webhook := findMetric(t, families["srg_webhook_deliveries_total"], map[string]string{"event_type": "policy_denied", "outcome": "delivered"})
	if got := webhook.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected webhook delivery counter 1, got %v", got)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
