package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestOutcome captures how a /v1/chat/completions or /v1/embeddings
// request was ultimately resolved.
type RequestOutcome string

const (
	RequestOutcomeSuccess RequestOutcome = "success"
	RequestOutcomeDenied  RequestOutcome = "denied"
	RequestOutcomeError   RequestOutcome = "error"
)

// Recorder publishes Prometheus metrics for gateway pipeline activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requestsTotal   *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	stageLatency    *prometheus.HistogramVec
	redactionHits   *prometheus.CounterVec
	budgetRejected  *prometheus.CounterVec
	providerFallback *prometheus.CounterVec
	webhookDelivery *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "srg",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total gateway requests processed, by endpoint and outcome.",
	}, []string{"endpoint", "outcome", "status_code"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "srg",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "End-to-end latency for completed gateway requests.",
		Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint", "outcome"})

	stageLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "srg",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Latency distribution for individual pipeline stages.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"stage"})

	redactionHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "srg",
		Subsystem: "redaction",
		Name:      "matches_total",
		Help:      "Redaction pattern matches applied, by category and direction.",
	}, []string{"category", "direction"})

	budgetRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "srg",
		Subsystem: "budget",
		Name:      "rejections_total",
		Help:      "Requests rejected by the token budget tracker, by tenant and reason.",
	}, []string{"tenant", "reason"})

	providerFallback := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "srg",
		Subsystem: "provider",
		Name:      "fallback_total",
		Help:      "Provider fallback-chain transitions, by source and destination provider.",
	}, []string{"from_provider", "to_provider"})

	webhookDelivery := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "srg",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts, by event type and outcome.",
	}, []string{"event_type", "outcome"})

	reg.MustRegister(requestsTotal, requestLatency, stageLatency, redactionHits, budgetRejected, providerFallback, webhookDelivery)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		requestsTotal:    requestsTotal,
		requestLatency:   requestLatency,
		stageLatency:     stageLatency,
		redactionHits:    redactionHits,
		budgetRejected:   budgetRejected,
		providerFallback: providerFallback,
		webhookDelivery:  webhookDelivery,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency of one completed request.
func (r *Recorder) ObserveRequest(endpoint string, outcome RequestOutcome, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	endpointLabel := normalizeLabel(endpoint)
	outcomeLabel := normalizeLabel(string(outcome))
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.requestsTotal.WithLabelValues(endpointLabel, outcomeLabel, statusLabel).Inc()
	r.requestLatency.WithLabelValues(endpointLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveStage records the latency of a single pipeline stage (e.g.
// "policy", "redaction", "retrieval", "provider").
func (r *Recorder) ObserveStage(stage string, duration time.Duration) {
	if r == nil {
		return
	}
	r.stageLatency.WithLabelValues(normalizeLabel(stage)).Observe(duration.Seconds())
}

// ObserveRedaction records a redaction pattern match. direction is "input" or
// "output".
func (r *Recorder) ObserveRedaction(category, direction string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.redactionHits.WithLabelValues(normalizeLabel(category), normalizeLabel(direction)).Add(float64(count))
}

// ObserveBudgetRejection records a request rejected by the budget tracker.
func (r *Recorder) ObserveBudgetRejection(tenant, reason string) {
	if r == nil {
		return
	}
	r.budgetRejected.WithLabelValues(normalizeLabel(tenant), normalizeLabel(reason)).Inc()
}

// ObserveProviderFallback records a fallback-chain transition from one
// provider to another.
func (r *Recorder) ObserveProviderFallback(fromProvider, toProvider string) {
	if r == nil {
		return
	}
	r.providerFallback.WithLabelValues(normalizeLabel(fromProvider), normalizeLabel(toProvider)).Inc()
}

// ObserveWebhookDelivery records the outcome of one webhook delivery attempt.
func (r *Recorder) ObserveWebhookDelivery(eventType, outcome string) {
	if r == nil {
		return
	}
	r.webhookDelivery.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
