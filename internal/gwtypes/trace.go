package gwtypes

// SpanStatus enumerates the terminal status of a recorded Trace Span.
type SpanStatus string

const (
	SpanOK    SpanStatus = "ok"
	SpanError SpanStatus = "error"
)

// SpanEvent is a point-in-time annotation recorded within a span's lifetime
// (e.g. a caught exception, a retry attempt).
type SpanEvent struct {
	Name       string         `json:"name"`
	TimeUnixNs int64          `json:"time_unix_ns"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span is a single timed operation record. A trace is the set of spans
// sharing a TraceID.
type Span struct {
	TraceID        string         `json:"trace_id"`
	SpanID         string         `json:"span_id"`
	ParentSpanID   string         `json:"parent_span_id,omitempty"`
	Operation      string         `json:"operation"`
	StartTimeUnixNs int64         `json:"start_time_unix_ns"`
	EndTimeUnixNs  int64          `json:"end_time_unix_ns"`
	DurationMs     float64        `json:"duration_ms"`
	Status         SpanStatus     `json:"status"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Events         []SpanEvent    `json:"events,omitempty"`
}
