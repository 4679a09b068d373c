package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
)

// OTLPConfig configures the OTLP/HTTP exporter.
type OTLPConfig struct {
	Endpoint    string
	ServiceName string
	Headers     map[string]string
	Timeout     time.Duration
}

// OTLPExporter POSTs spans as OTLP/HTTP JSON in the standard
// resourceSpans/scopeSpans shape.
type OTLPExporter struct {
	cfg    OTLPConfig
	client *http.Client
}

// NewOTLPExporter constructs an OTLPExporter.
func NewOTLPExporter(cfg OTLPConfig) *OTLPExporter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OTLPExporter{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

type otlpAttribute struct {
	Key   string      `json:"key"`
	Value otlpAnyValue `json:"value"`
}

type otlpAnyValue struct {
	StringValue *string         `json:"stringValue,omitempty"`
	IntValue    *string         `json:"intValue,omitempty"`
	DoubleValue *float64        `json:"doubleValue,omitempty"`
	BoolValue   *bool           `json:"boolValue,omitempty"`
	ArrayValue  *otlpArrayValue `json:"arrayValue,omitempty"`
}

type otlpArrayValue struct {
	Values []otlpAnyValue `json:"values"`
}

type otlpSpanEvent struct {
	TimeUnixNano string          `json:"timeUnixNano"`
	Name         string          `json:"name"`
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
}

type otlpSpan struct {
	TraceID           string          `json:"traceId"`
	SpanID            string          `json:"spanId"`
	ParentSpanID      string          `json:"parentSpanId,omitempty"`
	Name              string          `json:"name"`
	StartTimeUnixNano string          `json:"startTimeUnixNano"`
	EndTimeUnixNano   string          `json:"endTimeUnixNano"`
	Status            otlpStatus      `json:"status"`
	Attributes        []otlpAttribute `json:"attributes,omitempty"`
	Events            []otlpSpanEvent `json:"events,omitempty"`
}

type otlpStatus struct {
	Code int `json:"code"`
}

type otlpScopeSpans struct {
	Scope otlpScope  `json:"scope"`
	Spans []otlpSpan `json:"spans"`
}

type otlpScope struct {
	Name string `json:"name"`
}

type otlpResourceSpans struct {
	Resource   otlpResource     `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scopeSpans"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpPayload struct {
	ResourceSpans []otlpResourceSpans `json:"resourceSpans"`
}

// otlpStatusOK/otlpStatusError mirror the OTLP status code enum (UNSET=0, OK=1,
// ERROR=2); the collector only ever records a terminal ok/error status.
const (
	otlpStatusOK    = 1
	otlpStatusError = 2
)

// Export renders spans into the OTLP/HTTP JSON payload and POSTs it.
func (e *OTLPExporter) Export(ctx context.Context, spans []gwtypes.Span) error {
	if e.cfg.Endpoint == "" || len(spans) == 0 {
		return nil
	}

	rendered := make([]otlpSpan, len(spans))
	for i, s := range spans {
		rendered[i] = renderSpan(s)
	}

	payload := otlpPayload{
		ResourceSpans: []otlpResourceSpans{{
			Resource: otlpResource{Attributes: []otlpAttribute{
				{Key: "service.name", Value: otlpAnyValue{StringValue: strPtr(e.cfg.ServiceName)}},
			}},
			ScopeSpans: []otlpScopeSpans{{
				Scope: otlpScope{Name: "sovereign-rag-gateway"},
				Spans: rendered,
			}},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("trace: encode otlp payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("trace: build otlp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("trace: otlp export request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("trace: otlp export returned status %d", resp.StatusCode)
	}
	return nil
}

func renderSpan(s gwtypes.Span) otlpSpan {
	status := otlpStatusOK
	if s.Status == gwtypes.SpanError {
		status = otlpStatusError
	}
	events := make([]otlpSpanEvent, len(s.Events))
	for i, ev := range s.Events {
		events[i] = otlpSpanEvent{
			TimeUnixNano: fmt.Sprintf("%d", ev.TimeUnixNs),
			Name:         ev.Name,
			Attributes:   renderAttributes(ev.Attributes),
		}
	}
	return otlpSpan{
		TraceID:           normalizeHexID(s.TraceID, 32),
		SpanID:            normalizeHexID(s.SpanID, 16),
		ParentSpanID:      normalizeHexID(s.ParentSpanID, 16),
		Name:              s.Operation,
		StartTimeUnixNano: fmt.Sprintf("%d", s.StartTimeUnixNs),
		EndTimeUnixNano:   fmt.Sprintf("%d", s.EndTimeUnixNs),
		Status:            otlpStatus{Code: status},
		Attributes:        renderAttributes(s.Attributes),
		Events:            events,
	}
}

func renderAttributes(attrs map[string]any) []otlpAttribute {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]otlpAttribute, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, otlpAttribute{Key: k, Value: renderValue(v)})
	}
	return out
}

func renderValue(v any) otlpAnyValue {
	switch t := v.(type) {
	case string:
		return otlpAnyValue{StringValue: strPtr(t)}
	case bool:
		return otlpAnyValue{BoolValue: &t}
	case int:
		s := fmt.Sprintf("%d", t)
		return otlpAnyValue{IntValue: &s}
	case int64:
		s := fmt.Sprintf("%d", t)
		return otlpAnyValue{IntValue: &s}
	case float64:
		return otlpAnyValue{DoubleValue: &t}
	case []any:
		values := make([]otlpAnyValue, len(t))
		for i, item := range t {
			values[i] = renderValue(item)
		}
		return otlpAnyValue{ArrayValue: &otlpArrayValue{Values: values}}
	default:
		encoded, err := json.Marshal(t)
		if err != nil {
			s := fmt.Sprintf("%v", t)
			return otlpAnyValue{StringValue: &s}
		}
		s := string(encoded)
		return otlpAnyValue{StringValue: &s}
	}
}

// normalizeHexID left-pads or truncates a hex id string to the required
// OTLP width (32 chars for trace ids, 16 for span ids).
func normalizeHexID(id string, width int) string {
	if id == "" {
		return ""
	}
	if len(id) >= width {
		return id[:width]
	}
	padded := make([]byte, width)
	for i := range padded {
		padded[i] = '0'
	}
	copy(padded[width-len(id):], id)
	return string(padded)
}

func strPtr(s string) *string { return &s }
