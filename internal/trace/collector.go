// Package trace implements the in-memory span buffer and OTLP/HTTP
// exporter: spans are buffered per trace with oldest-first eviction, and
// closing the root operation posts the trace as standard
// resourceSpans/scopeSpans OTLP JSON.
package trace

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
)

// RootOperation is the span operation name that triggers an export once its
// span closes.
const RootOperation = "gateway.request"

// Exporter ships a completed trace's spans to an external sink.
type Exporter interface {
	Export(ctx context.Context, spans []gwtypes.Span) error
}

// Collector buffers spans per trace_id behind one global mutex and evicts
// the oldest trace once the buffer holds more than MaxTraces.
type Collector struct {
	mu        sync.Mutex
	maxTraces int
	order     *list.List
	traces    map[string]*list.Element
	exporter  Exporter
	logger    *slog.Logger
}

type traceEntry struct {
	traceID string
	spans   []gwtypes.Span
}

// NewCollector constructs a Collector. maxTraces <= 0 disables eviction.
func NewCollector(maxTraces int, exporter Exporter, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		maxTraces: maxTraces,
		order:     list.New(),
		traces:    make(map[string]*list.Element),
		exporter:  exporter,
		logger:    logger,
	}
}

// Record appends a completed span to its trace's buffer, evicting the
// oldest trace if the buffer has grown past MaxTraces, and triggers an
// asynchronous export when the span is the designated root operation.
func (c *Collector) Record(ctx context.Context, span gwtypes.Span) {
	c.mu.Lock()
	el, ok := c.traces[span.TraceID]
	if !ok {
		el = c.order.PushBack(&traceEntry{traceID: span.TraceID})
		c.traces[span.TraceID] = el
	} else {
		c.order.MoveToBack(el)
	}
	entry := el.Value.(*traceEntry)
	entry.spans = append(entry.spans, span)

	var evicted *traceEntry
	if c.maxTraces > 0 {
		for len(c.traces) > c.maxTraces {
			front := c.order.Front()
			if front == nil || front == el {
				break
			}
			c.order.Remove(front)
			victim := front.Value.(*traceEntry)
			delete(c.traces, victim.traceID)
			if victim.traceID != entry.traceID {
				evicted = victim
			}
		}
	}
	snapshot := append([]gwtypes.Span(nil), entry.spans...)
	c.mu.Unlock()

	if evicted != nil {
		c.logger.Info("trace evicted", slog.String("trace_id", evicted.traceID), slog.Int("span_count", len(evicted.spans)))
	}

	if span.Operation == RootOperation && c.exporter != nil {
		go c.export(snapshot)
	}
}

func (c *Collector) export(spans []gwtypes.Span) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.exporter.Export(ctx, spans); err != nil {
		c.logger.Warn("otlp export failed", slog.Any("error", err))
	}
}

// Spans returns the recorded spans for a trace_id in recording order, and
// whether any spans exist for it.
func (c *Collector) Spans(traceID string) ([]gwtypes.Span, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.traces[traceID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*traceEntry)
	return append([]gwtypes.Span(nil), entry.spans...), true
}

// TraceCount reports the number of distinct traces currently buffered.
func (c *Collector) TraceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.traces)
}

// SpanBuilder records start time on acquire and duration/status on release,
// so a span is accurate however its owner exits.
type SpanBuilder struct {
	collector    *Collector
	span         gwtypes.Span
	start        time.Time
	closed       bool
}

// StartSpan begins a new span under traceID, optionally nested under parent.
func (c *Collector) StartSpan(traceID, operation, parentSpanID string, spanID string, attrs map[string]any) *SpanBuilder {
	now := time.Now()
	return &SpanBuilder{
		collector: c,
		start:     now,
		span: gwtypes.Span{
			TraceID:         traceID,
			SpanID:          spanID,
			ParentSpanID:    parentSpanID,
			Operation:       operation,
			StartTimeUnixNs: now.UnixNano(),
			Attributes:      attrs,
		},
	}
}

// AddEvent appends a point-in-time annotation to the span under construction.
func (b *SpanBuilder) AddEvent(name string, attrs map[string]any) {
	b.span.Events = append(b.span.Events, gwtypes.SpanEvent{
		Name:       name,
		TimeUnixNs: time.Now().UnixNano(),
		Attributes: attrs,
	})
}

// SetAttribute sets one attribute on the span under construction.
func (b *SpanBuilder) SetAttribute(key string, value any) {
	if b.span.Attributes == nil {
		b.span.Attributes = make(map[string]any)
	}
	b.span.Attributes[key] = value
}

// End closes the span with the given status and records it into the
// collector. End is idempotent; calling it a second time is a no-op, so it
// is safe to call from both a normal return path and a deferred recovery.
func (b *SpanBuilder) End(ctx context.Context, status gwtypes.SpanStatus) {
	if b.closed {
		return
	}
	b.closed = true
	end := time.Now()
	b.span.EndTimeUnixNs = end.UnixNano()
	b.span.DurationMs = float64(end.Sub(b.start)) / float64(time.Millisecond)
	b.span.Status = status
	b.collector.Record(ctx, b.span)
}
