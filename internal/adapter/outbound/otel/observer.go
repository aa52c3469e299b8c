package otel

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/basilisk-labs/mcpcore/internal/domain/event"
)

// Recorder subscribes to a router event.Bus and turns the request
// lifecycle it publishes into OpenTelemetry spans and counters, without
// the router itself importing this package
// decoupling requirement).
type Recorder struct {
	tracer oteltrace.Tracer
	logger *slog.Logger

	requestsTotal  metric.Int64Counter
	requestsFailed metric.Int64Counter
	listChanged    metric.Int64Counter

	mu    sync.Mutex
	spans map[string]oteltrace.Span // "sessionID/requestID" -> in-flight span
}

// NewRecorder builds a Recorder from t's tracer/meter. logger may be nil.
func NewRecorder(t *Telemetry, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	meter := t.Meter("mcpcore/router")
	requestsTotal, err := meter.Int64Counter("mcp.requests.total",
		metric.WithDescription("Requests dispatched by the router, by method"))
	if err != nil {
		return nil, err
	}
	requestsFailed, err := meter.Int64Counter("mcp.requests.failed",
		metric.WithDescription("Requests that completed with a JSON-RPC error"))
	if err != nil {
		return nil, err
	}
	listChanged, err := meter.Int64Counter("mcp.list_changed.total",
		metric.WithDescription("list_changed notifications emitted, by registry kind"))
	if err != nil {
		return nil, err
	}
	return &Recorder{
		tracer:         t.Tracer("mcpcore/router"),
		logger:         logger,
		requestsTotal:  requestsTotal,
		requestsFailed: requestsFailed,
		listChanged:    listChanged,
		spans:          make(map[string]oteltrace.Span),
	}, nil
}

// Observe is an event.Observer: pass it to event.Bus.Subscribe.
func (r *Recorder) Observe(ev event.Event) {
	switch ev.Kind {
	case event.KindRequestReceived:
		r.startSpan(ev)
	case event.KindRequestCompleted:
		r.endSpan(ev, codes.Ok)
	case event.KindRequestFailed:
		r.endSpan(ev, codes.Error)
	case event.KindListChanged:
		r.listChanged.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", ev.ListKind),
		))
	}
}

func spanKey(ev event.Event) string { return ev.SessionID + "/" + ev.RequestID }

func (r *Recorder) startSpan(ev event.Event) {
	_, span := r.tracer.Start(context.Background(), ev.Method,
		oteltrace.WithAttributes(
			attribute.String("mcp.session_id", ev.SessionID),
			attribute.String("mcp.request_id", ev.RequestID),
			attribute.String("mcp.method", ev.Method),
		),
	)
	r.mu.Lock()
	r.spans[spanKey(ev)] = span
	r.mu.Unlock()

	r.requestsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("method", ev.Method),
	))
}

func (r *Recorder) endSpan(ev event.Event, status codes.Code) {
	key := spanKey(ev)
	r.mu.Lock()
	span, ok := r.spans[key]
	if ok {
		delete(r.spans, key)
	}
	r.mu.Unlock()
	if !ok {
		// A notification or a response that never opened a span (e.g. rate
		// limited before dispatch began); nothing to close.
		return
	}

	if status == codes.Error {
		span.SetStatus(status, ev.ErrorMsg)
		span.SetAttributes(attribute.Int("mcp.error_code", ev.ErrorCode))
		r.requestsFailed.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("method", ev.Method),
			attribute.Int("error_code", ev.ErrorCode),
		))
	} else {
		span.SetStatus(status, "")
	}
	span.End()
}
