// Package otel provides OpenTelemetry integration for depot runtime events.
package otel

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/runtime"
)

// TracingHandler translates runtime events into OpenTelemetry spans. An item
// run becomes a root span, each stage a child of it, and a compression pool a
// child of the stage that started it (or a root span for standalone pools).
type TracingHandler struct {
	tracer trace.Tracer

	mu    sync.RWMutex
	spans map[string]activeSpan
}

type activeSpan struct {
	span trace.Span
	ctx  context.Context
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from runtime events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer: tracer,
		spans:  make(map[string]activeSpan),
	}
}

func runKey(runID string) string { return "run:" + runID }

func stageKey(runID string, stage core.Stage) string {
	return "stage:" + runID + ":" + string(stage)
}

func poolKey(runID string) string { return "pool:" + runID }

// Handle processes a runtime event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventItemRunStarted:
		h.handleRunStarted(e)
	case runtime.EventStageStarted:
		h.handleStageStarted(e)
	case runtime.EventStageCompleted:
		h.endSpan(stageKey(e.RunID, e.Stage), e, codes.Ok, "")
	case runtime.EventStageFailed:
		h.handleStageFailed(e)
	case runtime.EventStageReset,
		runtime.EventItemPaused,
		runtime.EventItemResumed,
		runtime.EventItemStopped,
		runtime.EventItemCompleted,
		runtime.EventToolTransaction:
		h.addEvent(e)
	case runtime.EventItemRunFinished:
		h.handleRunFinished(e)
	case runtime.EventPoolStarted:
		h.handlePoolStarted(e)
	case runtime.EventPoolPaused, runtime.EventPoolResumed:
		h.addPoolEvent(e)
	case runtime.EventWorkerFailed:
		h.handleWorkerFailed(e)
	case runtime.EventPoolCompleted:
		h.endSpan(poolKey(e.RunID), e, codes.Ok, "")
	case runtime.EventPoolStopped:
		if msg := payloadString(e, "error"); msg != "" {
			h.endSpan(poolKey(e.RunID), e, codes.Error, msg)
			return
		}
		h.endSpan(poolKey(e.RunID), e, codes.Unset, "")
	}
}

func (h *TracingHandler) handleRunStarted(e runtime.Event) {
	ctx, span := h.tracer.Start(context.Background(), "item:"+string(e.ItemID),
		trace.WithAttributes(
			attribute.String("depot.run_id", e.RunID),
			attribute.String("depot.item_id", string(e.ItemID)),
		),
		trace.WithTimestamp(e.Time),
	)
	h.mu.Lock()
	h.spans[runKey(e.RunID)] = activeSpan{span: span, ctx: ctx}
	h.mu.Unlock()
}

func (h *TracingHandler) handleStageStarted(e runtime.Event) {
	parent, _ := h.contextOf(runKey(e.RunID))
	ctx, span := h.tracer.Start(parent, "stage:"+string(e.Stage),
		trace.WithAttributes(
			attribute.String("depot.run_id", e.RunID),
			attribute.String("depot.item_id", string(e.ItemID)),
			attribute.String("depot.stage", string(e.Stage)),
		),
		trace.WithTimestamp(e.Time),
	)
	h.mu.Lock()
	h.spans[stageKey(e.RunID, e.Stage)] = activeSpan{span: span, ctx: ctx}
	h.mu.Unlock()
}

func (h *TracingHandler) handleStageFailed(e runtime.Event) {
	key := stageKey(e.RunID, e.Stage)
	msg := payloadString(e, "error")
	if msg == "" {
		msg = "stage failed"
	}
	h.mu.RLock()
	active, ok := h.spans[key]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if paused, _ := e.Payload["paused"].(bool); paused {
		active.span.SetAttributes(attribute.Bool("depot.paused", true))
	}
	active.span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	h.endSpan(key, e, codes.Error, msg)
}

func (h *TracingHandler) handleRunFinished(e runtime.Event) {
	prefix := "stage:" + e.RunID + ":"
	h.mu.Lock()
	var leftovers []activeSpan
	for key, active := range h.spans {
		if strings.HasPrefix(key, prefix) {
			leftovers = append(leftovers, active)
			delete(h.spans, key)
		}
	}
	h.mu.Unlock()
	for _, active := range leftovers {
		active.span.End(trace.WithTimestamp(e.Time))
	}

	status := payloadString(e, "status")
	h.mu.RLock()
	run, ok := h.spans[runKey(e.RunID)]
	h.mu.RUnlock()
	if !ok {
		return
	}
	run.span.SetAttributes(
		attribute.String("depot.status", status),
		attribute.String("depot.duration", e.Elapsed.String()),
	)
	switch status {
	case "failed":
		msg := payloadString(e, "error")
		if msg == "" {
			msg = "run failed"
		}
		h.endSpan(runKey(e.RunID), e, codes.Error, msg)
	case "stopped":
		h.endSpan(runKey(e.RunID), e, codes.Unset, "")
	default:
		h.endSpan(runKey(e.RunID), e, codes.Ok, "")
	}
}

func (h *TracingHandler) handlePoolStarted(e runtime.Event) {
	parent, ok := h.contextOf(stageKey(e.RunID, e.Stage))
	if !ok {
		parent, _ = h.contextOf(runKey(e.RunID))
	}
	ctx, span := h.tracer.Start(parent, "pool",
		trace.WithAttributes(attribute.String("depot.run_id", e.RunID)),
		trace.WithTimestamp(e.Time),
	)
	if workers, ok := e.Payload["workers"].(int); ok {
		span.SetAttributes(attribute.Int("depot.pool.workers", workers))
	}
	if files, ok := e.Payload["files"].(int); ok {
		span.SetAttributes(attribute.Int("depot.pool.files", files))
	}
	h.mu.Lock()
	h.spans[poolKey(e.RunID)] = activeSpan{span: span, ctx: ctx}
	h.mu.Unlock()
}

func (h *TracingHandler) handleWorkerFailed(e runtime.Event) {
	h.mu.RLock()
	active, ok := h.spans[poolKey(e.RunID)]
	h.mu.RUnlock()
	if !ok {
		return
	}
	msg := payloadString(e, "error")
	if msg == "" {
		msg = "worker failed"
	}
	active.span.RecordError(spanError(msg),
		trace.WithTimestamp(e.Time),
		trace.WithAttributes(attribute.Int("depot.worker_id", e.WorkerID)),
	)
}

func (h *TracingHandler) addPoolEvent(e runtime.Event) {
	h.mu.RLock()
	active, ok := h.spans[poolKey(e.RunID)]
	h.mu.RUnlock()
	if ok {
		active.span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time))
	}
}

// addEvent records e on the stage span, or the run span when no stage is
// active.
func (h *TracingHandler) addEvent(e runtime.Event) {
	h.mu.RLock()
	active, ok := h.spans[stageKey(e.RunID, e.Stage)]
	if !ok {
		active, ok = h.spans[runKey(e.RunID)]
	}
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("depot.event_kind", string(e.Kind)),
	}
	if from := payloadString(e, "from"); from != "" {
		attrs = append(attrs, attribute.String("depot.from_stage", from))
	}
	if status := payloadString(e, "status"); status != "" {
		attrs = append(attrs, attribute.String("depot.tool_status", status))
	}
	active.span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) endSpan(key string, e runtime.Event, code codes.Code, msg string) {
	h.mu.Lock()
	active, ok := h.spans[key]
	if ok {
		delete(h.spans, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if e.Elapsed > 0 {
		active.span.SetAttributes(attribute.String("depot.duration", e.Elapsed.String()))
	}
	if code != codes.Unset {
		active.span.SetStatus(code, msg)
	}
	active.span.End(trace.WithTimestamp(e.Time))
}

// contextOf returns the context carrying the span stored under key, or the
// background context.
func (h *TracingHandler) contextOf(key string) (context.Context, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if active, ok := h.spans[key]; ok {
		return active.ctx, true
	}
	return context.Background(), false
}

func (h *TracingHandler) spanContext(key string) trace.SpanContext {
	h.mu.RLock()
	active, ok := h.spans[key]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return active.span.SpanContext()
}

// ActiveSpanContext returns the SpanContext of the active stage span of a
// run. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(runID string, stage core.Stage) trace.SpanContext {
	return h.spanContext(stageKey(runID, stage))
}

// ActivePoolSpanContext returns the SpanContext of the active pool span of a
// run.
func (h *TracingHandler) ActivePoolSpanContext(runID string) trace.SpanContext {
	return h.spanContext(poolKey(runID))
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	return h.spanContext(runKey(runID))
}

func payloadString(e runtime.Event, key string) string {
	if v, ok := e.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
