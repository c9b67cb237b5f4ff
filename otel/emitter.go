package otel

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/depot/runtime"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
// When events are emitted, it looks up the active span from the TracingHandler
// and populates the TraceID and SpanID fields on the event.
//
// Pool events resolve to the pool span, item events to the span of their
// stage. Both fall back to the run span; events without an active span pass
// through unchanged.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		emit(stamp(e, tracing))
	}
}

func stamp(e runtime.Event, tracing *TracingHandler) runtime.Event {
	var sc trace.SpanContext
	if e.WorkerID > 0 || isPoolEvent(e.Kind) {
		sc = tracing.ActivePoolSpanContext(e.RunID)
	}
	if !sc.IsValid() && e.Stage != "" {
		sc = tracing.ActiveSpanContext(e.RunID, e.Stage)
	}
	if !sc.IsValid() {
		sc = tracing.ActiveRunSpanContext(e.RunID)
	}
	if sc.IsValid() {
		e.TraceID = sc.TraceID().String()
		e.SpanID = sc.SpanID().String()
	}
	return e
}

func startsSpan(kind runtime.EventKind) bool {
	switch kind {
	case runtime.EventItemRunStarted, runtime.EventStageStarted, runtime.EventPoolStarted:
		return true
	}
	return false
}

func isPoolEvent(kind runtime.EventKind) bool {
	switch kind {
	case runtime.EventPoolStarted,
		runtime.EventPoolPaused,
		runtime.EventPoolResumed,
		runtime.EventWorkerFailed,
		runtime.EventPoolStopped,
		runtime.EventPoolCompleted:
		return true
	}
	return false
}
