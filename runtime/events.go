// Package runtime provides the lifecycle event model shared by the worker pool,
// the item pipeline and their observers (logging, journal stores, telemetry).
package runtime

import (
	"log/slog"
	"time"

	"github.com/petal-labs/depot/core"
)

// EventKind identifies the type of lifecycle event.
type EventKind string

const (
	// EventPoolStarted is emitted when a worker pool has scanned its files and spawned workers.
	EventPoolStarted EventKind = "pool.started"

	// EventPoolPaused is emitted when a worker pool is paused.
	EventPoolPaused EventKind = "pool.paused"

	// EventPoolResumed is emitted when a paused worker pool resumes.
	EventPoolResumed EventKind = "pool.resumed"

	// EventWorkerFailed is emitted once per worker error, with the origin worker id.
	EventWorkerFailed EventKind = "pool.worker.failed"

	// EventPoolStopped is emitted when a worker pool finishes without merging.
	EventPoolStopped EventKind = "pool.stopped"

	// EventPoolCompleted is emitted after the merge step succeeds.
	EventPoolCompleted EventKind = "pool.completed"

	// EventStageStarted is emitted when an item task begins running.
	EventStageStarted EventKind = "stage.started"

	// EventStageCompleted is emitted when an item task finishes successfully.
	EventStageCompleted EventKind = "stage.completed"

	// EventStageFailed is emitted when an item task fails.
	EventStageFailed EventKind = "stage.failed"

	// EventStageReset is emitted when a stage is rolled back to a re-triable state.
	EventStageReset EventKind = "stage.reset"

	// EventItemRunStarted is emitted when an item pipeline starts running its queue.
	EventItemRunStarted EventKind = "item.run.started"

	// EventItemRunFinished is emitted when an item pipeline run returns. The
	// payload carries "status" (success, failed or stopped).
	EventItemRunFinished EventKind = "item.run.finished"

	// EventItemPaused is emitted when an item pipeline pauses.
	EventItemPaused EventKind = "item.paused"

	// EventItemResumed is emitted when a paused item pipeline resumes.
	EventItemResumed EventKind = "item.resumed"

	// EventItemStopped is emitted when an item pipeline is cancelled.
	EventItemStopped EventKind = "item.stopped"

	// EventItemCompleted is emitted when an item reaches its final stage.
	EventItemCompleted EventKind = "item.completed"

	// EventItemProgress is emitted for (throttled) transfer progress.
	EventItemProgress EventKind = "item.progress"

	// EventToolTransaction is emitted when a tool transaction is opened or closed.
	EventToolTransaction EventKind = "tool.transaction"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of what happened during a pool run or an item
// pipeline run. Events should be kept small; large data belongs in the item
// store or the archive itself.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this pool or pipeline run.
	RunID string

	// ItemID is the item the run belongs to (empty for standalone pool runs).
	ItemID core.ItemID

	// Stage is the item stage that produced this event.
	Stage core.Stage

	// WorkerID is the 1-based pool worker that produced this event (0 if none).
	WorkerID int

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the run or stage started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithItem sets the item and stage information on the event.
func (e Event) WithItem(itemID core.ItemID, stage core.Stage) Event {
	e.ItemID = itemID
	e.Stage = stage
	return e
}

// WithWorker sets the worker id on the event.
func (e Event) WithWorker(workerID int) Event {
	e.WorkerID = workerID
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// WithError records err's message under the "error" payload key.
func (e Event) WithError(err error) Event {
	if err == nil {
		return e
	}
	return e.WithPayload("error", err.Error())
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// LogEventHandler returns a handler that writes each event to logger.
// Progress events are logged at debug level, failures at warn level.
func LogEventHandler(logger *slog.Logger) EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e Event) {
		attrs := []any{
			"run_id", e.RunID,
			"seq", e.Seq,
		}
		if e.ItemID != "" {
			attrs = append(attrs, "item_id", string(e.ItemID), "stage", string(e.Stage))
		}
		if e.WorkerID > 0 {
			attrs = append(attrs, "worker_id", e.WorkerID)
		}
		if e.Elapsed > 0 {
			attrs = append(attrs, "elapsed", e.Elapsed)
		}
		for k, v := range e.Payload {
			attrs = append(attrs, k, v)
		}

		switch e.Kind {
		case EventItemProgress:
			logger.Debug(e.Kind.String(), attrs...)
		case EventWorkerFailed, EventStageFailed, EventStageReset:
			logger.Warn(e.Kind.String(), attrs...)
		default:
			logger.Info(e.Kind.String(), attrs...)
		}
	}
}
