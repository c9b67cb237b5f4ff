package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/depot/runtime"
)

// MetricsHandler translates depot runtime events into OpenTelemetry metrics.
// It records counters and histograms for stages, item runs and pool workers.
type MetricsHandler struct {
	stageCompletions metric.Int64Counter
	stageFailures    metric.Int64Counter
	stageDuration    metric.Float64Histogram
	runs             metric.Int64Counter
	runDuration      metric.Float64Histogram
	workerFailures   metric.Int64Counter
	poolBytes        metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording depot runtime metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stageDone, err := meter.Int64Counter("depot.stage.completions",
		metric.WithDescription("Number of item stages that completed"),
	)
	if err != nil {
		return nil, err
	}

	stageFail, err := meter.Int64Counter("depot.stage.failures",
		metric.WithDescription("Number of item stages that failed"),
	)
	if err != nil {
		return nil, err
	}

	stageDur, err := meter.Float64Histogram("depot.stage.duration",
		metric.WithDescription("Duration of item stages in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("depot.item.runs",
		metric.WithDescription("Number of finished item pipeline runs"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("depot.item.run.duration",
		metric.WithDescription("Duration of item pipeline runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	workerFail, err := meter.Int64Counter("depot.pool.worker.failures",
		metric.WithDescription("Number of failures reported by pool workers"),
	)
	if err != nil {
		return nil, err
	}

	poolBytes, err := meter.Int64Counter("depot.pool.bytes",
		metric.WithDescription("Bytes packed by completed pool runs"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stageCompletions: stageDone,
		stageFailures:    stageFail,
		stageDuration:    stageDur,
		runs:             runs,
		runDuration:      runDur,
		workerFailures:   workerFail,
		poolBytes:        poolBytes,
	}, nil
}

// Handle processes a runtime event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventStageCompleted:
		h.handleStageCompleted(e)
	case runtime.EventStageFailed:
		h.handleStageFailed(e)
	case runtime.EventItemRunFinished:
		h.handleRunFinished(e)
	case runtime.EventWorkerFailed:
		h.workerFailures.Add(context.Background(), 1)
	case runtime.EventPoolCompleted:
		h.handlePoolCompleted(e)
	}
}

func (h *MetricsHandler) handleStageCompleted(e runtime.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("stage", string(e.Stage)),
	)
	h.stageCompletions.Add(ctx, 1, attrs)
	h.stageDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

func (h *MetricsHandler) handleStageFailed(e runtime.Event) {
	paused, _ := e.Payload["paused"].(bool)
	h.stageFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stage", string(e.Stage)),
		attribute.Bool("paused", paused),
	))
}

func (h *MetricsHandler) handleRunFinished(e runtime.Event) {
	ctx := context.Background()
	h.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", payloadString(e, "status")),
	))
	h.runDuration.Record(ctx, e.Elapsed.Seconds())
}

func (h *MetricsHandler) handlePoolCompleted(e runtime.Event) {
	var n int64
	switch v := e.Payload["bytes"].(type) {
	case int64:
		n = v
	case uint64:
		n = int64(v)
	case int:
		n = int64(v)
	}
	if n > 0 {
		h.poolBytes.Add(context.Background(), n)
	}
}
