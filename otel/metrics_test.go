package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petal-labs/depot/core"
	depototel "github.com/petal-labs/depot/otel"
	"github.com/petal-labs/depot/runtime"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, rm *metricdata.ResourceMetrics, name string) metricdata.Sum[int64] {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s type = %T, want Sum[int64]", name, m.Data)
	}
	return sum
}

func newMetricsHandler(t *testing.T) (*depototel.MetricsHandler, *metric.ManualReader) {
	t.Helper()
	reader, mp := newTestMeter()
	h, err := depototel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}
	return h, reader
}

func TestMetricsHandler_StageCompletedRecordsCountAndDuration(t *testing.T) {
	h, reader := newMetricsHandler(t)

	for _, elapsed := range []time.Duration{time.Second, 3 * time.Second} {
		h.Handle(runtime.Event{
			Kind:    runtime.EventStageCompleted,
			RunID:   "run-1",
			ItemID:  "game",
			Stage:   core.StageDownload,
			Elapsed: elapsed,
		})
	}

	rm := collectMetrics(t, reader)
	sum := sumOf(t, rm, "depot.stage.completions")
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Fatalf("completions = %+v, want one point with value 2", sum.DataPoints)
	}
	if v, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("stage")); !ok || v.AsString() != "download" {
		t.Errorf("stage attribute = %v", v)
	}

	dur := findMetric(rm, "depot.stage.duration")
	if dur == nil {
		t.Fatal("depot.stage.duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration type = %T, want Histogram[float64]", dur.Data)
	}
	if hist.DataPoints[0].Count != 2 || hist.DataPoints[0].Sum != 4 {
		t.Errorf("histogram count=%d sum=%v, want 2 and 4", hist.DataPoints[0].Count, hist.DataPoints[0].Sum)
	}
}

func TestMetricsHandler_StageFailedSplitsPaused(t *testing.T) {
	h, reader := newMetricsHandler(t)

	h.Handle(runtime.Event{Kind: runtime.EventStageFailed, Stage: core.StageDownload, Payload: map[string]any{"paused": true}})
	h.Handle(runtime.Event{Kind: runtime.EventStageFailed, Stage: core.StageDownload})
	h.Handle(runtime.Event{Kind: runtime.EventStageFailed, Stage: core.StageDownload})

	sum := sumOf(t, collectMetrics(t, reader), "depot.stage.failures")
	if len(sum.DataPoints) != 2 {
		t.Fatalf("expected 2 attribute sets, got %d", len(sum.DataPoints))
	}
	byPaused := map[bool]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("paused"))
		byPaused[v.AsBool()] = dp.Value
	}
	if byPaused[true] != 1 || byPaused[false] != 2 {
		t.Errorf("failures by paused = %v", byPaused)
	}
}

func TestMetricsHandler_RunFinishedByStatus(t *testing.T) {
	h, reader := newMetricsHandler(t)

	for _, status := range []string{"success", "success", "stopped"} {
		h.Handle(runtime.Event{
			Kind:    runtime.EventItemRunFinished,
			RunID:   "run-1",
			Elapsed: 2 * time.Second,
			Payload: map[string]any{"status": status},
		})
	}

	rm := collectMetrics(t, reader)
	sum := sumOf(t, rm, "depot.item.runs")
	counts := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("status"))
		counts[v.AsString()] = dp.Value
	}
	if counts["success"] != 2 || counts["stopped"] != 1 {
		t.Errorf("runs by status = %v", counts)
	}
	if findMetric(rm, "depot.item.run.duration") == nil {
		t.Error("depot.item.run.duration metric not found")
	}
}

func TestMetricsHandler_PoolEvents(t *testing.T) {
	h, reader := newMetricsHandler(t)

	h.Handle(runtime.Event{Kind: runtime.EventWorkerFailed, WorkerID: 1})
	h.Handle(runtime.Event{Kind: runtime.EventPoolCompleted, Payload: map[string]any{"bytes": uint64(4096)}})

	rm := collectMetrics(t, reader)
	if got := sumOf(t, rm, "depot.pool.worker.failures").DataPoints[0].Value; got != 1 {
		t.Errorf("worker failures = %d, want 1", got)
	}
	if got := sumOf(t, rm, "depot.pool.bytes").DataPoints[0].Value; got != 4096 {
		t.Errorf("pool bytes = %d, want 4096", got)
	}
}

func TestMetricsHandler_IgnoresOtherEvents(t *testing.T) {
	h, reader := newMetricsHandler(t)

	h.Handle(runtime.Event{Kind: runtime.EventItemProgress})
	h.Handle(runtime.Event{Kind: runtime.EventStageStarted})

	rm := collectMetrics(t, reader)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && len(sum.DataPoints) > 0 {
				t.Errorf("%s recorded data for an unrelated event", m.Name)
			}
		}
	}
}
