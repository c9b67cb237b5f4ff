package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/depot/runtime"
	"github.com/petal-labs/depot/tool"
)

const instrumentationName = "github.com/petal-labs/depot"

// Config selects where telemetry goes.
type Config struct {
	// ServiceName is reported as service.name. Default: "depot".
	ServiceName string
	// Endpoint is the OTLP/HTTP collector (host:port). Empty keeps spans in
	// process: they still stamp trace ids on events but are not exported.
	Endpoint string
	// URLPath overrides the collector path. Default: /v1/traces.
	URLPath  string
	Insecure bool
	// SampleRatio is the fraction of runs traced. Zero or above one means all.
	SampleRatio float64
}

// Telemetry owns the SDK providers and the handlers that feed them.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider

	Tracing *TracingHandler
	Metrics *MetricsHandler
	Tools   *ToolObserver

	reader *sdkmetric.ManualReader
}

// Setup creates the providers and installs the tool observer.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "depot"
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	if cfg.Endpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.URLPath != "" {
			exporterOpts = append(exporterOpts, otlptracehttp.WithURLPath(cfg.URLPath))
		}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("otel: trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	tracer := tp.Tracer(instrumentationName)
	meter := mp.Meter(instrumentationName)
	metrics, err := NewMetricsHandler(meter)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("otel: metrics: %w", err)
	}
	tools, err := NewToolObserver(meter, tracer)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("otel: tool observer: %w", err)
	}
	tool.SetObserver(tools)

	return &Telemetry{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracing:        NewTracingHandler(tracer),
		Metrics:        metrics,
		Tools:          tools,
		reader:         reader,
	}, nil
}

// Emitter returns an emitter that feeds every event to the tracing and
// metrics handlers, stamps it with its span and passes it to emit.
func (t *Telemetry) Emitter(emit runtime.EventEmitter) runtime.EventEmitter {
	if emit == nil {
		emit = func(runtime.Event) {}
	}
	handle := runtime.MultiEventHandler(t.Tracing.Handle, t.Metrics.Handle)
	return func(e runtime.Event) {
		// Events that open a span carry it; every other event carries the
		// span that was active when it happened.
		if startsSpan(e.Kind) {
			handle(e)
			e = stamp(e, t.Tracing)
		} else {
			e = stamp(e, t.Tracing)
			handle(e)
		}
		emit(e)
	}
}

// Collect reads the current value of every instrument.
func (t *Telemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := t.reader.Collect(ctx, &rm)
	return rm, err
}

// Shutdown flushes pending spans and releases the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	tool.SetObserver(nil)
	return errors.Join(
		t.TracerProvider.Shutdown(ctx),
		t.MeterProvider.Shutdown(ctx),
	)
}
