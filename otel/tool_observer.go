package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/depot/tool"
)

// ToolObserver records tool transactions, fetches and catalog reloads into
// OpenTelemetry.
type ToolObserver struct {
	tracer trace.Tracer

	transactions metric.Int64Counter
	fetches      metric.Int64Counter
	fetchedBytes metric.Int64Counter
	retries      metric.Int64Counter
	reloads      metric.Int64Counter
	latency      metric.Float64Histogram
}

// NewToolObserver creates a tool observer bound to the provided meter/tracer.
func NewToolObserver(meter metric.Meter, tracer trace.Tracer) (*ToolObserver, error) {
	transactions, err := meter.Int64Counter(
		"depot.tool.transactions",
		metric.WithDescription("Number of finished tool transactions"),
	)
	if err != nil {
		return nil, err
	}
	fetches, err := meter.Int64Counter(
		"depot.tool.fetches",
		metric.WithDescription("Number of tool payload fetches"),
	)
	if err != nil {
		return nil, err
	}
	fetchedBytes, err := meter.Int64Counter(
		"depot.tool.fetched.bytes",
		metric.WithDescription("Bytes of tool payloads fetched"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"depot.tool.retries",
		metric.WithDescription("Number of tool fetch retry attempts"),
	)
	if err != nil {
		return nil, err
	}
	reloads, err := meter.Int64Counter(
		"depot.tool.reloads",
		metric.WithDescription("Number of tool catalog reloads"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"depot.tool.latency",
		metric.WithDescription("Tool operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ToolObserver{
		tracer:       tracer,
		transactions: transactions,
		fetches:      fetches,
		fetchedBytes: fetchedBytes,
		retries:      retries,
		reloads:      reloads,
		latency:      latency,
	}, nil
}

func seconds(ms int64) float64 {
	return float64(time.Duration(ms)*time.Millisecond) / float64(time.Second)
}

// ObserveTransaction records one finished transaction.
func (o *ToolObserver) ObserveTransaction(observation tool.TransactionObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", "transaction"),
		attribute.String("kind", string(observation.Kind)),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.transactions.Add(ctx, 1, options)
	o.latency.Record(ctx, seconds(observation.DurationMS), options)

	o.span(ctx, "tool.transaction", observation.ErrorCode,
		append(attrs,
			attribute.Int64("transaction_id", int64(observation.TransactionID)),
			attribute.Int("tools", observation.Tools),
		)...)
}

// ObserveFetch records one payload fetch.
func (o *ToolObserver) ObserveFetch(observation tool.FetchObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", "fetch"),
		attribute.String("tool_id", string(observation.ToolID)),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.fetches.Add(ctx, 1, options)
	o.latency.Record(ctx, seconds(observation.DurationMS), options)
	if observation.Bytes > 0 {
		o.fetchedBytes.Add(ctx, int64(observation.Bytes), metric.WithAttributes(
			attribute.String("tool_id", string(observation.ToolID)),
		))
	}

	o.span(ctx, "tool.fetch", observation.ErrorCode,
		append(attrs, attribute.Int("attempts", observation.Attempts))...)
}

// ObserveRetry records one retry attempt.
func (o *ToolObserver) ObserveRetry(observation tool.RetryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_id", string(observation.ToolID)),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveReload records one catalog reload.
func (o *ToolObserver) ObserveReload(observation tool.ReloadObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", "reload"),
		attribute.Bool("success", observation.ErrorCode == ""),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.reloads.Add(ctx, 1, options)
	o.latency.Record(ctx, seconds(observation.DurationMS), options)

	o.span(ctx, "tool.reload", observation.ErrorCode,
		append(attrs,
			attribute.String("item_id", string(observation.ItemID)),
			attribute.Int("tools", observation.Tools),
			attribute.Int("invalid", observation.Invalid),
		)...)
}

func (o *ToolObserver) span(ctx context.Context, name, errorCode string, attrs ...attribute.KeyValue) {
	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	if errorCode != "" {
		span.SetStatus(codes.Error, errorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var _ tool.Observer = (*ToolObserver)(nil)
