package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instrument records a span, an operation counter, a duration histogram
// and an error counter for the operations of one component. With
// telemetry disabled every call goes to no-op providers.
type Instrument struct {
	prefix string
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// NewInstrument returns an instrument whose metrics are named
// <prefix>.operations, <prefix>.operation.duration and <prefix>.errors.
func NewInstrument(scope, prefix string) *Instrument {
	m := Meter(scope)
	ops, _ := m.Int64Counter(prefix+".operations",
		metric.WithDescription("Total operations executed"),
	)
	dur, _ := m.Float64Histogram(prefix+".operation.duration",
		metric.WithDescription("Operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter(prefix+".errors",
		metric.WithDescription("Total operation errors"),
	)
	return &Instrument{prefix: prefix, tracer: Tracer(scope), ops: ops, dur: dur, errs: errs}
}

// Start opens a span for the named operation. The returned function ends
// it, recording err when non-nil.
func (in *Instrument) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	all := append([]attribute.KeyValue{attribute.String("smit.operation", name)}, attrs...)
	ctx, span := in.tracer.Start(ctx, in.prefix+"."+name, trace.WithAttributes(all...))
	in.ops.Add(ctx, 1, metric.WithAttributes(all...))
	start := time.Now()
	return ctx, func(err error) {
		in.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(all...))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			in.errs.Add(ctx, 1, metric.WithAttributes(all...))
		}
		span.End()
	}
}
