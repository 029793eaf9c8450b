package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instruments are the counters the session service and auth gate record.
type Instruments struct {
	EventsAppended   metric.Int64Counter
	Conflicts        metric.Int64Counter
	ProjectionErrors metric.Int64Counter
	Repairs          metric.Int64Counter
	AuthRejections   metric.Int64Counter
}

// NewInstruments creates the counters on meter. A nil meter yields no-op instruments.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("sessions")
	}
	var (
		in  Instruments
		err error
	)
	if in.EventsAppended, err = meter.Int64Counter("sessions.events.appended",
		metric.WithDescription("Domain events committed to the event store.")); err != nil {
		return nil, err
	}
	if in.Conflicts, err = meter.Int64Counter("sessions.append.conflicts",
		metric.WithDescription("Appends rejected by the expected-version check.")); err != nil {
		return nil, err
	}
	if in.ProjectionErrors, err = meter.Int64Counter("sessions.projection.errors",
		metric.WithDescription("Projection upserts that failed after retries.")); err != nil {
		return nil, err
	}
	if in.Repairs, err = meter.Int64Counter("sessions.projection.repairs",
		metric.WithDescription("Summaries rewritten by the reconciliation sweep.")); err != nil {
		return nil, err
	}
	if in.AuthRejections, err = meter.Int64Counter("sessions.auth.rejections",
		metric.WithDescription("Requests rejected by the auth gate.")); err != nil {
		return nil, err
	}
	return &in, nil
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	in, _ := NewInstruments(nil)
	return in
}

// Add records n on c with an operation attribute. Nil counters are ignored.
func Add(ctx context.Context, c metric.Int64Counter, n int64, op string) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attribute.String("operation", op)))
}
