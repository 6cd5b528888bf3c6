package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics mirrors the in-process obs registry onto OTel instruments so an
// external collector sees the same counters the /metrics endpoints serve.
// Series are distinguished by a name attribute rather than one instrument
// per counter; the registry owns the name vocabulary.
type Metrics struct {
	events    metric.Int64Counter
	durations metric.Float64Histogram
}

// NewMetrics creates the mirror instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	events, err := meter.Int64Counter("mayordomo.events",
		metric.WithDescription("Internal counters, keyed by the mayordomo.counter attribute"),
	)
	if err != nil {
		return nil, err
	}
	durations, err := meter.Float64Histogram("mayordomo.duration",
		metric.WithDescription("Internal timings, keyed by the mayordomo.timing attribute"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{events: events, durations: durations}, nil
}

// Count records one counter increment. Satisfies the obs mirror contract.
func (m *Metrics) Count(name string, delta int64) {
	m.events.Add(context.Background(), delta, metric.WithAttributes(AttrCounter.String(name)))
}

// Timing records one duration sample. Satisfies the obs mirror contract.
func (m *Metrics) Timing(name string, d time.Duration) {
	m.durations.Record(context.Background(), d.Seconds(), metric.WithAttributes(AttrTiming.String(name)))
}
