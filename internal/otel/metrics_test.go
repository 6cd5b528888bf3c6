package otel

import (
	"context"
	"testing"
	"time"

	"github.com/almacen/mayordomo/internal/obs"
)

func TestNewMetricsInstruments(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.events == nil || m.durations == nil {
		t.Fatal("instruments not created")
	}

	// Recording must not panic on a live provider.
	m.Count("pipeline.messages", 1)
	m.Timing("pipeline.turn", 120*time.Millisecond)
}

func TestNewMetricsNoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.Count("x", 1)
	m.Timing("t", time.Millisecond)
}

func TestMetricsAsObsMirror(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	reg := obs.NewRegistry()
	reg.SetMirror(m)
	reg.Inc("bridge.messages", 1)
	reg.Observe("executor.duration", 50*time.Millisecond)

	snap := reg.Snapshot()
	if snap.Counters["bridge.messages"] != 1 {
		t.Fatalf("registry counter lost: %+v", snap.Counters)
	}
}
