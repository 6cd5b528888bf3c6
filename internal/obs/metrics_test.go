package obs

import (
	"strings"
	"testing"
	"time"
)

func TestRegistry_CountersAccumulate(t *testing.T) {
	r := NewRegistry()
	r.Inc("messages.received", 1)
	r.Inc("messages.received", 2)
	r.Inc("queue.rejected.chat", 1)

	snap := r.Snapshot()
	if snap.Counters["messages.received"] != 3 {
		t.Fatalf("messages.received = %d", snap.Counters["messages.received"])
	}
	if snap.Counters["queue.rejected.chat"] != 1 {
		t.Fatalf("queue.rejected.chat = %d", snap.Counters["queue.rejected.chat"])
	}
}

func TestRegistry_TimingPercentiles(t *testing.T) {
	r := NewRegistry()
	for i := 1; i <= 100; i++ {
		r.Observe("handler.gmail", time.Duration(i)*time.Millisecond)
	}
	snap := r.Snapshot()
	s, ok := snap.Timings["handler.gmail"]
	if !ok {
		t.Fatal("missing timing series")
	}
	if s.Count != 100 {
		t.Fatalf("count = %d", s.Count)
	}
	if s.P50Ms < 40 || s.P50Ms > 60 {
		t.Fatalf("p50 = %v", s.P50Ms)
	}
	if s.P95Ms < 90 || s.P95Ms > 100 {
		t.Fatalf("p95 = %v", s.P95Ms)
	}
	if s.MaxMs != 100 {
		t.Fatalf("max = %v", s.MaxMs)
	}
}

func TestRegistry_ReservoirBounded(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < reservoirSize*2; i++ {
		r.Observe("x", time.Millisecond)
	}
	if got := r.Snapshot().Timings["x"].Count; got != reservoirSize {
		t.Fatalf("count = %d, want %d", got, reservoirSize)
	}
}

func TestRegistry_PrometheusFormat(t *testing.T) {
	r := NewRegistry()
	r.Inc("router.decisions", 5)
	r.Observe("message.duration", 20*time.Millisecond)

	out := r.Prometheus()
	if !strings.Contains(out, "mayordomo_router_decisions 5") {
		t.Fatalf("missing counter line:\n%s", out)
	}
	if !strings.Contains(out, `mayordomo_message_duration_ms{quantile="0.5"}`) {
		t.Fatalf("missing quantile line:\n%s", out)
	}
	if !strings.Contains(out, "mayordomo_uptime_seconds") {
		t.Fatalf("missing uptime line:\n%s", out)
	}
}

func TestRegistry_ConcurrentSafe(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			for i := 0; i < 100; i++ {
				r.Inc("c", 1)
				r.Observe("t", time.Microsecond)
			}
			done <- struct{}{}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	if got := r.Snapshot().Counters["c"]; got != 800 {
		t.Fatalf("counter = %d, want 800", got)
	}
}
