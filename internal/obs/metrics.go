// Package obs keeps lightweight in-process counters and timings for the
// gateway's metrics endpoints. It complements, not replaces, the OTel
// instruments: these snapshots are what /metrics serves without an external
// collector.
package obs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const reservoirSize = 512

// Mirror receives a copy of every recorded sample. Used to forward the
// registry onto OTel instruments without the components knowing about it.
type Mirror interface {
	Count(name string, delta int64)
	Timing(name string, d time.Duration)
}

// Registry accumulates named counters and duration samples.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string][]time.Duration
	started  time.Time
	mirror   Mirror
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		timings:  make(map[string][]time.Duration),
		started:  time.Now(),
	}
}

// SetMirror forwards all future samples to m. Call before the pipeline
// starts; the field is not guarded against concurrent replacement.
func (r *Registry) SetMirror(m Mirror) {
	r.mirror = m
}

// Inc adds delta to the named counter.
func (r *Registry) Inc(name string, delta int64) {
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
	if r.mirror != nil {
		r.mirror.Count(name, delta)
	}
}

// Observe records one duration sample. Older samples are evicted once the
// per-name reservoir fills.
func (r *Registry) Observe(name string, d time.Duration) {
	r.mu.Lock()
	samples := r.timings[name]
	if len(samples) >= reservoirSize {
		samples = samples[1:]
	}
	r.timings[name] = append(samples, d)
	r.mu.Unlock()
	if r.mirror != nil {
		r.mirror.Timing(name, d)
	}
}

// Time runs fn and records its duration under name.
func (r *Registry) Time(name string, fn func()) {
	start := time.Now()
	fn()
	r.Observe(name, time.Since(start))
}

// TimingSummary is a percentile snapshot of one timing series.
type TimingSummary struct {
	Count int     `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	UptimeSec float64                  `json:"uptime_sec"`
	Counters  map[string]int64         `json:"counters"`
	Timings   map[string]TimingSummary `json:"timings"`
}

// Snapshot copies all counters and summarizes all timing series.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		UptimeSec: time.Since(r.started).Seconds(),
		Counters:  make(map[string]int64, len(r.counters)),
		Timings:   make(map[string]TimingSummary, len(r.timings)),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, samples := range r.timings {
		snap.Timings[k] = summarize(samples)
	}
	return snap
}

func summarize(samples []time.Duration) TimingSummary {
	if len(samples) == 0 {
		return TimingSummary{}
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return TimingSummary{
		Count: len(sorted),
		P50Ms: ms(percentile(sorted, 0.50)),
		P95Ms: ms(percentile(sorted, 0.95)),
		MaxMs: ms(sorted[len(sorted)-1]),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Prometheus renders the snapshot in text exposition format. Counter names
// have dots replaced with underscores; timing series expose _p50/_p95/_count.
func (r *Registry) Prometheus() string {
	snap := r.Snapshot()
	var b strings.Builder

	names := make([]string, 0, len(snap.Counters))
	for k := range snap.Counters {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		metric := promName(name)
		fmt.Fprintf(&b, "# TYPE %s counter\n%s %d\n", metric, metric, snap.Counters[name])
	}

	tnames := make([]string, 0, len(snap.Timings))
	for k := range snap.Timings {
		tnames = append(tnames, k)
	}
	sort.Strings(tnames)
	for _, name := range tnames {
		s := snap.Timings[name]
		metric := promName(name)
		fmt.Fprintf(&b, "# TYPE %s_ms gauge\n", metric)
		fmt.Fprintf(&b, "%s_ms{quantile=\"0.5\"} %g\n", metric, s.P50Ms)
		fmt.Fprintf(&b, "%s_ms{quantile=\"0.95\"} %g\n", metric, s.P95Ms)
		fmt.Fprintf(&b, "%s_count %d\n", metric, s.Count)
	}

	fmt.Fprintf(&b, "# TYPE mayordomo_uptime_seconds gauge\nmayordomo_uptime_seconds %g\n", snap.UptimeSec)
	return b.String()
}

func promName(name string) string {
	replaced := strings.NewReplacer(".", "_", "-", "_").Replace(name)
	return "mayordomo_" + replaced
}
