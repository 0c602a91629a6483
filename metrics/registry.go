// Package metrics is the in-house instrumentation surface (spec §6):
// named counters, gauges, and histograms that every component reaches
// for instead of hand-rolling its own atomic fields, generalized from
// eventing/monitoring.Metrics's fixed-field-per-stat shape into a
// name-keyed registry so new spec components can register their own
// series without editing a shared struct.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Registry owns every named metric a process emits. It is safe for
// concurrent use; metrics are created lazily on first access and kept
// for the process lifetime.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter returns (creating if needed) the monotonically increasing
// counter named name.
func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &Counter{}
		r.counters[name] = c
	}
	return c
}

// Gauge returns (creating if needed) the gauge named name.
func (r *Registry) Gauge(name string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gauges[name]
	if !ok {
		g = &Gauge{}
		r.gauges[name] = g
	}
	return g
}

// Histogram returns (creating if needed) the histogram named name.
func (r *Registry) Histogram(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		h = newHistogram()
		r.histograms[name] = h
	}
	return h
}

// Snapshot returns a point-in-time view of every series keyed by name,
// for admin/debug surfaces. The result is a map and has no order; Names
// returns the sorted list of names.
func (r *Registry) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]any, len(r.counters)+len(r.gauges)+len(r.histograms))
	for name, c := range r.counters {
		out[name] = c.Value()
	}
	for name, g := range r.gauges {
		out[name] = g.Value()
	}
	for name, h := range r.histograms {
		out[name] = h.Snapshot()
	}
	return out
}

// Names returns every registered metric name, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.counters)+len(r.gauges)+len(r.histograms))
	for n := range r.counters {
		names = append(names, n)
	}
	for n := range r.gauges {
		names = append(names, n)
	}
	for n := range r.histograms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Counter is a lock-free monotonic counter.
type Counter struct{ v int64 }

func (c *Counter) Inc()           { atomic.AddInt64(&c.v, 1) }
func (c *Counter) Add(n int64)    { atomic.AddInt64(&c.v, n) }
func (c *Counter) Value() int64   { return atomic.LoadInt64(&c.v) }

// Gauge is a lock-free point-in-time value.
type Gauge struct{ v int64 }

func (g *Gauge) Set(n int64)    { atomic.StoreInt64(&g.v, n) }
func (g *Gauge) Inc()           { atomic.AddInt64(&g.v, 1) }
func (g *Gauge) Dec()           { atomic.AddInt64(&g.v, -1) }
func (g *Gauge) Value() int64   { return atomic.LoadInt64(&g.v) }

// Histogram tracks count/sum plus fixed-bucket counts, enough for a
// throughput/latency summary without pulling in a client-side quantile
// sketch (open question: histograms over decaying quantile gauges, see
// DESIGN.md).
type Histogram struct {
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []float64 // upper bounds, ascending
	counts  []int64   // counts[i] = observations <= buckets[i]
}

var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

func newHistogram() *Histogram {
	return &Histogram{buckets: defaultBuckets, counts: make([]int64, len(defaultBuckets))}
}

// Observe records one sample (seconds, by convention, matching the
// spec's *_duration_seconds metric names).
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, upper := range h.buckets {
		if v <= upper {
			h.counts[i]++
		}
	}
}

// HistogramSnapshot is a read-only view of a Histogram's state.
type HistogramSnapshot struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64
}

// Mean returns the running average, or 0 if no samples were observed.
func (s HistogramSnapshot) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Snapshot returns a copy of the histogram's current state.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make(map[float64]int64, len(h.buckets))
	for i, upper := range h.buckets {
		buckets[upper] = h.counts[i]
	}
	return HistogramSnapshot{Count: h.count, Sum: h.sum, Buckets: buckets}
}
