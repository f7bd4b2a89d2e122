package metrics

import (
	"math"
	"sync"
	"sync/atomic"
)

// BasicProvider keeps every instrument in memory. Instruments are created on
// first use and looked up by name afterwards, which makes it convenient for
// asserting on counts in tests.
type BasicProvider struct {
	counters   registry[*BasicCounter]
	updowns    registry[*BasicUpDownCounter]
	histograms registry[*BasicHistogram]
}

// NewBasicProvider constructs an empty BasicProvider.
func NewBasicProvider() *BasicProvider {
	return &BasicProvider{
		counters:   registry[*BasicCounter]{newFn: func() *BasicCounter { return &BasicCounter{} }},
		updowns:    registry[*BasicUpDownCounter]{newFn: func() *BasicUpDownCounter { return &BasicUpDownCounter{} }},
		histograms: registry[*BasicHistogram]{newFn: newBasicHistogram},
	}
}

// Counter returns the counter registered under name, creating it once.
func (p *BasicProvider) Counter(name string, opts ...InstrumentOption) Counter {
	return p.counters.get(name, opts)
}

// UpDownCounter returns the up/down counter registered under name, creating it once.
func (p *BasicProvider) UpDownCounter(name string, opts ...InstrumentOption) UpDownCounter {
	return p.updowns.get(name, opts)
}

// Histogram returns the histogram registered under name, creating it once.
func (p *BasicProvider) Histogram(name string, opts ...InstrumentOption) Histogram {
	return p.histograms.get(name, opts)
}

// CounterValue returns the current value of the named counter, 0 if it was never created.
func (p *BasicProvider) CounterValue(name string) int64 {
	if c, ok := p.counters.lookup(name); ok {
		return c.Snapshot()
	}
	return 0
}

// UpDownValue returns the current value of the named up/down counter, 0 if it was never created.
func (p *BasicProvider) UpDownValue(name string) int64 {
	if u, ok := p.updowns.lookup(name); ok {
		return u.Snapshot()
	}
	return 0
}

// HistogramSnapshot returns the named histogram's state; ok is false if it was never created.
func (p *BasicProvider) HistogramSnapshot(name string) (HistSnapshot, bool) {
	if h, ok := p.histograms.lookup(name); ok {
		return h.Snapshot(), true
	}
	return HistSnapshot{}, false
}

// Config returns the options the named instrument was created with.
func (p *BasicProvider) Config(name string) (InstrumentConfig, bool) {
	for _, lookup := range []func(string) (InstrumentConfig, bool){
		p.counters.config, p.updowns.config, p.histograms.config,
	} {
		if cfg, ok := lookup(name); ok {
			return cfg, true
		}
	}
	return InstrumentConfig{}, false
}

type registry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	meta  map[string]InstrumentConfig
	newFn func() T
}

func (r *registry[T]) lookup(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[name]
	return it, ok
}

func (r *registry[T]) config(name string) (InstrumentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.meta[name]
	return cfg, ok
}

func (r *registry[T]) get(name string, opts []InstrumentOption) T {
	if it, ok := r.lookup(name); ok {
		return it
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// re-check after acquiring write lock
	if it, ok := r.items[name]; ok {
		return it
	}
	if r.items == nil {
		r.items = make(map[string]T)
		r.meta = make(map[string]InstrumentConfig)
	}
	it := r.newFn()
	r.items[name] = it
	r.meta[name] = applyOptions(opts)
	return it
}

// BasicCounter is a thread-safe monotonic counter.
type BasicCounter struct {
	val atomic.Int64
}

// Add increments the counter by n.
func (c *BasicCounter) Add(n int64) { c.val.Add(n) }

// Snapshot returns the current value.
func (c *BasicCounter) Snapshot() int64 { return c.val.Load() }

// BasicUpDownCounter is a thread-safe up/down counter.
type BasicUpDownCounter struct {
	val atomic.Int64
}

// Add adds n (positive or negative) to the current value.
func (u *BasicUpDownCounter) Add(n int64) { u.val.Add(n) }

// Snapshot returns the current value.
func (u *BasicUpDownCounter) Snapshot() int64 { return u.val.Load() }

// BasicHistogram tracks count, sum, min and max. It keeps no buckets.
type BasicHistogram struct {
	mu    sync.Mutex
	count int64
	sum   float64
	min   float64
	max   float64
}

func newBasicHistogram() *BasicHistogram {
	return &BasicHistogram{min: math.Inf(1), max: math.Inf(-1)}
}

// Record adds a measurement to the histogram.
func (h *BasicHistogram) Record(v float64) {
	h.mu.Lock()
	h.min = math.Min(h.min, v)
	h.max = math.Max(h.max, v)
	h.count++
	h.sum += v
	h.mu.Unlock()
}

// HistSnapshot is an immutable snapshot of a BasicHistogram.
type HistSnapshot struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Mean  float64
}

// Snapshot returns a copy of the histogram state at the time of call.
func (h *BasicHistogram) Snapshot() HistSnapshot {
	h.mu.Lock()
	s := HistSnapshot{Count: h.count, Sum: h.sum, Min: h.min, Max: h.max}
	h.mu.Unlock()
	if s.Count > 0 {
		s.Mean = s.Sum / float64(s.Count)
	}
	return s
}
