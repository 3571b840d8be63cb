package metrics

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// Expvar publishes aggregate timings and counters via expvar.
// Durations are totals in milliseconds per operation.
type Expvar struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
	counters  map[string]int64
}

// ExpvarSnapshot is a read-only copy of the recorded values.
type ExpvarSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	Counters    map[string]int64            `json:"counters"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvar publishes a recorder under name, generating one when empty.
func NewExpvar(name string) *Expvar {
	if name == "" {
		name = fmt.Sprintf("censo_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &Expvar{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
		counters:  make(map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name returns the expvar export name.
func (r *Expvar) Name() string { return r.name }

// Snapshot copies the current values.
func (r *Expvar) Snapshot() ExpvarSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	durations := make(map[string]float64, len(r.durations))
	for op, total := range r.durations {
		durations[op] = total
	}
	results := make(map[string]map[string]int64, len(r.results))
	for op, byStatus := range r.results {
		cpy := make(map[string]int64, len(byStatus))
		for s, n := range byStatus {
			cpy[s] = n
		}
		results[op] = cpy
	}
	counters := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	return ExpvarSnapshot{DurationsMS: durations, Results: results, Counters: counters, RecordedAt: time.Now().UTC()}
}

func (r *Expvar) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	r.mu.Lock()
	r.durations[operation] += ms
	if _, ok := r.results[operation]; !ok {
		r.results[operation] = make(map[string]int64, 2)
	}
	r.results[operation][status(success)]++
	r.mu.Unlock()
}

func (r *Expvar) CacheLookup(hit bool) {
	if hit {
		r.incr("cache.hit")
		return
	}
	r.incr("cache.miss")
}

func (r *Expvar) Retry(operation string) { r.incr("retry." + operation) }

func (r *Expvar) Skipped(reason string) { r.incr("skipped." + reason) }

func (r *Expvar) incr(key string) {
	r.mu.Lock()
	r.counters[key]++
	r.mu.Unlock()
}
