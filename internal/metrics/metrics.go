// Package metrics records operation timings and counters for the census
// pipeline. Components depend on the Recorder interface; the Prometheus
// implementation backs the /metrics endpoint and the expvar one serves
// deployments without a scraper.
package metrics

import (
	"context"
	"time"
)

// Operation names recorded by the pipeline.
const (
	OpResolve = "catalog.resolve"
	OpExecute = "engine.execute"
	OpLoad    = "layer.load"
	OpSQL     = "layer.sql"
	OpPreload = "catalog.preload"
)

// Recorder observes operation outcomes and a few pipeline counters.
type Recorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	CacheLookup(hit bool)
	Retry(operation string)
	Skipped(reason string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Observe(context.Context, string, bool, time.Duration) {}
func (Nop) CacheLookup(bool)                                     {}
func (Nop) Retry(string)                                         {}
func (Nop) Skipped(string)                                       {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
