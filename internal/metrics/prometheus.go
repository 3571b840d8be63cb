package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements Recorder with client_golang collectors.
type Prometheus struct {
	gatherer  prometheus.Gatherer
	durations *prometheus.HistogramVec
	cache     *prometheus.CounterVec
	retries   *prometheus.CounterVec
	skipped   *prometheus.CounterVec
}

// NewPrometheus registers the censo collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		gatherer: reg,
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "censo",
			Name:      "operation_duration_seconds",
			Help:      "Duration of pipeline operations.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 180},
		}, []string{"operation", "status"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "censo",
			Name:      "category_cache_lookups_total",
			Help:      "Category cache lookups by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "censo",
			Name:      "retries_total",
			Help:      "Retried attempts by operation.",
		}, []string{"operation"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "censo",
			Name:      "skipped_total",
			Help:      "Skipped variables and rows by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(p.durations, p.cache, p.retries, p.skipped)
	return p
}

func (p *Prometheus) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	p.durations.WithLabelValues(operation, status(success)).Observe(duration.Seconds())
}

func (p *Prometheus) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cache.WithLabelValues(result).Inc()
}

func (p *Prometheus) Retry(operation string) { p.retries.WithLabelValues(operation).Inc() }

func (p *Prometheus) Skipped(reason string) { p.skipped.WithLabelValues(reason).Inc() }

// Gatherer exposes the underlying registry, mostly for tests.
func (p *Prometheus) Gatherer() prometheus.Gatherer { return p.gatherer }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
