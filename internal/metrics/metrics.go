// Package metrics exposes Prometheus collectors for the autosave pipeline and the HTTP surface.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blocknotes"

// Save cycle outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeNoop      = "noop"
	OutcomeNotFound  = "page_not_found"
	OutcomeFailed    = "failed"
)

// Collectors groups the application's metrics. A nil *Collectors is valid and records nothing.
type Collectors struct {
	registry       *prometheus.Registry
	saveCycles     *prometheus.CounterVec
	saveOperations *prometheus.CounterVec
	saveDuration   prometheus.Histogram
	saveRetries    prometheus.Counter
	editorSessions prometheus.Gauge
}

// NewCollectors registers every collector on a fresh registry together with the Go and process collectors.
func NewCollectors() (*Collectors, error) {
	registry := prometheus.NewRegistry()
	set := &Collectors{
		registry: registry,
		saveCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autosave",
			Name:      "cycles_total",
			Help:      "Save cycles by outcome.",
		}, []string{"outcome"}),
		saveOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autosave",
			Name:      "operations_total",
			Help:      "Block operations committed by kind.",
		}, []string{"kind"}),
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "autosave",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of save cycles including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		saveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autosave",
			Name:      "retries_total",
			Help:      "Commit attempts retried after a write failure.",
		}),
		editorSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "editor",
			Name:      "sessions",
			Help:      "Connected editor sessions.",
		}),
	}

	toRegister := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		set.saveCycles,
		set.saveOperations,
		set.saveDuration,
		set.saveRetries,
		set.editorSessions,
	}
	var registerErr error
	for _, collector := range toRegister {
		registerErr = errors.Join(registerErr, registry.Register(collector))
	}
	if registerErr != nil {
		return nil, registerErr
	}
	return set, nil
}

// ObserveSave records the outcome of one save cycle.
func (c *Collectors) ObserveSave(outcome string, elapsed time.Duration, creates, updates, deletes int) {
	if c == nil {
		return
	}
	c.saveCycles.WithLabelValues(outcome).Inc()
	c.saveDuration.Observe(elapsed.Seconds())
	if outcome != OutcomeCommitted {
		return
	}
	c.saveOperations.WithLabelValues("create").Add(float64(creates))
	c.saveOperations.WithLabelValues("update").Add(float64(updates))
	c.saveOperations.WithLabelValues("delete").Add(float64(deletes))
}

// ObserveRetry counts one retried commit attempt.
func (c *Collectors) ObserveRetry() {
	if c == nil {
		return
	}
	c.saveRetries.Inc()
}

// EditorSessionOpened increments the connected session gauge.
func (c *Collectors) EditorSessionOpened() {
	if c == nil {
		return
	}
	c.editorSessions.Inc()
}

// EditorSessionClosed decrements the connected session gauge.
func (c *Collectors) EditorSessionClosed() {
	if c == nil {
		return
	}
	c.editorSessions.Dec()
}

// Gatherer exposes the underlying registry.
func (c *Collectors) Gatherer() prometheus.Gatherer {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

// Handler serves the exposition format for this registry.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{})
}
