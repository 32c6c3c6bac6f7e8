// Package metrics exposes Prometheus instrumentation for configuration
// resolution, document fetching and live updates.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tsrlib"

// Recorder records engine metrics on a private registry. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	initializations *prometheus.CounterVec
	reloads         *prometheus.CounterVec
	updates         prometheus.Counter
	sourceLoads     *prometheus.CounterVec
	fetchAttempts   *prometheus.CounterVec
	watchDropped    prometheus.Counter
}

// New creates a Recorder and registers its collectors. If registry is nil a
// fresh one is created.
func New(registry *prometheus.Registry) *Recorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	r := &Recorder{
		registry: registry,
		initializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "initializations_total",
			Help:      "Configuration initialization passes by outcome.",
		}, []string{"outcome"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Configuration reloads by outcome.",
		}, []string{"outcome"}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "updates_total",
			Help:      "Values written through UpdateValue.",
		}),
		sourceLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "source_loads_total",
			Help:      "External configuration documents loaded, by format and outcome.",
		}, []string{"format", "outcome"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Remote document fetch attempts by outcome.",
		}, []string{"outcome"}),
		watchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "watch_dropped_total",
			Help:      "Change records dropped because a watcher was not keeping up.",
		}),
	}

	registry.MustRegister(
		r.initializations,
		r.reloads,
		r.updates,
		r.sourceLoads,
		r.fetchAttempts,
		r.watchDropped,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (r *Recorder) Initialization(outcome string) {
	if r == nil {
		return
	}
	r.initializations.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Reload(outcome string) {
	if r == nil {
		return
	}
	r.reloads.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Update() {
	if r == nil {
		return
	}
	r.updates.Inc()
}

func (r *Recorder) SourceLoad(format, outcome string) {
	if r == nil {
		return
	}
	r.sourceLoads.WithLabelValues(format, outcome).Inc()
}

func (r *Recorder) FetchAttempt(outcome string) {
	if r == nil {
		return
	}
	r.fetchAttempts.WithLabelValues(outcome).Inc()
}

func (r *Recorder) WatchDropped() {
	if r == nil {
		return
	}
	r.watchDropped.Inc()
}
