// Package metric provides Prometheus metrics for tablesnap.
//
// It exposes metrics in Prometheus format for monitoring
// save requests, collection timings, snapshot writes, and table size.
package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tablesnap"

// Registry holds all application metrics.
//
// All Record/Observe methods are safe to call on a nil *Registry,
// so components can run without metrics in tests.
type Registry struct {
	registry *prometheus.Registry

	// Save request metrics
	SaveRequests    *prometheus.CounterVec
	SavesDropped    prometheus.Counter
	SavesSuperseded prometheus.Counter
	SavesCompleted  prometheus.Counter

	// Collection metrics
	CollectDuration      prometheus.Histogram
	LongestBlockDuration prometheus.Histogram
	CollectSteps         prometheus.Histogram
	SnapshotEntities     prometheus.Gauge

	// Write metrics
	SnapshotWrites        *prometheus.CounterVec
	SnapshotWriteDuration prometheus.Histogram
	SnapshotSize          prometheus.Gauge
	LastWrittenGeneration prometheus.Gauge
}

// blockBuckets covers sub-millisecond to one second steps.
var blockBuckets = []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// NewRegistry creates a new metrics registry with Go runtime and
// process collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		registry: reg,
		SaveRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "requests_total",
			Help:      "Save requests by urgency.",
		}, []string{"urgency"}),
		SavesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "dropped_total",
			Help:      "Background save requests dropped because a collection was running.",
		}),
		SavesSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "superseded_total",
			Help:      "Collections aborted in favor of a blocking save.",
		}),
		SavesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "completed_total",
			Help:      "Collections that produced a snapshot.",
		}),
		CollectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "collect_duration_seconds",
			Help:      "Total copy time of a collection, excluding yields.",
			Buckets:   prometheus.DefBuckets,
		}),
		LongestBlockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "longest_block_seconds",
			Help:      "Longest uninterrupted copy step of a collection.",
			Buckets:   blockBuckets,
		}),
		CollectSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "collect_steps",
			Help:      "Number of batch steps per collection.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		SnapshotEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "entities",
			Help:      "Entities in the last collected snapshot.",
		}),
		SnapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "writes_total",
			Help:      "Snapshot writes by result.",
		}, []string{"result"}),
		SnapshotWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "write_duration_seconds",
			Help:      "Time spent persisting a snapshot.",
			Buckets:   prometheus.DefBuckets,
		}),
		SnapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "size_bytes",
			Help:      "Size of the last written snapshot.",
		}),
		LastWrittenGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "last_generation",
			Help:      "Generation of the last written snapshot.",
		}),
	}

	reg.MustRegister(
		r.SaveRequests,
		r.SavesDropped,
		r.SavesSuperseded,
		r.SavesCompleted,
		r.CollectDuration,
		r.LongestBlockDuration,
		r.CollectSteps,
		r.SnapshotEntities,
		r.SnapshotWrites,
		r.SnapshotWriteDuration,
		r.SnapshotSize,
		r.LastWrittenGeneration,
	)
	return r
}

var (
	globalOnce     sync.Once
	globalRegistry *Registry
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// Handler returns an HTTP handler for the global registry.
func Handler() http.Handler {
	return Global().Handler()
}

// Handler returns an HTTP handler for /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// MustRegister registers additional collectors.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.registry.MustRegister(cs...)
}

// Prometheus returns the underlying registry, e.g. for sinks that
// export their own metrics.
func (r *Registry) Prometheus() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RecordSaveRequest counts a save request of the given urgency.
func (r *Registry) RecordSaveRequest(urgency string) {
	if r == nil {
		return
	}
	r.SaveRequests.WithLabelValues(urgency).Inc()
}

// IncSaveDropped counts a dropped background save.
func (r *Registry) IncSaveDropped() {
	if r == nil {
		return
	}
	r.SavesDropped.Inc()
}

// IncSaveSuperseded counts an aborted collection.
func (r *Registry) IncSaveSuperseded() {
	if r == nil {
		return
	}
	r.SavesSuperseded.Inc()
}

// ObserveCollection records a finished collection.
func (r *Registry) ObserveCollection(collectSeconds, longestBlockSeconds float64, steps, entities int) {
	if r == nil {
		return
	}
	r.SavesCompleted.Inc()
	r.CollectDuration.Observe(collectSeconds)
	r.LongestBlockDuration.Observe(longestBlockSeconds)
	r.CollectSteps.Observe(float64(steps))
	r.SnapshotEntities.Set(float64(entities))
}

// ObserveSnapshotWrite records a snapshot write attempt.
func (r *Registry) ObserveSnapshotWrite(seconds float64, size int64, generation uint64, err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.SnapshotWrites.WithLabelValues("error").Inc()
		return
	}
	r.SnapshotWrites.WithLabelValues("ok").Inc()
	r.SnapshotWriteDuration.Observe(seconds)
	r.SnapshotSize.Set(float64(size))
	r.LastWrittenGeneration.Set(float64(generation))
}

// IncSnapshotSkipped counts a write skipped because a newer snapshot
// was already persisted.
func (r *Registry) IncSnapshotSkipped() {
	if r == nil {
		return
	}
	r.SnapshotWrites.WithLabelValues("skipped").Inc()
}
