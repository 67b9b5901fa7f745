// Package metrics exposes Prometheus collectors for synthesis scheduling and
// the audio cache. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "narrator"

// Synthesis outcomes used as label values.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeCached   = "cached"
)

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth      prometheus.Gauge
	queueDropped    prometheus.Counter
	dedupHits       prometheus.Counter
	inFlight        *prometheus.GaugeVec
	synthTotal      *prometheus.CounterVec
	synthDuration   *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cacheBytes      prometheus.Gauge
	cacheEntries    prometheus.Gauge
	evictions       prometheus.Counter
	compressionJobs *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "synth",
			Name:      "queue_depth",
			Help:      "Number of synthesis requests waiting in the queue",
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synth",
			Name:      "queue_dropped_total",
			Help:      "Requests dropped because the queue was full",
		}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synth",
			Name:      "deduplicated_total",
			Help:      "Segments attached to an already queued or in-flight request",
		}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "synth",
			Name:      "in_flight",
			Help:      "Synthesis calls currently running",
		}, []string{"backend"}),
		synthTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synth",
			Name:      "requests_total",
			Help:      "Completed synthesis requests by outcome",
		}, []string{"backend", "outcome"}),
		synthDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "synth",
			Name:      "duration_seconds",
			Help:      "Time spent in the synthesis backend",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"backend"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Lookups answered from the cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Lookups that required synthesis",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "size_bytes",
			Help:      "Total tracked size of cached artifacts",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of tracked cache entries",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted to satisfy the quota",
		}),
		compressionJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "compression_jobs_total",
			Help:      "Finished compression jobs by outcome",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueDepth,
		m.queueDropped,
		m.dedupHits,
		m.inFlight,
		m.synthTotal,
		m.synthDuration,
		m.cacheHits,
		m.cacheMisses,
		m.cacheBytes,
		m.cacheEntries,
		m.evictions,
		m.compressionJobs,
	)
	return m
}

// Registry returns the registry to serve.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetQueueDepth records the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// QueueDropped counts a request dropped on overflow.
func (m *Metrics) QueueDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

// Deduplicated counts a segment folded into an existing request.
func (m *Metrics) Deduplicated() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}

// SynthesisStarted increments the in-flight gauge for backend.
func (m *Metrics) SynthesisStarted(backend string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(backend).Inc()
}

// SynthesisFinished decrements the in-flight gauge and records the outcome.
func (m *Metrics) SynthesisFinished(backend, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(backend).Dec()
	m.synthTotal.WithLabelValues(backend, outcome).Inc()
	if outcome != OutcomeCached {
		m.synthDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
	}
}

// CacheLookup counts a hit or a miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		return
	}
	m.cacheMisses.Inc()
}

// SetCacheUsage records the tracked size and entry count.
func (m *Metrics) SetCacheUsage(bytes int64, entries int) {
	if m == nil {
		return
	}
	m.cacheBytes.Set(float64(bytes))
	m.cacheEntries.Set(float64(entries))
}

// Evicted counts evicted entries.
func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
}

// CompressionFinished counts a finished compression job.
func (m *Metrics) CompressionFinished(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.compressionJobs.WithLabelValues(OutcomeSuccess).Inc()
		return
	}
	m.compressionJobs.WithLabelValues(OutcomeFailure).Inc()
}
