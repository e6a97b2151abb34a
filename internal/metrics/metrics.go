// Package metrics exposes Prometheus instrumentation for the façade and
// its cache engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the orchestrator and cache.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec

	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec
	CacheSizeGauge      *prometheus.GaugeVec
}

// New creates metrics registered with the default registerer.
func New(namespace string) *Metrics {
	return NewWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates metrics registered with the provided
// registerer, so callers can route them to their own registry.
func NewWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "aegis"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "table", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_duration_seconds",
				Help:      "Storage operation latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "errors_total",
				Help:      "Total number of failed storage operations",
			},
			[]string{"operation"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"layer"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"layer"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Total number of cache evictions",
			},
			[]string{"layer", "policy"},
		),
		CacheSizeGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Current number of entries per cache layer",
			},
			[]string{"layer"},
		),
	}

	// Duplicate registration is tolerated: descriptors are identical when
	// two façades share a registry.
	_ = registerer.Register(m.OperationsTotal)
	_ = registerer.Register(m.OperationDuration)
	_ = registerer.Register(m.ErrorsTotal)
	_ = registerer.Register(m.CacheHitsTotal)
	_ = registerer.Register(m.CacheMissesTotal)
	_ = registerer.Register(m.CacheEvictionsTotal)
	_ = registerer.Register(m.CacheSizeGauge)

	return m
}

// Nop returns metrics backed by an isolated registry, for tests and for
// components constructed without instrumentation.
func Nop() *Metrics {
	return NewWithRegisterer("aegis", prometheus.NewRegistry())
}
