// Package metrics holds the Prometheus collectors for the HTTP API, the
// freshness cache and graph operations. All methods are safe on a nil
// *Collector so components can run without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup outcomes.
const (
	CacheHit   = "hit"
	CacheStale = "stale"
	CacheMiss  = "miss"
)

type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	CacheLookups *prometheus.CounterVec
	CacheWrites  *prometheus.CounterVec
	CacheSwept   prometheus.Counter

	GraphOperations *prometheus.CounterVec
	GraphDuration   *prometheus.HistogramVec

	MemoriesCreated prometheus.Counter
}

// New creates a collector with its own registry, so parallel tests never
// collide on registration.
func New(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by data type and outcome",
		}, []string{"data_type", "result"}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache upserts by data type",
		}, []string{"data_type"}),
		CacheSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_swept_total",
			Help:      "Expired cache entries reclaimed by the sweeper",
		}),
		GraphOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_operations_total",
			Help:      "Graph store operations by name and status",
		}, []string{"operation", "status"}),
		GraphDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graph_operation_duration_seconds",
			Help:      "Graph store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		MemoriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_created_total",
			Help:      "Episodic memory nodes created by consolidation",
		}),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.CacheLookups,
		c.CacheWrites,
		c.CacheSwept,
		c.GraphOperations,
		c.GraphDuration,
		c.MemoriesCreated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves this collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveCacheLookup(dataType, result string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(dataType, result).Inc()
}

func (c *Collector) ObserveCacheWrite(dataType string) {
	if c == nil {
		return
	}
	c.CacheWrites.WithLabelValues(dataType).Inc()
}

func (c *Collector) ObserveSweep(removed int) {
	if c == nil || removed <= 0 {
		return
	}
	c.CacheSwept.Add(float64(removed))
}

// ObserveGraph records one graph operation started at start.
func (c *Collector) ObserveGraph(operation string, start time.Time, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.GraphOperations.WithLabelValues(operation, status).Inc()
	c.GraphDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (c *Collector) MemoryCreated() {
	if c == nil {
		return
	}
	c.MemoriesCreated.Inc()
}
