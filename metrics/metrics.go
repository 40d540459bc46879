// Package metrics provides Prometheus collectors for the plugin engine:
// bundle acquisition, module cache, verification, sandbox lifecycle and
// cross-boundary calls.
//
// All methods are safe on a nil *Collector, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides engine metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Acquisition metrics
	fetchTotal    *prometheus.CounterVec
	cacheTotal    *prometheus.CounterVec
	verifyTotal   *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	// Lifecycle metrics
	instancesCreated prometheus.Counter
	instancesActive  prometheus.Gauge
	instanceFaults   *prometheus.CounterVec
	loadDuration     *prometheus.HistogramVec

	// Call metrics
	callTotal    *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	staleReplies prometheus.Counter
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "plugin_sandbox"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "fetch_total",
			Help:      "Manifest and module fetches by object and result",
		},
		[]string{"object", "result"},
	)

	c.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "fetch_duration_seconds",
			Help:      "Time spent fetching manifests and modules over the network",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"object"},
	)

	c.cacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Module cache events (hit, miss, evicted)",
		},
		[]string{"event"},
	)

	c.verifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "verify_total",
			Help:      "Bundle verifications by result kind",
		},
		[]string{"result"},
	)

	c.instancesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "instances_created_total",
			Help:      "Sandbox instances that reached Ready",
		},
	)

	c.instancesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "instances_active",
			Help:      "Sandbox instances not yet closed",
		},
	)

	c.instanceFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "faults_total",
			Help:      "Instance transitions to Faulted by fault kind",
		},
		[]string{"kind"},
	)

	c.loadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "load_duration_seconds",
			Help:      "Time from load start to Ready or load fault",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"runtime", "result"},
	)

	c.callTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Cross-boundary calls by service, method and result kind",
		},
		[]string{"service", "method", "result"},
	)

	c.callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Cross-boundary call latency as observed by the caller",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		},
		[]string{"service", "method"},
	)

	c.staleReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "stale_replies_total",
			Help:      "Guest replies dropped because their caller had already given up",
		},
	)

	c.registry.MustRegister(
		c.fetchTotal,
		c.fetchDuration,
		c.cacheTotal,
		c.verifyTotal,
		c.instancesCreated,
		c.instancesActive,
		c.instanceFaults,
		c.loadDuration,
		c.callTotal,
		c.callDuration,
		c.staleReplies,
	)

	return c
}

// Registry returns the registry holding this collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func resultLabel(result string) string {
	if result == "" {
		return "ok"
	}
	return result
}

// Fetch records a fetch of object ("manifest" or "module"); result is the
// fault kind or "" on success.
func (c *Collector) Fetch(object, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.fetchTotal.WithLabelValues(object, resultLabel(result)).Inc()
	c.fetchDuration.WithLabelValues(object).Observe(d.Seconds())
}

// CacheHit records a module served from cache.
func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheTotal.WithLabelValues("hit").Inc()
}

// CacheMiss records a module not found in cache.
func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.cacheTotal.WithLabelValues("miss").Inc()
}

// CacheEvicted records a module removed from cache.
func (c *Collector) CacheEvicted() {
	if c == nil {
		return
	}
	c.cacheTotal.WithLabelValues("evicted").Inc()
}

// Verify records a verification outcome.
func (c *Collector) Verify(result string) {
	if c == nil {
		return
	}
	c.verifyTotal.WithLabelValues(resultLabel(result)).Inc()
}

// Load records a load attempt for runtime.
func (c *Collector) Load(runtime, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.loadDuration.WithLabelValues(runtime, resultLabel(result)).Observe(d.Seconds())
	if result == "" {
		c.instancesCreated.Inc()
		c.instancesActive.Inc()
	}
}

// InstanceClosed records a Ready instance being released.
func (c *Collector) InstanceClosed() {
	if c == nil {
		return
	}
	c.instancesActive.Dec()
}

// InstanceFaulted records a transition to Faulted.
func (c *Collector) InstanceFaulted(kind string) {
	if c == nil {
		return
	}
	c.instanceFaults.WithLabelValues(kind).Inc()
}

// Call records one invocation.
func (c *Collector) Call(service, method, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.callTotal.WithLabelValues(service, method, resultLabel(result)).Inc()
	c.callDuration.WithLabelValues(service, method).Observe(d.Seconds())
}

// StaleReply records a dropped reply for an abandoned call.
func (c *Collector) StaleReply() {
	if c == nil {
		return
	}
	c.staleReplies.Inc()
}
