// Package metrics exposes cache operation metrics through Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector registers and updates the Prometheus instruments for statcache.
// A disabled collector is valid and all of its methods are no-ops.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	lookupCounter  *prometheus.CounterVec
	lookupDuration *prometheus.HistogramVec
	storeFailures  *prometheus.CounterVec
	prewarmCounter *prometheus.CounterVec
	droppedEvents  prometheus.Counter
	memoryEntries  prometheus.Gauge

	server *http.Server
}

// NewCollector creates a metrics collector. With config.Enabled false the
// returned collector records nothing.
func NewCollector(config *Config) *Collector {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "statcache",
		}
	}
	if !config.Enabled {
		return &Collector{config: config}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "statcache"
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		config:   config,
		registry: registry,
		lookupCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "lookups_total",
			Help:      "Cache lookups by the tier that satisfied them (or miss).",
		}, []string{"tier"}),
		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Lookup latency by outcome tier.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"tier"}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "store_failures_total",
			Help:      "Storage tier failures swallowed and degraded to misses.",
		}, []string{"store"}),
		prewarmCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "prewarm_total",
			Help:      "Prewarm attempts by result.",
		}, []string{"result"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "access_events_dropped_total",
			Help:      "Access events dropped because the recorder buffer was full.",
		}),
		memoryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "memory_entries",
			Help:      "Entries resident in the memory tier.",
		}),
	}

	registry.MustRegister(
		c.lookupCounter,
		c.lookupDuration,
		c.storeFailures,
		c.prewarmCounter,
		c.droppedEvents,
		c.memoryEntries,
	)

	return c
}

// ObserveLookup records a completed lookup for the given outcome tier.
func (c *Collector) ObserveLookup(tier string, duration time.Duration) {
	if c == nil || c.lookupCounter == nil {
		return
	}
	c.lookupCounter.WithLabelValues(tier).Inc()
	c.lookupDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// RecordStoreFailure counts a swallowed storage tier failure.
func (c *Collector) RecordStoreFailure(store string) {
	if c == nil || c.storeFailures == nil {
		return
	}
	c.storeFailures.WithLabelValues(store).Inc()
}

// RecordPrewarm counts one prewarm attempt.
func (c *Collector) RecordPrewarm(result string) {
	if c == nil || c.prewarmCounter == nil {
		return
	}
	c.prewarmCounter.WithLabelValues(result).Inc()
}

// RecordDroppedEvent counts an access event dropped by the recorder.
func (c *Collector) RecordDroppedEvent() {
	if c == nil || c.droppedEvents == nil {
		return
	}
	c.droppedEvents.Inc()
}

// SetMemoryEntries updates the memory tier occupancy gauge.
func (c *Collector) SetMemoryEntries(n int) {
	if c == nil || c.memoryEntries == nil {
		return
	}
	c.memoryEntries.Set(float64(n))
}

// StartServer starts the /metrics HTTP endpoint. No-op when disabled.
func (c *Collector) StartServer() error {
	if c == nil || !c.config.Enabled || c.registry == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", c.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind metrics endpoint: %w", err)
	}

	go func() {
		_ = c.server.Serve(listener)
	}()
	return nil
}

// Shutdown stops the metrics endpoint.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
