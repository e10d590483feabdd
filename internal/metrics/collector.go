// Package metrics exposes pipeline and cache activity as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pageflow/pageflow/internal/config"
)

// Collector registers and updates the Prometheus instruments. It satisfies
// the cache recorder and pipeline observer interfaces so the hot paths only
// see small method sets. A disabled collector is a valid no-op.
type Collector struct {
	cfg      config.MetricsConfig
	registry *prometheus.Registry

	cacheCounter   *prometheus.CounterVec
	cacheEntries   *prometheus.GaugeVec
	fetchesActive  prometheus.Gauge
	fetchDuration  *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
	tierGauge      prometheus.Gauge
	prefetchTasks  *prometheus.CounterVec
	behaviorCounts *prometheus.CounterVec

	server *http.Server
}

// NewCollector builds the collector and registers its instruments. With
// metrics disabled it returns a collector whose methods are all no-ops.
func NewCollector(cfg config.MetricsConfig) *Collector {
	c := &Collector{cfg: cfg}
	if !cfg.Enabled {
		return c
	}

	c.registry = prometheus.NewRegistry()

	c.cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pageflow",
		Name:      "cache_events_total",
		Help:      "Cache events by tier and outcome (hit, miss, eviction)",
	}, []string{"tier", "event"})

	c.cacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pageflow",
		Name:      "cache_entries",
		Help:      "Current entry count per cache tier",
	}, []string{"tier"})

	c.fetchesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pageflow",
		Name:      "fetches_active",
		Help:      "Fetches currently holding a concurrency slot",
	})

	c.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pageflow",
		Name:      "fetch_duration_seconds",
		Help:      "Page fetch latency by outcome",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"outcome"})

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pageflow",
		Name:      "queue_depth",
		Help:      "Requests waiting for a concurrency slot",
	})

	c.tierGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pageflow",
		Name:      "quality_tier_rank",
		Help:      "Active quality tier rank (minimal=0 through ultra=4)",
	})

	c.prefetchTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pageflow",
		Name:      "prefetch_tasks_total",
		Help:      "Prefetch tasks scheduled, by priority",
	}, []string{"priority"})

	c.behaviorCounts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pageflow",
		Name:      "behavior_classifications_total",
		Help:      "Session behavior classifications observed",
	}, []string{"class"})

	c.registry.MustRegister(
		c.cacheCounter, c.cacheEntries, c.fetchesActive, c.fetchDuration,
		c.queueDepth, c.tierGauge, c.prefetchTasks, c.behaviorCounts,
	)
	return c
}

// CacheHit records a cache hit on a tier.
func (c *Collector) CacheHit(tier string) {
	if c.cacheCounter != nil {
		c.cacheCounter.WithLabelValues(tier, "hit").Inc()
	}
}

// CacheMiss records a cache miss on a tier.
func (c *Collector) CacheMiss(tier string) {
	if c.cacheCounter != nil {
		c.cacheCounter.WithLabelValues(tier, "miss").Inc()
	}
}

// CacheEviction records an eviction on a tier.
func (c *Collector) CacheEviction(tier string) {
	if c.cacheCounter != nil {
		c.cacheCounter.WithLabelValues(tier, "eviction").Inc()
	}
}

// SetCacheEntries reports the current entry count of a tier.
func (c *Collector) SetCacheEntries(tier string, n int) {
	if c.cacheEntries != nil {
		c.cacheEntries.WithLabelValues(tier).Set(float64(n))
	}
}

// FetchStarted marks a fetch taking a concurrency slot.
func (c *Collector) FetchStarted() {
	if c.fetchesActive != nil {
		c.fetchesActive.Inc()
	}
}

// FetchFinished records a completed fetch with its outcome label
// (success, failure, timeout, dedup).
func (c *Collector) FetchFinished(duration time.Duration, outcome string) {
	if c.fetchesActive != nil {
		c.fetchesActive.Dec()
		c.fetchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// QueueDepth reports the number of queued requests.
func (c *Collector) QueueDepth(depth int) {
	if c.queueDepth != nil {
		c.queueDepth.Set(float64(depth))
	}
}

// SetTierRank reports the active quality tier.
func (c *Collector) SetTierRank(rank int) {
	if c.tierGauge != nil {
		c.tierGauge.Set(float64(rank))
	}
}

// PrefetchScheduled counts one scheduled prefetch task.
func (c *Collector) PrefetchScheduled(priority string) {
	if c.prefetchTasks != nil {
		c.prefetchTasks.WithLabelValues(priority).Inc()
	}
}

// BehaviorClassified counts one classification result.
func (c *Collector) BehaviorClassified(class string) {
	if c.behaviorCounts != nil {
		c.behaviorCounts.WithLabelValues(class).Inc()
	}
}

// Serve starts the /metrics HTTP endpoint when one is configured.
func (c *Collector) Serve() error {
	if c.registry == nil || c.cfg.Port == 0 {
		return nil
	}
	path := c.cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.Port),
		Handler: mux,
	}
	// The endpoint is diagnostic only; a bind failure must not take the
	// session down, so the listener error is not propagated.
	go func() { _ = c.server.ListenAndServe() }()
	return nil
}

// Shutdown stops the metrics endpoint if one is running.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
