// Package metrics exposes a recipe run's progress as Prometheus metrics.
// The Collector is an executor observer, so wiring it in is one field in
// the recipe; an optional HTTP endpoint serves the standard /metrics
// scrape path.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chunkforge/chunkforge/pkg/types"
)

// Collector turns executor callbacks into Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	stateTransitions *prometheus.CounterVec
	inputsCached     *prometheus.CounterVec
	inputBytes       prometheus.Counter
	fetchDuration    prometheus.Histogram
	inputsScanned    prometheus.Counter
	chunksStored     prometheus.Counter
	chunkElements    prometheus.Histogram
	storeDuration    prometheus.Histogram
	retries          *prometheus.CounterVec

	server *http.Server
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chunkforge",
		Name:      "state_transitions_total",
		Help:      "Lifecycle state transitions of the run",
	}, []string{"from", "to"})

	c.inputsCached = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chunkforge",
		Name:      "inputs_cached_total",
		Help:      "Inputs materialized in the cache, by reuse",
	}, []string{"reused"})

	c.inputBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chunkforge",
		Name:      "input_bytes_fetched_total",
		Help:      "Bytes fetched from sources into the input cache",
	})

	c.fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chunkforge",
		Name:      "input_fetch_duration_seconds",
		Help:      "Time to fetch one input",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	c.inputsScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chunkforge",
		Name:      "inputs_scanned_total",
		Help:      "Inputs whose structure has been scanned",
	})

	c.chunksStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chunkforge",
		Name:      "chunks_stored_total",
		Help:      "Target chunks written",
	})

	c.chunkElements = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chunkforge",
		Name:      "chunk_elements",
		Help:      "Elements per stored chunk",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
	})

	c.storeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chunkforge",
		Name:      "chunk_store_duration_seconds",
		Help:      "Time to build and write one chunk",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	c.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chunkforge",
		Name:      "retries_total",
		Help:      "Retries of failed units of work",
	}, []string{"op"})

	c.registry.MustRegister(
		c.stateTransitions, c.inputsCached, c.inputBytes, c.fetchDuration,
		c.inputsScanned, c.chunksStored, c.chunkElements, c.storeDuration,
		c.retries,
	)
	return c
}

// OnStateChange implements the executor observer.
func (c *Collector) OnStateChange(from, to string) {
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// OnInputCached implements the executor observer.
func (c *Collector) OnInputCached(key types.InputKey, size int64, elapsed time.Duration, reused bool) {
	label := "false"
	if reused {
		label = "true"
	}
	c.inputsCached.WithLabelValues(label).Inc()
	if !reused {
		c.inputBytes.Add(float64(size))
		c.fetchDuration.Observe(elapsed.Seconds())
	}
}

// OnInputScanned implements the executor observer.
func (c *Collector) OnInputScanned(key types.InputKey, meta types.InputMetadata) {
	c.inputsScanned.Inc()
}

// OnChunkStored implements the executor observer.
func (c *Collector) OnChunkStored(key types.ChunkKey, elements int, elapsed time.Duration) {
	c.chunksStored.Inc()
	c.chunkElements.Observe(float64(elements))
	c.storeDuration.Observe(elapsed.Seconds())
}

// OnRetry implements the executor observer.
func (c *Collector) OnRetry(op string, attempt int, err error, delay time.Duration) {
	c.retries.WithLabelValues(op).Inc()
}

// Registry returns the collector's Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Serve starts an HTTP server exposing /metrics on addr.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{Addr: addr, Handler: mux}
	return c.server.ListenAndServe()
}

// Shutdown stops the metrics endpoint.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
