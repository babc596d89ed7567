// Package metrics provides Prometheus metrics for the inspector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Refresh engine metrics
	refreshBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zkinspect_refresh_batches_total",
			Help: "Total refresh batches started",
		},
	)

	refreshFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zkinspect_refresh_fetches_total",
			Help: "Total child listings fetched by the refresh engine",
		},
		[]string{"outcome"},
	)

	refreshBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zkinspect_refresh_batch_duration_seconds",
			Help:    "Wall time of a refresh batch including every recursive level",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics
	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zkinspect_cache_entries",
			Help: "Number of paths currently held in the node cache",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zkinspect_cache_misses_total",
			Help: "Total node cache lookups for paths that were never populated",
		},
	)

	// Watch metrics
	watchSubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zkinspect_watch_subscriptions_active",
			Help: "Number of watched paths",
		},
	)

	watchEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zkinspect_watch_events_total",
			Help: "Total watch events forwarded to listeners",
		},
		[]string{"type"},
	)

	// Dispatcher metrics
	dispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zkinspect_dispatch_queue_depth",
			Help: "Background jobs waiting for a worker",
		},
	)

	dispatchRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zkinspect_dispatch_rejected_total",
			Help: "Total background jobs rejected because the queue was full",
		},
	)
)

// Fetch outcomes recorded by RecordFetch.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRefreshBatch records a completed refresh batch.
func RecordRefreshBatch(duration time.Duration) {
	refreshBatchesTotal.Inc()
	refreshBatchDuration.Observe(duration.Seconds())
}

// RecordFetch records one child listing outcome.
func RecordFetch(outcome string) {
	refreshFetchesTotal.WithLabelValues(outcome).Inc()
}

// SetCacheEntries sets the current node cache size.
func SetCacheEntries(count int) {
	cacheEntries.Set(float64(count))
}

// RecordCacheMiss records a lookup of a never-populated path.
func RecordCacheMiss() {
	cacheMissesTotal.Inc()
}

// SetWatchSubscriptions sets the number of watched paths.
func SetWatchSubscriptions(count int) {
	watchSubscriptionsActive.Set(float64(count))
}

// RecordWatchEvent records a forwarded watch event.
func RecordWatchEvent(eventType string) {
	watchEventsTotal.WithLabelValues(eventType).Inc()
}

// SetDispatchQueueDepth sets the number of queued background jobs.
func SetDispatchQueueDepth(depth int) {
	dispatchQueueDepth.Set(float64(depth))
}

// RecordDispatchRejected records a job turned away by a full queue.
func RecordDispatchRejected() {
	dispatchRejectedTotal.Inc()
}
