package download

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	errTypeLabel = "error_type"
	statusLabel  = "status"
	eventLabel   = "event"
)

var (
	fetchCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadmap_fetches",
		Help: "The number of fetch queries by status.",
	}, []string{statusLabel})

	fetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadmap_fetch_errors",
		Help: "The errors that occurred while fetching map data.",
	}, []string{errTypeLabel})

	fetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quadmap_fetch_latency_seconds",
		Help:    "The time spent fetching map data.",
		Buckets: prometheus.DefBuckets,
	})

	pendingQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quadmap_pending_queries",
		Help: "The number of fetch queries waiting for a worker.",
	})

	evictedObjects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quadmap_evicted_objects",
		Help: "The number of objects forgotten because their region was discarded.",
	})

	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadmap_dropped_events",
		Help: "The number of coverage events not delivered to slow subscribers.",
	}, []string{eventLabel})
)

func instrumentFetch(start time.Time, err error) {
	fetchLatency.Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "failure"
		fetchErrors.
			With(prometheus.Labels{errTypeLabel: errors.Type(err)}).
			Inc()
	}

	fetchCount.
		With(prometheus.Labels{statusLabel: status}).
		Inc()
}

func instrumentPendingQueries(n int) {
	pendingQueries.Set(float64(n))
}

func instrumentEvictedObjects(n int) {
	evictedObjects.Add(float64(n))
}

func instrumentDroppedEvent(t EventType) {
	droppedEvents.
		With(prometheus.Labels{eventLabel: string(t)}).
		Inc()
}
