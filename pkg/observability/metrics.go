package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_events_published_total",
			Help: "Total number of events accepted by the bus",
		},
		[]string{"type"},
	)

	eventsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_events_delivered_total",
			Help: "Total number of handler deliveries",
		},
		[]string{"type"},
	)

	handlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_handler_errors_total",
			Help: "Total number of subscriber handler failures",
		},
		[]string{"type"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbus_handler_duration_seconds",
			Help:    "Fan-out duration per event, all handlers included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbus_queue_depth",
			Help: "Number of events waiting in the bus queue",
		},
	)

	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbus_active_subscriptions",
			Help: "Number of live subscriptions",
		},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_requests_total",
			Help: "Total number of request/response calls by outcome",
		},
		[]string{"status"},
	)

	// Store metrics
	persistedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_persisted_events_total",
			Help: "Total number of events written durably",
		},
		[]string{"type"},
	)

	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentbus_flush_duration_seconds",
			Help:    "Duration of persistence flush cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	flushFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbus_flush_failures_total",
			Help: "Total number of failed persistence batches",
		},
	)

	syncedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbus_synced_events_total",
			Help: "Total number of events re-published from the change feed",
		},
	)

	dedupSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbus_dedup_suppressed_total",
			Help: "Total number of change-feed echoes suppressed by the dedup window",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all agentbus metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			eventsPublishedTotal,
			eventsDeliveredTotal,
			handlerErrorsTotal,
			handlerDuration,
			queueDepth,
			activeSubscriptions,
			requestsTotal,
			persistedEventsTotal,
			flushDuration,
			flushFailuresTotal,
			syncedEventsTotal,
			dedupSuppressedTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordEventPublished records an event accepted by the bus.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordEventDelivered records one handler delivery.
func RecordEventDelivered(eventType string) {
	eventsDeliveredTotal.WithLabelValues(eventType).Inc()
}

// RecordHandlerError records a subscriber handler failure.
func RecordHandlerError(eventType string) {
	handlerErrorsTotal.WithLabelValues(eventType).Inc()
}

// RecordDispatch records the fan-out duration for one event.
func RecordDispatch(eventType string, duration time.Duration) {
	handlerDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// SetQueueDepth sets the bus queue depth gauge.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// SetActiveSubscriptions sets the live subscription gauge.
func SetActiveSubscriptions(count int) {
	activeSubscriptions.Set(float64(count))
}

// RecordRequest records a request/response call outcome
// ("ok", "timeout", "error", or "shutdown").
func RecordRequest(status string) {
	requestsTotal.WithLabelValues(status).Inc()
}

// RecordPersisted records a durably written event.
func RecordPersisted(eventType string) {
	persistedEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordFlush records a persistence flush cycle.
func RecordFlush(duration time.Duration) {
	flushDuration.Observe(duration.Seconds())
}

// RecordFlushFailure records a failed persistence batch.
func RecordFlushFailure() {
	flushFailuresTotal.Inc()
}

// RecordSynced records an event re-published from the change feed.
func RecordSynced() {
	syncedEventsTotal.Inc()
}

// RecordDedupSuppressed records a suppressed change-feed echo.
func RecordDedupSuppressed() {
	dedupSuppressedTotal.Inc()
}
