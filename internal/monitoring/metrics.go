// Package monitoring exposes Prometheus metrics and system samplers for the
// bridge process.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the rendezvous bridge. Scraped from /metrics.
var (
	// Slot traffic
	EnqueuedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_enqueued_messages_total",
		Help: "Messages accepted into slots, by direction",
	}, []string{"direction"})

	EnqueuedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_enqueued_bytes_total",
		Help: "Payload bytes accepted into slots, by direction",
	}, []string{"direction"})

	DeliveredMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_delivered_messages_total",
		Help: "Messages handed to a dequeue caller, by direction",
	}, []string{"direction"})

	SlotConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_slot_conflicts_total",
		Help: "Enqueue attempts rejected because the slot already held a message",
	})

	StrandedReplies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_stranded_replies_total",
		Help: "Stale replies discarded before accepting a new request",
	})

	// Dequeue behavior
	DequeueTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_dequeue_timeouts_total",
		Help: "Long polls that expired without a message, by direction",
	}, []string{"direction"})

	RedundantReaders = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_redundant_readers_total",
		Help: "Dequeue attempts rejected because another reader held the slot",
	})

	DequeueWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_dequeue_wait_seconds",
		Help:    "Time a dequeue caller spent waiting, by direction",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 15, 30},
	}, []string{"direction"})

	ActiveWaiters = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_active_waiters",
		Help: "Dequeue callers currently blocked on a slot, by direction",
	}, []string{"direction"})

	// Store health
	StoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_store_errors_total",
		Help: "Failed store operations",
	})

	ScrubbedKeys = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_scrubbed_keys_total",
		Help: "Slot keys deleted by the startup scrub",
	})

	// HTTP surface
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_http_requests_total",
		Help: "HTTP responses by endpoint and status code",
	}, []string{"endpoint", "status"})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by scope",
	}, []string{"scope"})

	// System
	CPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	MemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_memory_bytes",
		Help: "Process resident memory in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(EnqueuedMessages)
	prometheus.MustRegister(EnqueuedBytes)
	prometheus.MustRegister(DeliveredMessages)
	prometheus.MustRegister(SlotConflicts)
	prometheus.MustRegister(StrandedReplies)

	prometheus.MustRegister(DequeueTimeouts)
	prometheus.MustRegister(RedundantReaders)
	prometheus.MustRegister(DequeueWait)
	prometheus.MustRegister(ActiveWaiters)

	prometheus.MustRegister(StoreErrors)
	prometheus.MustRegister(ScrubbedKeys)

	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(RateLimited)

	prometheus.MustRegister(CPUPercent)
	prometheus.MustRegister(MemoryBytes)
	prometheus.MustRegister(GoroutinesActive)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
