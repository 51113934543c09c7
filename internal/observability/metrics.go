package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tow_dispatch"

var (
	OfferOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_outcomes_total", Help: "Offers by outcome (offered, accepted, rejected, timeout, withdrawn)"},
		[]string{"outcome"},
	)
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "job_transitions_total", Help: "Committed job status transitions"},
		[]string{"to"},
	)
	StaleWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "stale_writes_total", Help: "Conditional job updates that matched no row"},
		[]string{"op"},
	)
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers currently online"})
	ArmedTimers   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "offer_timers_armed", Help: "Offer timers armed in this process"})

	FanoutEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fanout_evicted_total", Help: "Subscribers disconnected because their buffer was full"},
		[]string{"audience"},
	)
	FanoutSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "fanout_subscribers", Help: "Connected change stream subscribers"},
		[]string{"audience"},
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Downstream notification sends that failed"},
		[]string{"sink"},
	)
	AutoMatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "auto_match_attempts_total", Help: "Auto-matcher assign attempts by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
