package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "freight_trips"

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Trip status transitions by requested status and result"},
		[]string{"to", "result"},
	)
	EffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "effect_failures_total", Help: "Transition side effects that failed after the transition was applied"},
		[]string{"effect"},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ratelimit_decisions_total", Help: "Rate limiter decisions"},
		[]string{"endpoint", "result"},
	)
	RateLimitFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ratelimit_fail_open_total", Help: "Requests allowed because the limiter store failed"},
		[]string{"endpoint"},
	)

	PingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_pings_total", Help: "Location pings by result"},
		[]string{"result"},
	)
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "incidents_total", Help: "Incidents recorded by type"},
		[]string{"type", "auto"},
	)
	TrackedTrips = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracked_trips", Help: "Trips with a live heartbeat at the last signal scan"})

	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "releases_total", Help: "Forced releases and withdrawals by result"},
		[]string{"kind", "result"},
	)
	StateDriftTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "state_drift_total", Help: "Assignment and trip progress disagreements detected"})

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by channel and result"},
		[]string{"channel", "result"},
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
