// README: Prometheus collectors for the ride lifecycle core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ridelink"

var (
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "claims_total", Help: "Claim attempts by result"},
		[]string{"result"},
	)
	RideTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions"},
		[]string{"from", "to"},
	)
	InvariantViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "invariant_violations_total", Help: "Transitions attempted from an unexpected state"},
	)
	NegotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "negotiations_total", Help: "Cancellation requests by outcome"},
		[]string{"outcome"},
	)
	PresenceSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "presence_samples_total", Help: "Presence samples by result"},
		[]string{"result"},
	)
	ChatMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "chat_messages_total", Help: "Chat messages appended"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification intents by result"},
		[]string{"result"},
	)
	FulfillersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "fulfillers_online", Help: "Fulfillers currently marked online by this instance"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "route", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
