// Package metrics holds the Prometheus collectors shared by the tracking core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackline_transitions_total",
			Help: "Order status transitions by target status and outcome",
		},
		[]string{"to", "outcome"},
	)

	HubEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackline_hub_events_published_total",
			Help: "Events published to order rooms by event type",
		},
		[]string{"type"},
	)

	HubPublishFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackline_hub_publish_failures_total",
			Help: "Publishes that failed after a committed state change",
		},
	)

	HubEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackline_hub_evictions_total",
			Help: "Connections disconnected because they could not keep up",
		},
	)

	HubConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackline_hub_connections",
			Help: "Connections currently registered with the hub",
		},
	)

	LocationSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackline_location_samples_total",
			Help: "Driver location samples by result (accepted, stale, rejected)",
		},
		[]string{"result"},
	)

	DriverStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackline_driver_stale_total",
			Help: "driver_stale signals emitted",
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackline_webhook_events_total",
			Help: "Payment webhook events by result",
		},
		[]string{"result"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

// Register registers all collectors with reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		TransitionsTotal,
		HubEventsPublishedTotal,
		HubPublishFailuresTotal,
		HubEvictionsTotal,
		HubConnections,
		LocationSamplesTotal,
		DriverStaleTotal,
		WebhookEventsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
