// Package metrics provides Prometheus metrics shared across packages.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bookingdispatch"

var (
	// HTTPRequestDuration tracks ops API request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)

	// DBPoolConnections tracks database connection pool state.
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "pool_connections",
			Help:      "Number of database connections by state",
		},
		[]string{"state"},
	)

	// ProviderRequestDuration tracks calls to external providers (SMTP,
	// Twilio, payments, calendar, video).
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "External provider call duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "outcome"},
	)
)

// ObserveProviderCall records the duration and outcome of a provider call.
func ObserveProviderCall(provider string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	ProviderRequestDuration.WithLabelValues(provider, outcome).Observe(time.Since(start).Seconds())
}
