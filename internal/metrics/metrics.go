// Package metrics registers the Prometheus collectors pay2email exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pay2email"

var (
	// invoicesIngested counts invoices accepted into the pool.
	invoicesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "invoices",
		Name:      "ingested_total",
		Help:      "Number of invoices added to the pool",
	})

	// reservations counts reservation attempts.
	// Labels:
	// - result: "ok" or "exhausted"
	reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "invoices",
		Name:      "reservations_total",
		Help:      "Number of invoice reservation attempts",
	}, []string{"result"})

	paymentsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "invoices",
		Name:      "payments_confirmed_total",
		Help:      "Number of invoices transitioned to paid",
	})

	// dispatches counts mail transport calls.
	// Labels:
	// - result: "sent" or "failed"
	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "email",
		Name:      "dispatch_total",
		Help:      "Number of email dispatch attempts",
	}, []string{"result"})

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "email",
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of mail transport calls",
		Buckets:   prometheus.DefBuckets,
	})

	// PoolAvailable is set by the pool monitor.
	PoolAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "invoices",
		Name:      "available",
		Help:      "Invoices that can still be reserved",
	})

	// EmailsSent is set by the pool monitor.
	EmailsSent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "email",
		Name:      "sent",
		Help:      "Emails delivered so far",
	})

	// rateLimitExceeded counts HTTP 429 responses.
	// Labels:
	// - endpoint: policy name such as "send"
	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Number of requests rejected due to rate limiting (HTTP 429)",
	}, []string{"endpoint"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Number of HTTP requests",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func IncInvoicesIngested() { invoicesIngested.Inc() }

func IncReservation(exhausted bool) {
	if exhausted {
		reservations.WithLabelValues("exhausted").Inc()
		return
	}
	reservations.WithLabelValues("ok").Inc()
}

func IncPaymentsConfirmed() { paymentsConfirmed.Inc() }

// ObserveDispatch records one transport call.
func ObserveDispatch(seconds float64, err error) {
	dispatchDuration.Observe(seconds)
	if err != nil {
		dispatches.WithLabelValues("failed").Inc()
		return
	}
	dispatches.WithLabelValues("sent").Inc()
}

// IncRateLimitExceeded increments the 429 counter for the given endpoint.
func IncRateLimitExceeded(endpoint string) {
	if endpoint == "" {
		endpoint = "unknown"
	}
	rateLimitExceeded.WithLabelValues(endpoint).Inc()
}

// ObserveHTTP records one served request. route is the chi route pattern so
// payment hashes in paths do not explode label cardinality.
func ObserveHTTP(method, route, status string, seconds float64) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, status).Inc()
	httpDuration.WithLabelValues(method, route).Observe(seconds)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
