// Package metrics exposes Prometheus instrumentation for the USSD gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

// Hop result label values.
const (
	ResultContinue = "con"
	ResultEnd      = "end"
)

var (
	// HopsTotal counts handled USSD hops by whether the response continued
	// or terminated the session.
	HopsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "ussdgate_hops_total",
		Help: "USSD hops handled, labelled by response kind (con/end).",
	}, []string{"result"})

	// LoansCreated counts loan applications created through the USSD flow.
	LoansCreated = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "ussdgate_loans_created_total",
		Help: "Loan applications created via USSD.",
	})

	// DuplicateActions counts gateway retries caught by the action dedup.
	DuplicateActions = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "ussdgate_duplicate_actions_total",
		Help: "Write actions suppressed as duplicates of a retried request.",
	})

	// SMSSendFailures counts dropped SMS notifications.
	SMSSendFailures = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "ussdgate_sms_send_failures_total",
		Help: "SMS notifications that failed to send and were dropped.",
	})

	// HopDuration observes end-to-end hop handling latency.
	HopDuration = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "ussdgate_hop_duration_seconds",
		Help:    "Latency of USSD hop handling.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the HTTP handler serving the gateway's metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
