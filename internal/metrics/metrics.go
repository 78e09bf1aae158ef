// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus collectors for the poller and dispatcher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poll loop
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reaper_ticks_total",
		Help: "Total number of completed poll ticks",
	})

	tickDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reaper_tick_duration_seconds",
		Help:    "Duration of one full poll tick",
		Buckets: prometheus.DefBuckets,
	})

	tickErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reaper_tick_errors_total",
		Help: "Total number of poll ticks that aborted with an error",
	})

	nextIntervalSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reaper_next_interval_seconds",
		Help: "Adaptive interval chosen after the last tick",
	})

	intervalSelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_interval_selections_total",
		Help: "Adaptive interval selections by tier",
	}, []string{"tier"}) // tier=fast|open|base|slow

	activeCRNs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reaper_active_crns",
		Help: "Number of CRNs with at least one tracking user (last tick)",
	})

	// Registrar client
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_registrar_fetches_total",
		Help: "Registrar detail-page fetches by outcome",
	}, []string{"outcome"}) // outcome=ok|http_error|transport|not_found|missing_seats

	fetchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reaper_registrar_fetch_duration_seconds",
		Help:    "Duration of a single registrar fetch",
		Buckets: prometheus.DefBuckets,
	})

	// Transition detector
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_transitions_total",
		Help: "Detected CRN state transitions by kind",
	}, []string{"kind"}) // kind=unchanged|opened|closed|metadata|failed

	// Notification dispatch
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_notifications_total",
		Help: "Notification sends by channel and outcome",
	}, []string{"channel", "outcome"}) // channel=sms|push outcome=success|failure|skipped

	// Store gateway
	storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_store_errors_total",
		Help: "Store gateway operation failures by operation",
	}, []string{"op"})

	// Circuit breaker
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reaper_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_circuit_breaker_trips_total",
		Help: "Circuit breaker trips by name and reason",
	}, []string{"name", "reason"})
)

func RecordTick(d time.Duration) {
	ticksTotal.Inc()
	tickDurationSeconds.Observe(d.Seconds())
}

func IncTickError() { tickErrorsTotal.Inc() }

func RecordNextInterval(tier string, d time.Duration) {
	nextIntervalSeconds.Set(d.Seconds())
	intervalSelectionsTotal.WithLabelValues(tier).Inc()
}

func RecordActiveCRNs(n int) { activeCRNs.Set(float64(n)) }

func RecordFetch(outcome string, d time.Duration) {
	fetchesTotal.WithLabelValues(outcome).Inc()
	fetchDurationSeconds.Observe(d.Seconds())
}

func IncTransition(kind string) { transitionsTotal.WithLabelValues(kind).Inc() }

func IncNotification(channel, outcome string) {
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

func IncStoreError(op string) { storeErrorsTotal.WithLabelValues(op).Inc() }

// SetCircuitBreakerState records the breaker state as a numeric gauge.
func SetCircuitBreakerState(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	circuitBreakerState.WithLabelValues(name).Set(v)
}

// RecordCircuitBreakerTrip counts a breaker trip with its reason.
func RecordCircuitBreakerTrip(name, reason string) {
	circuitBreakerTrips.WithLabelValues(name, reason).Inc()
}
