// Package metrics exposes processwide Prometheus counters and the optional
// metrics/health HTTP listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PointsWritten counts points accepted by the time-series writer.
	PointsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heatpilot_points_written_total",
		Help: "Time-series points written, by measurement.",
	}, []string{"measurement"})

	// PointsSkipped counts points dropped by the breaker or throttle.
	PointsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heatpilot_points_skipped_total",
		Help: "Time-series points skipped, by reason (breaker_open, throttled).",
	}, []string{"reason"})

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heatpilot_breaker_transitions_total",
		Help: "Circuit breaker state transitions, by target state.",
	}, []string{"to"})

	// Iterations counts worker iterations by outcome.
	Iterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heatpilot_worker_iterations_total",
		Help: "Worker iterations, by entity and outcome (ok, failed).",
	}, []string{"entity", "outcome"})

	// SolarEvents counts finalized solar events.
	SolarEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heatpilot_solar_events_total",
		Help: "Finalized solar events, by entity.",
	}, []string{"entity"})
)
