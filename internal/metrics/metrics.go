// Package metrics declares the Prometheus collectors shared by the sweeps.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "prayervigil"

var (
	ConflictsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflicts_detected_total",
		Help:      "Conflicts found by detection passes, by severity",
	}, []string{"severity"})

	ConflictsCleared = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflicts_cleared_total",
		Help:      "Open conflicts resolved because the event no longer overlaps",
	})

	MissingPrayerDays = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prayer_days_missing_total",
		Help:      "Dates skipped by detection because no prayer times were available",
	})

	ConflictTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflict_transitions_total",
		Help:      "Lifecycle commands applied to conflicts",
	}, []string{"action"})

	AutopilotDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "autopilot_decisions_total",
		Help:      "Autopilot decisions by action and outcome",
	}, []string{"action", "outcome"})

	NotificationsQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_queued_total",
		Help:      "Notifications accepted by the scheduler, by channel and initial status",
	}, []string{"channel", "status"})

	NotificationsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_dispatched_total",
		Help:      "Dispatcher outcomes: sent, failed, rescheduled",
	}, []string{"outcome"})

	WritebackPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "writeback_pushes_total",
		Help:      "Calendar write-back attempts by outcome",
	}, []string{"outcome"})

	SweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of scheduled sweeps",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})

	SweepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_errors_total",
		Help:      "Sweeps that returned an error",
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(
		ConflictsDetected, ConflictsCleared, MissingPrayerDays,
		ConflictTransitions, AutopilotDecisions,
		NotificationsQueued, NotificationsDispatched,
		WritebackPushes, SweepDuration, SweepErrors,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
