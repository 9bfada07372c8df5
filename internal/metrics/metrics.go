package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botvisr"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	botStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "starts_total",
			Help:      "Number of bot processes spawned.",
		}, []string{"bot"},
	)
	botStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "stops_total",
			Help:      "Number of requested stops that ended a running process.",
		}, []string{"bot"},
	)
	botFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "faults_total",
			Help:      "Faults by kind (config, spawn, runtime, storage, timeout).",
		}, []string{"bot", "kind"},
	)
	readiness = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "readiness_seconds",
			Help:      "Time from spawn to the first output line.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"bot"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between bot states.",
		}, []string{"bot", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "current_state",
			Help:      "Current state of bots (1 = active state, 0 = inactive).",
		}, []string{"bot", "state"},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "lines_total",
			Help:      "Classified output lines by level.",
		}, []string{"bot", "level"},
	)
	storageFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "storage_faults_total",
			Help:      "Log entries that could not be persisted.",
		}, []string{"bot"},
	)
	telemetry = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "telemetry_total",
			Help:      "Telemetry reports by kind (position, inventory).",
		}, []string{"bot", "kind"},
	)
	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_events_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		},
	)
	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Current number of event subscribers.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		botStarts, botStops, botFaults, readiness, stateTransitions, currentStates,
		logLines, storageFaults, telemetry, droppedEvents, subscribers,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered is fine when the default registry is reused
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(bot string) {
	if regOK.Load() {
		botStarts.WithLabelValues(bot).Inc()
	}
}

func IncStop(bot string) {
	if regOK.Load() {
		botStops.WithLabelValues(bot).Inc()
	}
}

func IncFault(bot, kind string) {
	if regOK.Load() {
		botFaults.WithLabelValues(bot, kind).Inc()
	}
}

func ObserveReadiness(bot string, seconds float64) {
	if regOK.Load() {
		readiness.WithLabelValues(bot).Observe(seconds)
	}
}

func RecordStateTransition(bot, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(bot, from, to).Inc()
	}
}

func SetCurrentState(bot, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(bot, state).Set(value)
	}
}

func IncLogLine(bot, level string) {
	if regOK.Load() {
		logLines.WithLabelValues(bot, level).Inc()
	}
}

func IncStorageFault(bot string) {
	if regOK.Load() {
		storageFaults.WithLabelValues(bot).Inc()
	}
}

func IncTelemetry(bot, kind string) {
	if regOK.Load() {
		telemetry.WithLabelValues(bot, kind).Inc()
	}
}

func IncDroppedEvent() {
	if regOK.Load() {
		droppedEvents.Inc()
	}
}

func SetSubscribers(n int) {
	if regOK.Load() {
		subscribers.Set(float64(n))
	}
}
