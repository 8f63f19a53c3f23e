package main

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Push result labels.
const (
	PushOK     = "ok"
	PushFailed = "failed"
)

var (
	// TicksTotal counts processed engine ticks.
	TicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rumblebrainz_ticks_total",
		Help: "Total number of processed simulation ticks",
	})

	// LongTicksTotal counts ticks whose elapsed time exceeded the tick budget.
	LongTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rumblebrainz_long_ticks_total",
		Help: "Ticks whose elapsed time exceeded the nominal budget",
	})

	// ClockAnomaliesTotal counts ticks skipped because the clock went backward.
	ClockAnomaliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rumblebrainz_clock_anomalies_total",
		Help: "Ticks skipped because the tick instant preceded the previous one",
	})

	// EventsAdded counts events passed to the engine, by action kind.
	EventsAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rumblebrainz_events_added_total",
		Help: "Events added to the simulation engine",
	}, []string{"kind"})

	// EventsRetired counts finished events removed from the active list.
	EventsRetired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rumblebrainz_events_retired_total",
		Help: "Finished events removed from the active list",
	})

	// ActiveEvents is the size of the active event list after the last tick.
	ActiveEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rumblebrainz_active_events",
		Help: "Number of active events",
	})

	// MotorIntensity is the last computed intensity per motor.
	MotorIntensity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rumblebrainz_motor_intensity",
		Help: "Last computed intensity per vibration motor",
	}, []string{"motor"})

	// LogLinesRejected counts log lines or commands dropped by the tail reader.
	LogLinesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rumblebrainz_log_lines_rejected_total",
		Help: "Command log lines rejected by parsing or translation",
	}, []string{"reason"})

	// DevicePushes counts intensity pushes to the device, by result.
	DevicePushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rumblebrainz_device_pushes_total",
		Help: "Intensity vectors pushed to the device",
	}, []string{"result"})

	// StateClients is the number of connected state websocket observers.
	StateClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rumblebrainz_state_clients",
		Help: "Connected /ws/state clients",
	})

	// DeviceMotors is the motor count of the bound device, 0 when none is bound.
	DeviceMotors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rumblebrainz_device_motors",
		Help: "Vibration motors on the bound device",
	})
)

// RegisterMetrics registers the daemon metrics with reg.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		TicksTotal,
		LongTicksTotal,
		ClockAnomaliesTotal,
		EventsAdded,
		EventsRetired,
		ActiveEvents,
		MotorIntensity,
		LogLinesRejected,
		DevicePushes,
		StateClients,
		DeviceMotors,
	)
}

func motorLabel(i int) string { return strconv.Itoa(i) }
