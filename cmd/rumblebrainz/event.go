package main

import (
	"fmt"
	"time"
)

// AllMotors is the motor index that targets every vibration effector.
const AllMotors = -1

// powerLifetime is the fixed lifetime of a POWER event. The log's Duration
// argument is ignored for POWER.
const powerLifetime = 300 * time.Second

// EventAction is what an Event does to the engine while it is alive.
// The set of actions is closed: StopAction, VibrateAction, PowerAction, StrokeAction.
type EventAction interface {
	actionMarker()
	String() string
}

// StopAction force-stops the engine when added. It is never tracked as active.
type StopAction struct{}

func (StopAction) actionMarker()  {}
func (StopAction) String() string { return "Stop" }

// VibrateAction raises the floor of Motor (or every motor for AllMotors) by
// Strength for the lifetime of its event.
type VibrateAction struct {
	Strength float64
	Motor    int
}

func (VibrateAction) actionMarker() {}
func (a VibrateAction) String() string {
	return fmt.Sprintf("Vibrate(strength=%.3f, motor=%d)", a.Strength, a.Motor)
}

// PowerAction behaves exactly like VibrateAction; it only differs in how
// callers pick its lifetime.
type PowerAction struct {
	Strength float64
	Motor    int
}

func (PowerAction) actionMarker() {}
func (a PowerAction) String() string {
	return fmt.Sprintf("Power(strength=%.3f, motor=%d)", a.Strength, a.Motor)
}

// StrokeAction is accepted for linear actuators but has no effect.
type StrokeAction struct{}

func (StrokeAction) actionMarker()  {}
func (StrokeAction) String() string { return "Stroke" }

// Event is a timed intent owned by the engine's active list.
type Event struct {
	Finished      bool
	TimeRemaining time.Duration
	Action        EventAction
}

// NewEvent returns a live event with the given lifetime.
func NewEvent(action EventAction, lifetime time.Duration) Event {
	return Event{TimeRemaining: lifetime, Action: action}
}

// PassTime subtracts elapsed from the remaining lifetime.
// The subtraction saturates at zero; reaching zero by underflow marks the event finished.
func (e *Event) PassTime(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	if elapsed > e.TimeRemaining {
		e.TimeRemaining = 0
		e.Finished = true
		return
	}
	e.TimeRemaining -= elapsed
}

// floorDelta reports how an action moves the floor table: the strength and the
// targeted motor. ok is false for actions that do not touch floors.
func floorDelta(action EventAction) (strength float64, motor int, ok bool) {
	switch a := action.(type) {
	case VibrateAction:
		return a.Strength, a.Motor, true
	case PowerAction:
		return a.Strength, a.Motor, true
	default:
		return 0, 0, false
	}
}

// actionKind is the metric label for an action.
func actionKind(action EventAction) string {
	switch action.(type) {
	case StopAction:
		return "stop"
	case VibrateAction:
		return "vibrate"
	case PowerAction:
		return "power"
	case StrokeAction:
		return "stroke"
	default:
		return "unknown"
	}
}
