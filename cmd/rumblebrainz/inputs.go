package main

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Daemon inputs
// ============================================================================
// Everything the daemon loop consumes besides its own ticker arrives as an
// Input: manual triggers from IPC and input devices, device changes from the
// Buttplug client, and snapshot requests from observers.
// ============================================================================

// Input is the closed set of messages accepted by runDaemon.
type Input interface {
	inputMarker()
}

// ManualEvent adds Event to the engine as if it had been read from the log.
type ManualEvent struct {
	Event Event
}

// ManualStop force-stops the engine and hard-stops the device.
type ManualStop struct{}

// DeviceChanged reports a new bound device. MotorCount 0 means no device.
type DeviceChanged struct {
	Name       string
	MotorCount int
}

// RequestSnapshot asks the daemon for a copy of its state.
// Reply must be buffered; the daemon never blocks on it.
type RequestSnapshot struct {
	Reply chan<- StateSnapshot
}

// StateSnapshot is what observers see of the daemon.
type StateSnapshot struct {
	EngineSnapshot
	Device    string `json:"device"`
	Watermark uint64 `json:"watermark"`
}

func (ManualEvent) inputMarker()     {}
func (ManualStop) inputMarker()      {}
func (DeviceChanged) inputMarker()   {}
func (RequestSnapshot) inputMarker() {}

// ============================================================================
// Trigger payloads
// ============================================================================
// Triggers are the wire form of manual inputs, used by the IPC socket and the
// input-device key bindings. Each one maps onto the same validation as a log
// line, so a manual vibrate behaves exactly like a VIBRATE command.
// ============================================================================

// Trigger is a manual request that becomes a daemon Input.
type Trigger interface {
	triggerType() string
	Input() (Input, error)
}

// VibrateTrigger starts a timed vibration.
type VibrateTrigger struct {
	Strength   float64 `json:"strength" yaml:"strength"`
	DurationMS int     `json:"duration_ms" yaml:"duration_ms"`
	Motor      *int    `json:"motor,omitempty" yaml:"motor,omitempty"` // nil targets every motor
}

// PowerTrigger holds a vibration floor for the fixed power lifetime.
type PowerTrigger struct {
	Strength float64 `json:"strength" yaml:"strength"`
	Motor    *int    `json:"motor,omitempty" yaml:"motor,omitempty"`
}

// StopTrigger stops everything.
type StopTrigger struct{}

func (VibrateTrigger) triggerType() string { return "vibrate" }
func (PowerTrigger) triggerType() string   { return "power" }
func (StopTrigger) triggerType() string    { return "stop" }

func motorArg(m *int) float64 {
	if m == nil {
		return AllMotors
	}
	return float64(*m)
}

func (t VibrateTrigger) Input() (Input, error) {
	ev, err := Command{Name: EventNameVibrate, Args: map[string]float64{
		ArgDuration: float64(t.DurationMS) / 1000,
		ArgStrength: t.Strength,
		ArgMotor:    motorArg(t.Motor),
	}}.ToEvent()
	if err != nil {
		return nil, err
	}
	return ManualEvent{Event: ev}, nil
}

func (t PowerTrigger) Input() (Input, error) {
	ev, err := Command{Name: EventNamePower, Args: map[string]float64{
		ArgStrength: t.Strength,
		ArgMotor:    motorArg(t.Motor),
	}}.ToEvent()
	if err != nil {
		return nil, err
	}
	return ManualEvent{Event: ev}, nil
}

func (StopTrigger) Input() (Input, error) { return ManualStop{}, nil }

// TriggerEnvelope wraps a trigger with a type discriminator for JSON marshaling.
type TriggerEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalTrigger decodes a JSON trigger envelope.
func UnmarshalTrigger(data []byte) (Trigger, error) {
	var env TriggerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "vibrate":
		var t VibrateTrigger
		if err := unmarshalData(env.Data, &t); err != nil {
			return nil, fmt.Errorf("unmarshal vibrate: %w", err)
		}
		return t, nil
	case "power":
		var t PowerTrigger
		if err := unmarshalData(env.Data, &t); err != nil {
			return nil, fmt.Errorf("unmarshal power: %w", err)
		}
		return t, nil
	case "stop":
		return StopTrigger{}, nil
	case "":
		return nil, fmt.Errorf("missing trigger type")
	default:
		return nil, fmt.Errorf("unknown trigger type: %s", env.Type)
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// MarshalTrigger encodes t as a JSON trigger envelope.
func MarshalTrigger(t Trigger) ([]byte, error) {
	env := TriggerEnvelope{Type: t.triggerType()}
	if _, ok := t.(StopTrigger); !ok {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", t.triggerType(), err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}
