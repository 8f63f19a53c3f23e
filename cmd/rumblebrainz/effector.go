package main

// EffectorState is the per-channel state of an effector.
// The set is closed: Vibrates or Strokes.
type EffectorState interface {
	effectorMarker()
}

// Vibrates is a vibration motor with its current intensity.
type Vibrates struct {
	Intensity float64
}

func (Vibrates) effectorMarker() {}

// Strokes is a linear actuator. Only its amplitude is tracked; the engine
// never drives it.
type Strokes struct {
	Amplitude float64
}

func (Strokes) effectorMarker() {}

// Effector is one controllable output channel of the bound device.
type Effector struct {
	State EffectorState
	Index int
}

// NewVibrator returns an idle vibration effector for motor index.
func NewVibrator(index int) Effector {
	return Effector{State: Vibrates{}, Index: index}
}
