package main

import (
	"log/slog"
	"maps"
	"math"
	"slices"
	"time"
)

// EngineConfig contains the tunable parameters of the intensity simulation.
type EngineConfig struct {
	// HalfLife is the time for an unsupported intensity to halve.
	HalfLife time.Duration

	// LinearReduction is subtracted after the exponential step on every tick
	// so intensity reaches zero in finite time.
	LinearReduction float64

	// Threshold snaps intensities below it to exactly zero.
	Threshold float64

	// LongTick is the nominal tick budget. Longer ticks are logged, nothing else.
	LongTick time.Duration
}

// DefaultEngineConfig returns the stock decay constants.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HalfLife:        defaultHalfLife,
		LinearReduction: defaultLinearReduction,
		Threshold:       defaultIntensityThreshold,
		LongTick:        defaultLongTick,
	}
}

// EngineSnapshot is a copy of the engine state for observers.
type EngineSnapshot struct {
	Intensities  []float64       `json:"intensities"`
	Floors       map[int]float64 `json:"floors"`
	ActiveEvents int             `json:"active_events"`
}

// Engine turns overlapping timed events into one decaying intensity per motor.
//
// The engine is single-owner: it is only touched by the daemon goroutine and
// needs no locking.
type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger

	effectors []Effector
	events    []Event

	// floors holds one entry per Vibrates effector, keyed by motor index.
	// It is only changed incrementally by adjustFloor and zeroed by ForceStop.
	floors map[int]float64

	lastTick time.Time
}

// NewEngine returns an engine with no effectors whose clock starts at now.
func NewEngine(cfg EngineConfig, now time.Time, logger *slog.Logger) *Engine {
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = defaultHalfLife
	}
	if cfg.LongTick <= 0 {
		cfg.LongTick = defaultLongTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		floors:   make(map[int]float64),
		lastTick: now,
	}
}

// AddEffector registers a channel. Vibrates effectors get a zero floor entry.
func (e *Engine) AddEffector(eff Effector) {
	e.effectors = append(e.effectors, eff)
	if _, ok := eff.State.(Vibrates); ok {
		e.floors[eff.Index] = 0
	}
}

// AddMultipleVibEffectors adds count vibration effectors indexed 0..count-1.
func (e *Engine) AddMultipleVibEffectors(count int) {
	for i := 0; i < count; i++ {
		e.AddEffector(NewVibrator(i))
	}
}

// ResetForNewDevice force-stops and drops every effector and floor entry.
func (e *Engine) ResetForNewDevice() {
	e.ForceStop()
	e.effectors = nil
	e.floors = make(map[int]float64)
	MotorIntensity.Reset()
}

// AddEvent applies the immediate effect of ev and tracks it until it finishes.
// Stop events force-stop the engine and are not tracked.
func (e *Engine) AddEvent(ev Event) {
	if ev.Action == nil {
		e.logger.Warn("dropping event without action")
		return
	}
	EventsAdded.WithLabelValues(actionKind(ev.Action)).Inc()

	switch a := ev.Action.(type) {
	case StopAction:
		e.logger.Debug("stop event; force stopping")
		e.ForceStop()
		return
	case VibrateAction:
		e.adjustFloor(a.Motor, a.Strength)
	case PowerAction:
		e.adjustFloor(a.Motor, a.Strength)
	case StrokeAction:
		e.logger.Debug("stroke events are not implemented; ignoring effect")
	}

	e.logger.Debug("event added", "action", ev.Action.String(), "lifetime", ev.TimeRemaining)
	e.events = append(e.events, ev)
	ActiveEvents.Set(float64(len(e.events)))
}

// AddEventQueue adds events in order.
func (e *Engine) AddEventQueue(queue []Event) {
	for _, ev := range queue {
		e.AddEvent(ev)
	}
}

// ProcessTick advances the simulation to now: decay, then event time, then retirement.
// A tick whose instant precedes the previous one is skipped without touching state.
func (e *Engine) ProcessTick(now time.Time) {
	if now.Before(e.lastTick) {
		ClockAnomaliesTotal.Inc()
		e.logger.Warn("tick instant precedes previous tick; skipping", "now", now, "last_tick", e.lastTick)
		return
	}

	elapsed := now.Sub(e.lastTick)
	if elapsed > e.cfg.LongTick {
		LongTicksTotal.Inc()
		e.logger.Warn("long tick", "elapsed", elapsed, "budget", e.cfg.LongTick)
	}
	e.lastTick = now
	TicksTotal.Inc()

	e.decay(elapsed)
	for i := range e.events {
		e.events[i].PassTime(elapsed)
	}
	e.retire()

	ActiveEvents.Set(float64(len(e.events)))
}

// decay recomputes every vibration intensity:
//
//	next = max(cur * 0.5^(dt/halfLife) - linear, 0), raised to the floor, snapped to 0 below threshold
func (e *Engine) decay(elapsed time.Duration) {
	factor := math.Pow(0.5, elapsed.Seconds()/e.cfg.HalfLife.Seconds())

	for i, eff := range e.effectors {
		v, ok := eff.State.(Vibrates)
		if !ok {
			continue
		}
		next := math.Max(v.Intensity*factor-e.cfg.LinearReduction, 0)
		if floor := e.floors[eff.Index]; next < floor {
			next = floor
		}
		if next < e.cfg.Threshold {
			next = 0
		}
		e.effectors[i].State = Vibrates{Intensity: next}
		MotorIntensity.WithLabelValues(motorLabel(eff.Index)).Set(next)
	}
}

// retire reverses the floor contribution of every finished event, then drops
// all finished events in one pass.
func (e *Engine) retire() {
	retired := 0
	for _, ev := range e.events {
		if !ev.Finished {
			continue
		}
		retired++
		if strength, motor, ok := floorDelta(ev.Action); ok {
			e.adjustFloor(motor, -strength)
		}
	}
	if retired == 0 {
		return
	}

	e.events = slices.DeleteFunc(e.events, func(ev Event) bool { return ev.Finished })
	EventsRetired.Add(float64(retired))
	e.logger.Debug("events retired", "count", retired, "active", len(e.events))
}

// adjustFloor adds delta to the floor of motor, or of every motor for
// AllMotors, clamping at zero. Unknown motors are ignored.
func (e *Engine) adjustFloor(motor int, delta float64) {
	if motor == AllMotors {
		for idx, floor := range e.floors {
			e.floors[idx] = math.Max(floor+delta, 0)
		}
		return
	}
	floor, ok := e.floors[motor]
	if !ok {
		e.logger.Debug("event targets unknown motor", "motor", motor, "motors", len(e.floors))
		return
	}
	e.floors[motor] = math.Max(floor+delta, 0)
}

// VibratorIntensities returns one intensity per vibration effector, ordered by
// motor index. An effector whose index is beyond the next slot by more than
// one is skipped as out of order.
func (e *Engine) VibratorIntensities() []float64 {
	out := make([]float64, 0, len(e.effectors))
	for _, eff := range e.effectors {
		v, ok := eff.State.(Vibrates)
		if !ok {
			continue
		}
		switch {
		case eff.Index < 0 || eff.Index > len(out)+1:
			e.logger.Warn("vibration effector out of order; skipping", "index", eff.Index, "len", len(out))
		case eff.Index >= len(out):
			out = append(out, v.Intensity)
		default:
			out = slices.Insert(out, eff.Index, v.Intensity)
		}
	}
	return out
}

// ForceStop drops every active event and zeroes every floor. Effector
// intensities are left to decay on the following ticks.
func (e *Engine) ForceStop() {
	e.events = e.events[:0]
	for idx := range e.floors {
		e.floors[idx] = 0
	}
	ActiveEvents.Set(0)
}

// Floor returns the floor of motor.
func (e *Engine) Floor(motor int) (float64, bool) {
	v, ok := e.floors[motor]
	return v, ok
}

// ActiveEvents returns the number of tracked events.
func (e *Engine) ActiveEvents() int { return len(e.events) }

// MotorCount returns the number of vibration effectors.
func (e *Engine) MotorCount() int {
	n := 0
	for _, eff := range e.effectors {
		if _, ok := eff.State.(Vibrates); ok {
			n++
		}
	}
	return n
}

// Snapshot copies the observable state.
func (e *Engine) Snapshot() EngineSnapshot {
	return EngineSnapshot{
		Intensities:  e.VibratorIntensities(),
		Floors:       maps.Clone(e.floors),
		ActiveEvents: len(e.events),
	}
}
