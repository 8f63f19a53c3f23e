package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// Design rules enforced here:
//   - The daemon goroutine is the only owner of the engine and the log tail reader.
//   - Every tick runs poll -> add events -> process tick, regardless of whether
//     the device is reachable.
//   - Device I/O happens on the pusher goroutine; the loop only offers vectors,
//     gated by a minimum push interval.
//
// ============================================================================

// DaemonConfig is the cadence and simulation setup of the daemon loop.
type DaemonConfig struct {
	Engine  EngineConfig
	LogPath string

	TickInterval      time.Duration
	PushInterval      time.Duration
	BroadcastInterval time.Duration
}

// daemon is the state owned by the loop goroutine.
type daemon struct {
	cfg    DaemonConfig
	logger *slog.Logger

	engine *Engine
	tail   *LogTailReader
	pusher *intensityPusher
	hub    *Hub // optional

	device        string
	lastPush      time.Time
	lastBroadcast time.Time

	// stopHold suppresses pushes after a hard stop until a new event arrives,
	// so the decaying tail of the previous intensity does not restart the motors.
	stopHold bool
}

func newDaemon(cfg DaemonConfig, sink DeviceSink, hub *Hub, now time.Time, logger *slog.Logger) *daemon {
	d := &daemon{
		cfg:    cfg,
		logger: logger,
		engine: NewEngine(cfg.Engine, now, logger),
		tail:   NewLogTailReader(cfg.LogPath, logger),
		pusher: newIntensityPusher(sink, logger),
		hub:    hub,
	}
	if n := sink.MotorCount(); n > 0 {
		d.engine.AddMultipleVibEffectors(n)
		DeviceMotors.Set(float64(n))
	}
	return d
}

// runDaemon is the main daemon loop. It:
//   - polls the command log and advances the engine on every tick
//   - applies manual inputs, device changes and snapshot requests
//   - offers intensity vectors to the device pusher
//
// Shutdown semantics:
//   - Exits when ctx is canceled or the inputs channel is closed
//   - Hard-stops the device before returning
func runDaemon(ctx context.Context, inputs <-chan Input, cfg DaemonConfig, sink DeviceSink, hub *Hub, logger *slog.Logger) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second / defaultFrameHz
	}
	d := newDaemon(cfg, sink, hub, time.Now(), logger)

	pushCtx, cancelPush := context.WithCancel(context.Background())
	pushDone := make(chan struct{})
	go func() {
		defer close(pushDone)
		d.pusher.Run(pushCtx)
	}()
	defer func() {
		// The pusher stops the device when its context ends.
		cancelPush()
		<-pushDone
	}()

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	logger.Info("daemon started", "log", cfg.LogPath, "tick", cfg.TickInterval, "push_interval", cfg.PushInterval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case in, ok := <-inputs:
			if !ok {
				logger.Info("daemon stopping (inputs channel closed)")
				return
			}
			d.handle(in)

		case now := <-ticker.C:
			d.tick(now)
		}
	}
}

// tick runs one frame of the loop.
func (d *daemon) tick(now time.Time) {
	events := d.tail.NewEvents()
	if len(events) > 0 {
		d.stopHold = false
	}
	d.engine.AddEventQueue(events)
	d.engine.ProcessTick(now)

	if !d.stopHold && now.Sub(d.lastPush) >= d.cfg.PushInterval {
		d.pusher.Offer(d.engine.VibratorIntensities())
		d.lastPush = now
	}
	if d.hub != nil && now.Sub(d.lastBroadcast) >= d.cfg.BroadcastInterval {
		d.hub.BroadcastIntensities(d.engine.Snapshot(), now)
		d.lastBroadcast = now
	}
}

func (d *daemon) handle(in Input) {
	switch in := in.(type) {
	case ManualEvent:
		d.stopHold = false
		d.engine.AddEvent(in.Event)

	case ManualStop:
		d.logger.Info("manual stop")
		d.engine.ForceStop()
		d.stopHold = true
		d.pusher.RequestStop()

	case DeviceChanged:
		d.logger.Info("device changed", "name", in.Name, "motors", in.MotorCount)
		d.engine.ResetForNewDevice()
		d.engine.AddMultipleVibEffectors(in.MotorCount)
		d.device = in.Name
		DeviceMotors.Set(float64(in.MotorCount))
		// Push on the next tick regardless of the gate.
		d.lastPush = time.Time{}
		if d.hub != nil {
			d.hub.BroadcastDevice(in, time.Now())
		}

	case RequestSnapshot:
		snap := StateSnapshot{
			EngineSnapshot: d.engine.Snapshot(),
			Device:         d.device,
			Watermark:      d.tail.Watermark(),
		}
		select {
		case in.Reply <- snap:
		default:
			d.logger.Warn("snapshot reply dropped (reply channel full)")
		}

	default:
		d.logger.Warn("ignoring unknown input", "type", fmt.Sprintf("%T", in))
	}
}
