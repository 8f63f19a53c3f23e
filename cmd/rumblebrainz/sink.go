package main

import (
	"context"
	"log/slog"
	"math"
)

// pushEpsilon is the largest per-motor change that still counts as "unchanged"
// when deciding whether to resend a vector.
const pushEpsilon = 0.001

// DeviceSink is the transport boundary: a bound device with some number of
// vibration motors. Implementations may block on I/O.
type DeviceSink interface {
	MotorCount() int
	SetIntensities(values []float64) error
	Stop() error
}

// reconcileIntensities fits values to a device with motors channels:
// extra values are dropped, missing ones are zero, and every value is clamped into [0, 1].
func reconcileIntensities(values []float64, motors int) []float64 {
	if motors <= 0 {
		return nil
	}
	out := make([]float64, motors)
	copy(out, values)
	for i, v := range out {
		switch {
		case math.IsNaN(v) || v < 0:
			out[i] = 0
		case v > 1:
			out[i] = 1
		}
	}
	return out
}

// pushIntensities reconciles values against the sink's motor count and sends them.
func pushIntensities(sink DeviceSink, values []float64) ([]float64, error) {
	motors := sink.MotorCount()
	if motors == 0 {
		return nil, errNoDevice()
	}
	vec := reconcileIntensities(values, motors)
	return vec, sink.SetIntensities(vec)
}

// intensityPusher runs the device sink on its own goroutine so a slow or broken
// transport never holds up the daemon tick. The daemon offers vectors; only the
// newest pending vector is ever sent.
type intensityPusher struct {
	sink   DeviceSink
	logger *slog.Logger

	mailbox chan []float64
	stops   chan struct{}

	lastPushed []float64
}

func newIntensityPusher(sink DeviceSink, logger *slog.Logger) *intensityPusher {
	return &intensityPusher{
		sink:    sink,
		logger:  logger,
		mailbox: make(chan []float64, 1),
		stops:   make(chan struct{}, 1),
	}
}

// Offer queues values for the next push, replacing any vector still waiting.
// It never blocks.
//
// This is intended to be called only by the daemon goroutine (single producer).
func (p *intensityPusher) Offer(values []float64) {
	select {
	case p.mailbox <- values:
		return
	default:
	}
	select {
	case <-p.mailbox:
	default:
	}
	select {
	case p.mailbox <- values:
	default:
	}
}

// RequestStop asks for a hard device stop. Any vector waiting to be pushed is discarded.
func (p *intensityPusher) RequestStop() {
	select {
	case <-p.mailbox:
	default:
	}
	select {
	case p.stops <- struct{}{}:
	default:
	}
}

// Run pushes offered vectors until ctx is canceled, then stops the device.
func (p *intensityPusher) Run(ctx context.Context) {
	for {
		// Stop requests win over pending vectors.
		select {
		case <-p.stops:
			p.stop()
			continue
		default:
		}

		select {
		case <-ctx.Done():
			p.stop()
			return
		case <-p.stops:
			p.stop()
		case values := <-p.mailbox:
			p.push(values)
		}
	}
}

func (p *intensityPusher) push(values []float64) {
	if p.unchanged(values) {
		return
	}
	vec, err := pushIntensities(p.sink, values)
	if err != nil {
		DevicePushes.WithLabelValues(PushFailed).Inc()
		p.lastPushed = nil
		if errorCode(err) == CodeNoDevice {
			p.logger.Debug("no device bound; intensities not pushed")
			return
		}
		p.logger.Warn("device push failed", errorAttrs(err)...)
		return
	}
	DevicePushes.WithLabelValues(PushOK).Inc()
	p.lastPushed = vec
}

// unchanged reports whether values would resend what the device already has.
func (p *intensityPusher) unchanged(values []float64) bool {
	if p.lastPushed == nil {
		return false
	}
	vec := reconcileIntensities(values, p.sink.MotorCount())
	if len(vec) != len(p.lastPushed) {
		return false
	}
	for i := range vec {
		if math.Abs(vec[i]-p.lastPushed[i]) > pushEpsilon {
			return false
		}
	}
	return true
}

func (p *intensityPusher) stop() {
	p.lastPushed = nil
	if err := p.sink.Stop(); err != nil {
		p.logger.Warn("device stop failed", errorAttrs(err)...)
		return
	}
	p.logger.Debug("device stopped")
}
