package main

import "time"

// Linux input event types (from <linux/input.h>)
const (
	EV_KEY = 0x01
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Key codes used by the default bindings (from <linux/input-event-codes.h>)
const (
	KEY_MUTE       = 113
	KEY_VOLUMEDOWN = 114
	KEY_VOLUMEUP   = 115
	KEY_PLAYPAUSE  = 164
)

// Intensity simulation defaults
const (
	defaultHalfLife           = 200 * time.Millisecond // Time for an unsupported intensity to halve
	defaultLinearReduction    = 0.005                  // Subtracted after the exponential step
	defaultIntensityThreshold = 0.01                   // Intensities below this snap to 0
	defaultLongTick           = 100 * time.Millisecond // Nominal tick budget, longer ticks are logged
)

// Daemon loop defaults
const (
	defaultFrameHz             = 60  // Simulation tick frequency (Hz)
	defaultPushIntervalMS      = 100 // Minimum interval between device pushes (ms)
	defaultBroadcastIntervalMS = 100 // Minimum interval between state WS frames (ms)
)

// Buttplug defaults
const (
	defaultButtplugURL   = "ws://127.0.0.1:12345"
	defaultClientName    = "rumblebrainz"
	defaultReadTimeoutMS = 1000 // Timeout for a Buttplug reply (ms)
	defaultScanMS        = 1000 // How long to scan for devices on connect (ms)

	buttplugMessageVersion = 3
)

// Manual trigger defaults
const (
	defaultManualStrength   = 1.0
	defaultManualDurationMS = 500
)
