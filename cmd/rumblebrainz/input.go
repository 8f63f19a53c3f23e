package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

func decodeInputEvent(buf []byte) (inputEvent, error) {
	var ev inputEvent
	err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &ev)
	return ev, err
}

// KeyBinding maps a key press on an input device to a manual trigger.
type KeyBinding struct {
	Key        uint16  `yaml:"key"`
	Action     string  `yaml:"action"` // vibrate, power or stop
	Strength   float64 `yaml:"strength,omitempty"`
	DurationMS int     `yaml:"duration_ms,omitempty"`
	Motor      *int    `yaml:"motor,omitempty"`
}

// Trigger returns the trigger fired by the binding.
func (b KeyBinding) Trigger() (Trigger, error) {
	switch b.Action {
	case "vibrate":
		return VibrateTrigger{Strength: b.Strength, DurationMS: b.DurationMS, Motor: b.Motor}, nil
	case "power":
		return PowerTrigger{Strength: b.Strength, Motor: b.Motor}, nil
	case "stop":
		return StopTrigger{}, nil
	default:
		return nil, fmt.Errorf("unknown binding action %q (want vibrate, power or stop)", b.Action)
	}
}

func defaultKeyBindings() []KeyBinding {
	return []KeyBinding{
		{Key: KEY_PLAYPAUSE, Action: "vibrate", Strength: defaultManualStrength, DurationMS: defaultManualDurationMS},
		{Key: KEY_VOLUMEUP, Action: "power", Strength: 0.5},
		{Key: KEY_VOLUMEDOWN, Action: "vibrate", Strength: 0.4, DurationMS: 250},
		{Key: KEY_MUTE, Action: "stop"},
	}
}

// keymap resolves bindings to inputs once, so bad bindings fail at startup.
type keymap map[uint16]Input

func newKeymap(bindings []KeyBinding) (keymap, error) {
	km := make(keymap, len(bindings))
	for _, b := range bindings {
		t, err := b.Trigger()
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", b.Key, err)
		}
		in, err := t.Input()
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", b.Key, err)
		}
		km[b.Key] = in
	}
	return km, nil
}

// translate returns the input for a key press. Releases, repeats and
// non-key events fire nothing.
func (km keymap) translate(ev inputEvent) (Input, bool) {
	if ev.Type != EV_KEY || ev.Value != evValuePress {
		return nil, false
	}
	in, ok := km[ev.Code]
	return in, ok
}

// readDevices is the platform device reader. Tests replace it.
var readDevices = readInputDevices

// runInputDevices reads key events from the given devices and forwards bound
// key presses to inputs until ctx is canceled or a device fails.
func runInputDevices(ctx context.Context, paths []string, bindings []KeyBinding, inputs chan<- Input, logger *slog.Logger) error {
	km, err := newKeymap(bindings)
	if err != nil {
		return err
	}

	files := make([]*os.File, 0, len(paths))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open input device %s (run as root or add user to 'input' group): %w", p, err)
		}
		files = append(files, f)
	}

	events := make(chan inputEvent, 64)
	readErr := make(chan error, 1)
	readCtx, cancel := context.WithCancel(ctx)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readDevices(readCtx, files, events, readErr)
	}()
	// The reader must be out of its epoll wait before the fds are closed.
	defer func() {
		cancel()
		<-readerDone
	}()

	logger.Info("input devices open", "devices", paths, "bindings", len(km))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case ev := <-events:
			in, ok := km.translate(ev)
			if !ok {
				continue
			}
			logger.Debug("key binding fired", "key", ev.Code)
			select {
			case inputs <- in:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
