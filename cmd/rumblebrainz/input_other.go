//go:build !linux

package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

// readInputDevices falls back to one blocking reader per device.
func readInputDevices(ctx context.Context, files []*os.File, events chan<- inputEvent, readErr chan<- error) {
	if len(files) == 0 {
		readErr <- fmt.Errorf("no input devices provided")
		return
	}
	for _, f := range files {
		go func(f *os.File) {
			buf := make([]byte, inputEventSize)
			for {
				if _, err := io.ReadFull(f, buf); err != nil {
					select {
					case readErr <- fmt.Errorf("read from %s: %w", f.Name(), err):
					default:
					}
					return
				}
				ev, err := decodeInputEvent(buf)
				if err != nil {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(f)
	}
}
