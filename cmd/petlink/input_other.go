//go:build !linux

package main

import (
	"fmt"
	"os"
)

// readInputDevices falls back to one blocking reader per device.
func readInputDevices(files []*os.File, events chan<- inputEvent, readErr chan<- error) {
	if len(files) == 0 {
		readErr <- fmt.Errorf("no input devices provided")
		return
	}
	for _, f := range files {
		go readInputEvents(f, events, readErr)
	}
}
