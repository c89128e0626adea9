package main

import (
	"bytes"
	"encoding/binary"
	"io"
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

// TsMs is the event time in milliseconds, truncated to the reducer's clock
// width. Wraparound is harmless: the tap gate treats a backwards step as
// "within timeout".
func (ev inputEvent) TsMs() uint32 {
	ms := uint32(ev.Sec*1000 + ev.Usec/1000)
	if ms == 0 {
		// Zero means "stamp on arrival".
		ms = 1
	}
	return ms
}

// translateInputEvent maps a raw evdev event onto a gesture event.
// ok is false for events the pet does not react to (sync, other keys).
func translateInputEvent(ev inputEvent) (Event, bool) {
	switch ev.Type {
	case EV_KEY:
		switch ev.Code {
		case BTN_TOUCH:
			switch ev.Value {
			case evValuePress:
				return Tap{TsMs: ev.TsMs()}, true
			case evValueRelease:
				return Release{}, true
			}
		case KEY_LEFT, KEY_RIGHT:
			switch ev.Value {
			case evValuePress, evValueRepeat:
				dir := SwipeRight
				if ev.Code == KEY_LEFT {
					dir = SwipeLeft
				}
				return Swipe{Direction: dir, TsMs: ev.TsMs()}, true
			case evValueRelease:
				return Release{}, true
			}
		}

	case EV_REL:
		if ev.Code == REL_X && ev.Value != 0 {
			dir := SwipeRight
			if ev.Value < 0 {
				dir = SwipeLeft
			}
			return Swipe{Direction: dir, TsMs: ev.TsMs()}, true
		}
	}
	return nil, false
}

// readInputEvents reads input events from one device and sends them to a
// channel. It blocks on read and returns after the first error.
func readInputEvents(f *os.File, events chan<- inputEvent, readErr chan<- error) {
	evSize := binary.Size(inputEvent{})
	buf := make([]byte, evSize)
	reader := bytes.NewReader(buf)

	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			readErr <- err
			return
		}

		reader.Reset(buf)
		var ev inputEvent
		if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
			continue
		}

		events <- ev
	}
}
