package main

// ============================================================================
// Input Events - touch, slider and UI sources
// ============================================================================
// These represent raw intent from the evdev reader, the GPIO touch pad, the
// IPC socket (UI/scripts) and the self-test job. The daemon loop reduces them
// through the gesture coordinator.
// ============================================================================

// Tap is one screen/pad tap. TsMs is a millisecond timestamp from the source
// clock; zero means "stamp on arrival".
type Tap struct {
	TsMs uint32 `json:"ts_ms,omitempty"`
}

func (Tap) eventMarker() {}

// SwipeDirection is the slider stroke direction.
type SwipeDirection string

const (
	SwipeLeft  SwipeDirection = "left"
	SwipeRight SwipeDirection = "right"
)

// Swipe is one slider stroke within a petting session.
type Swipe struct {
	Direction SwipeDirection `json:"direction"`
	TsMs      uint32         `json:"ts_ms,omitempty"`
}

func (Swipe) eventMarker() {}

// Release ends the current slider contact.
type Release struct{}

func (Release) eventMarker() {}

// Cleanup removes the feces.
type Cleanup struct{}

func (Cleanup) eventMarker() {}

// Walk records one walk.
type Walk struct{}

func (Walk) eventMarker() {}

// Faint records one faint.
type Faint struct{}

func (Faint) eventMarker() {}

// Exercise adds burned calories.
type Exercise struct {
	Calories int `json:"calories"`
}

func (Exercise) eventMarker() {}

// Poop is a soiling event.
type Poop struct{}

func (Poop) eventMarker() {}

// SetHungry toggles the hungry flag that arms the feeding gesture.
type SetHungry struct {
	Hungry bool `json:"hungry"`
}

func (SetHungry) eventMarker() {}

// ReportNow requests an immediate status report.
type ReportNow struct{}

func (ReportNow) eventMarker() {}
