package main

import "fmt"

// DeviceState is the canonical behavioral state of the pet.
//
// It is owned by StateStore; other components only ever see value copies
// (DeltaReport, FullStateReport).
type DeviceState struct {
	DeviceID string

	// UptimeSeconds is advanced once per second by the uptime clock.
	UptimeSeconds uint32

	// Monotonic event counters. Never decremented or reset.
	TouchCount        uint32
	FaintCount        uint32
	CleanupFecesCount uint32
	WalkingCount      uint32
	FeedingCount      uint32

	HasFeces bool

	// HungerLevel: 0 = fully fed, 3 = starving.
	HungerLevel uint8

	FitnessCalories uint32

	// StartTimestamp is wall-clock seconds at initialization.
	StartTimestamp uint64
}

// ReportBaseline holds the last committed value of every monotonic counter.
// Only StateStore.Commit mutates it.
type ReportBaseline struct {
	UptimeSeconds     uint32
	TouchCount        uint32
	FaintCount        uint32
	CleanupFecesCount uint32
	WalkingCount      uint32
	FeedingCount      uint32
	FitnessCalories   uint32
}

const maxHungerLevel = 3

// MutationKind names one of the state transitions StateStore accepts.
type MutationKind int

const (
	MutUptimeTick MutationKind = iota + 1
	MutTouch
	MutFaint
	MutCleanup
	MutWalking
	MutFeeding
	MutSoil
	MutSetHunger
	MutAddCalories
)

func (k MutationKind) String() string {
	switch k {
	case MutUptimeTick:
		return "uptime_tick"
	case MutTouch:
		return "touch"
	case MutFaint:
		return "faint"
	case MutCleanup:
		return "cleanup"
	case MutWalking:
		return "walking"
	case MutFeeding:
		return "feeding"
	case MutSoil:
		return "soil"
	case MutSetHunger:
		return "set_hunger"
	case MutAddCalories:
		return "add_calories"
	default:
		return fmt.Sprintf("mutation(%d)", int(k))
	}
}

// Mutation is one applyEvent request. Value carries the payload for
// MutSetHunger (level) and MutAddCalories (calories); it is ignored otherwise.
type Mutation struct {
	Kind  MutationKind
	Value int
}

func (m Mutation) String() string {
	switch m.Kind {
	case MutSetHunger, MutAddCalories:
		return fmt.Sprintf("%s(%d)", m.Kind, m.Value)
	default:
		return m.Kind.String()
	}
}

// DeltaReport is the per-cycle report body. Field order and names follow the
// device_status wire format.
type DeltaReport struct {
	DeviceID             string `json:"device_id"`
	DeltaContinueTime    uint32 `json:"delta_continue_time"`
	DeltaTouchNum        uint32 `json:"delta_touch_num"`
	DeltaFaintNum        uint32 `json:"delta_faint_num"`
	IsHaveFeces          bool   `json:"is_have_feces"`
	DeltaCleanupFecesNum uint32 `json:"delta_cleanup_feces_num"`
	DeltaWalkingNum      uint32 `json:"delta_walking_num"`
	DeltaFeedingNum      uint32 `json:"delta_feeding_num"`
	HungerLevel          uint8  `json:"hunger_level"`
	DeltaFitnessCalories uint32 `json:"delta_fitness_calories"`
}

// FullStateReport is every current field, for diagnostics. Producing one never
// touches the baseline.
type FullStateReport struct {
	DeviceID        string `json:"device_id"`
	ContinueTime    uint32 `json:"continue_time"`
	TouchNum        uint32 `json:"touch_num"`
	FaintNum        uint32 `json:"faint_num"`
	IsHaveFeces     bool   `json:"is_have_feces"`
	CleanupFecesNum uint32 `json:"cleanup_feces_num"`
	WalkingNum      uint32 `json:"walking_num"`
	FeedingNum      uint32 `json:"feeding_num"`
	HungerLevel     uint8  `json:"hunger_level"`
	FitnessCalories uint32 `json:"fitness_calories"`
	StartTime       uint64 `json:"start_time"`
}
