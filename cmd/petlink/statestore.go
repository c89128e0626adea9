package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// StateStore - canonical device state + report baseline
// ============================================================================
//
// All reads and writes go through one mutex. Delta computation and commit are
// each done under the lock, and Commit advances the baseline by the delta that
// was actually sent (not to "current"), so an event applied between the two
// calls is carried into the next report instead of being lost.
//
// The reporting channel allows at most one report in flight, which is what
// keeps a delta from being committed twice.
// ============================================================================

type StateStore struct {
	mu       sync.Mutex
	state    DeviceState
	baseline ReportBaseline

	logger *slog.Logger

	// onChange receives a snapshot after every successful non-uptime mutation.
	// Called outside the lock.
	onChange func(FullStateReport)
}

// NewStateStore creates a store for deviceID with all counters at zero.
func NewStateStore(deviceID string, start time.Time, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{
		state: DeviceState{
			DeviceID:       deviceID,
			StartTimestamp: uint64(start.Unix()),
		},
		logger: logger,
	}
}

// OnChange installs the change observer. Call before the store is shared.
func (s *StateStore) OnChange(fn func(FullStateReport)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// DeviceID returns the immutable device identifier.
func (s *StateStore) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.DeviceID
}

// ApplyEvent atomically applies one mutation.
func (s *StateStore) ApplyEvent(m Mutation) error {
	s.mu.Lock()
	err := s.applyLocked(m)
	notify := s.onChange
	var snap FullStateReport
	if err == nil && m.Kind != MutUptimeTick && notify != nil {
		snap = s.fullLocked()
	} else {
		notify = nil
	}
	s.mu.Unlock()

	if notify != nil {
		notify(snap)
	}
	return err
}

func (s *StateStore) applyLocked(m Mutation) error {
	st := &s.state

	switch m.Kind {
	case MutUptimeTick:
		st.UptimeSeconds++

	case MutTouch:
		st.TouchCount++

	case MutFaint:
		st.FaintCount++

	case MutCleanup:
		st.CleanupFecesCount++
		st.HasFeces = false

	case MutWalking:
		st.WalkingCount++

	case MutFeeding:
		st.FeedingCount++
		if st.HungerLevel > 0 {
			st.HungerLevel--
		}

	case MutSoil:
		st.HasFeces = true

	case MutSetHunger:
		if m.Value < 0 || m.Value > maxHungerLevel {
			return &ValidationError{
				Field:  "level",
				Reason: fmt.Sprintf("%d out of range [0,%d]", m.Value, maxHungerLevel),
			}
		}
		st.HungerLevel = uint8(m.Value)

	case MutAddCalories:
		if m.Value < 0 {
			return &ValidationError{Field: "calories", Reason: fmt.Sprintf("%d is negative", m.Value)}
		}
		st.FitnessCalories += uint32(m.Value)

	default:
		return fmt.Errorf("%w: %s", ErrInvalidEvent, m.Kind)
	}

	return nil
}

// ComputeDelta returns current-minus-baseline for every monotonic counter and
// the current value of the non-monotonic fields. It never mutates state.
func (s *StateStore) ComputeDelta() DeltaReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, b := &s.state, &s.baseline
	return DeltaReport{
		DeviceID:             st.DeviceID,
		DeltaContinueTime:    s.sub("continue_time", st.UptimeSeconds, b.UptimeSeconds),
		DeltaTouchNum:        s.sub("touch_num", st.TouchCount, b.TouchCount),
		DeltaFaintNum:        s.sub("faint_num", st.FaintCount, b.FaintCount),
		IsHaveFeces:          st.HasFeces,
		DeltaCleanupFecesNum: s.sub("cleanup_feces_num", st.CleanupFecesCount, b.CleanupFecesCount),
		DeltaWalkingNum:      s.sub("walking_num", st.WalkingCount, b.WalkingCount),
		DeltaFeedingNum:      s.sub("feeding_num", st.FeedingCount, b.FeedingCount),
		HungerLevel:          st.HungerLevel,
		DeltaFitnessCalories: s.sub("fitness_calories", st.FitnessCalories, b.FitnessCalories),
	}
}

// sub clamps an underflowing delta to zero instead of letting it wrap.
func (s *StateStore) sub(field string, cur, base uint32) uint32 {
	if cur < base {
		s.logger.Warn("delta underflow clamped to zero", "field", field, "current", cur, "baseline", base)
		return 0
	}
	return cur - base
}

// Commit advances the baseline by a delta that was confirmed sent.
//
// Only pass deltas returned by ComputeDelta on this store, once each.
func (s *StateStore) Commit(sent DeltaReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &s.baseline
	b.UptimeSeconds += sent.DeltaContinueTime
	b.TouchCount += sent.DeltaTouchNum
	b.FaintCount += sent.DeltaFaintNum
	b.CleanupFecesCount += sent.DeltaCleanupFecesNum
	b.WalkingCount += sent.DeltaWalkingNum
	b.FeedingCount += sent.DeltaFeedingNum
	b.FitnessCalories += sent.DeltaFitnessCalories
}

// FullSnapshot returns all current fields.
func (s *StateStore) FullSnapshot() FullStateReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullLocked()
}

func (s *StateStore) fullLocked() FullStateReport {
	st := &s.state
	return FullStateReport{
		DeviceID:        st.DeviceID,
		ContinueTime:    st.UptimeSeconds,
		TouchNum:        st.TouchCount,
		FaintNum:        st.FaintCount,
		IsHaveFeces:     st.HasFeces,
		CleanupFecesNum: st.CleanupFecesCount,
		WalkingNum:      st.WalkingCount,
		FeedingNum:      st.FeedingCount,
		HungerLevel:     st.HungerLevel,
		FitnessCalories: st.FitnessCalories,
		StartTime:       st.StartTimestamp,
	}
}
