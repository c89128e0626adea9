package main

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *StateStore {
	t.Helper()
	return NewStateStore("PET_A1B2C3D4E5F6", time.Unix(1700000000, 0), slog.Default())
}

func applyN(t *testing.T, s *StateStore, m Mutation, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.ApplyEvent(m); err != nil {
			t.Fatalf("ApplyEvent(%s): %v", m, err)
		}
	}
}

func TestStateStore_FreshDeltaIsZero(t *testing.T) {
	s := newTestStore(t)

	d := s.ComputeDelta()
	if d.DeviceID != "PET_A1B2C3D4E5F6" {
		t.Fatalf("device id = %q", d.DeviceID)
	}
	if d.DeltaContinueTime != 0 || d.DeltaTouchNum != 0 || d.DeltaFeedingNum != 0 || d.DeltaFitnessCalories != 0 {
		t.Fatalf("expected zero deltas on a fresh store, got %+v", d)
	}
	if full := s.FullSnapshot(); full.StartTime != 1700000000 {
		t.Fatalf("start time = %d", full.StartTime)
	}
}

func TestStateStore_DeltaThenCommit(t *testing.T) {
	s := newTestStore(t)
	applyN(t, s, Mutation{Kind: MutUptimeTick}, 30)
	applyN(t, s, Mutation{Kind: MutTouch}, 4)

	d := s.ComputeDelta()
	if d.DeltaContinueTime != 30 || d.DeltaTouchNum != 4 {
		t.Fatalf("unexpected delta %+v", d)
	}

	// Computing twice without commit yields the same delta.
	if d2 := s.ComputeDelta(); d2 != d {
		t.Fatalf("ComputeDelta mutated state: %+v vs %+v", d, d2)
	}

	s.Commit(d)
	d = s.ComputeDelta()
	if d.DeltaContinueTime != 0 || d.DeltaTouchNum != 0 {
		t.Fatalf("expected zero delta after commit, got %+v", d)
	}

	// Full snapshot still carries lifetime totals.
	full := s.FullSnapshot()
	if full.ContinueTime != 30 || full.TouchNum != 4 {
		t.Fatalf("unexpected full snapshot %+v", full)
	}
}

func TestStateStore_EventBetweenComputeAndCommitIsNotLost(t *testing.T) {
	s := newTestStore(t)
	applyN(t, s, Mutation{Kind: MutTouch}, 2)

	sent := s.ComputeDelta()
	applyN(t, s, Mutation{Kind: MutTouch}, 1) // lands while the report is in flight
	s.Commit(sent)

	if d := s.ComputeDelta(); d.DeltaTouchNum != 1 {
		t.Fatalf("expected the in-flight touch in the next delta, got %d", d.DeltaTouchNum)
	}
}

func TestStateStore_FailedSendKeepsDelta(t *testing.T) {
	s := newTestStore(t)
	applyN(t, s, Mutation{Kind: MutWalking}, 3)

	_ = s.ComputeDelta() // send failed; nothing committed
	applyN(t, s, Mutation{Kind: MutWalking}, 1)

	if d := s.ComputeDelta(); d.DeltaWalkingNum != 4 {
		t.Fatalf("expected accumulated walking delta 4, got %d", d.DeltaWalkingNum)
	}
}

func TestStateStore_Conservation(t *testing.T) {
	s := newTestStore(t)

	var committed uint32
	for round := 1; round <= 5; round++ {
		applyN(t, s, Mutation{Kind: MutTouch}, round)
		d := s.ComputeDelta()
		if round%2 == 0 {
			continue // dropped report
		}
		s.Commit(d)
		committed += d.DeltaTouchNum
	}
	committed += s.ComputeDelta().DeltaTouchNum

	if full := s.FullSnapshot(); committed != full.TouchNum {
		t.Fatalf("committed deltas %d + pending != total %d", committed, full.TouchNum)
	}
}

func TestStateStore_Feeding(t *testing.T) {
	s := newTestStore(t)
	if err := s.ApplyEvent(Mutation{Kind: MutSetHunger, Value: 3}); err != nil {
		t.Fatal(err)
	}
	applyN(t, s, Mutation{Kind: MutFeeding}, 1)

	full := s.FullSnapshot()
	if full.FeedingNum != 1 || full.HungerLevel != 2 {
		t.Fatalf("feeding should count and lower hunger, got %+v", full)
	}

	// Hunger never goes below zero.
	applyN(t, s, Mutation{Kind: MutFeeding}, 5)
	if got := s.FullSnapshot().HungerLevel; got != 0 {
		t.Fatalf("hunger level = %d, want 0", got)
	}
}

func TestStateStore_SoilAndCleanup(t *testing.T) {
	s := newTestStore(t)
	applyN(t, s, Mutation{Kind: MutSoil}, 2)
	if !s.FullSnapshot().IsHaveFeces {
		t.Fatalf("expected feces after soil")
	}
	applyN(t, s, Mutation{Kind: MutCleanup}, 1)
	full := s.FullSnapshot()
	if full.IsHaveFeces || full.CleanupFecesNum != 1 {
		t.Fatalf("unexpected state after cleanup %+v", full)
	}

	// Cleaning an already clean pet still counts.
	applyN(t, s, Mutation{Kind: MutCleanup}, 1)
	if got := s.FullSnapshot().CleanupFecesNum; got != 2 {
		t.Fatalf("cleanup count = %d, want 2", got)
	}
}

func TestStateStore_SetHungerRange(t *testing.T) {
	s := newTestStore(t)

	for _, lvl := range []int{-1, 4, 7} {
		err := s.ApplyEvent(Mutation{Kind: MutSetHunger, Value: lvl})
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("level %d: expected ValidationError, got %v", lvl, err)
		}
	}
	if got := s.FullSnapshot().HungerLevel; got != 0 {
		t.Fatalf("rejected level changed state: %d", got)
	}

	if err := s.ApplyEvent(Mutation{Kind: MutSetHunger, Value: 3}); err != nil {
		t.Fatal(err)
	}
	if d := s.ComputeDelta(); d.HungerLevel != 3 {
		t.Fatalf("hunger level is reported as-is, got %d", d.HungerLevel)
	}
}

func TestStateStore_Calories(t *testing.T) {
	s := newTestStore(t)
	if err := s.ApplyEvent(Mutation{Kind: MutAddCalories, Value: 25}); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyEvent(Mutation{Kind: MutAddCalories, Value: -1}); err == nil {
		t.Fatalf("expected negative calories to be rejected")
	}
	if d := s.ComputeDelta(); d.DeltaFitnessCalories != 25 {
		t.Fatalf("calories delta = %d", d.DeltaFitnessCalories)
	}
}

func TestStateStore_UnknownMutation(t *testing.T) {
	s := newTestStore(t)
	err := s.ApplyEvent(Mutation{Kind: MutationKind(99)})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestStateStore_UnderflowClampsToZero(t *testing.T) {
	s := newTestStore(t)
	applyN(t, s, Mutation{Kind: MutTouch}, 1)

	// A delta that was never computed by this store drives the baseline past
	// the counter.
	s.Commit(DeltaReport{DeltaTouchNum: 5})

	if d := s.ComputeDelta(); d.DeltaTouchNum != 0 {
		t.Fatalf("expected clamped delta 0, got %d", d.DeltaTouchNum)
	}
}

func TestStateStore_OnChangeSkipsUptime(t *testing.T) {
	s := newTestStore(t)

	var mu sync.Mutex
	var got []FullStateReport
	s.OnChange(func(r FullStateReport) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	applyN(t, s, Mutation{Kind: MutUptimeTick}, 3)
	applyN(t, s, Mutation{Kind: MutTouch}, 1)
	_ = s.ApplyEvent(Mutation{Kind: MutSetHunger, Value: 9}) // rejected

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 change notification, got %d", len(got))
	}
	if got[0].TouchNum != 1 || got[0].ContinueTime != 3 {
		t.Fatalf("unexpected snapshot %+v", got[0])
	}
}

func TestStateStore_ConcurrentApply(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.ApplyEvent(Mutation{Kind: MutTouch})
			}
		}()
	}

	var committed uint32
	for i := 0; i < 20; i++ {
		d := s.ComputeDelta()
		s.Commit(d)
		committed += d.DeltaTouchNum
	}
	wg.Wait()
	committed += s.ComputeDelta().DeltaTouchNum

	if committed != 800 {
		t.Fatalf("expected 800 touches across deltas, got %d", committed)
	}
}
