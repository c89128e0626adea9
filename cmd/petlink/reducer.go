package main

import "time"

// This file implements the gesture coordinator as a reducer:
//
//   - Events: touch/slider/tap input, UI events, feeding timer expiry
//   - Commands: state mutations, presentation effects, report requests, timer arming
//   - Reduce(): computes next GestureState + commands, without performing I/O
//
// The daemon loop owns the GestureState and the feeding timer, executes the
// Commands and feeds timer expiry back in as an Event.

// ==============================
// Events
// ==============================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// FeedingTimerFired is emitted by the daemon loop when the feeding completion
// timer armed for generation Gen expires.
type FeedingTimerFired struct {
	Gen uint64
}

func (FeedingTimerFired) eventMarker() {}

// HungerObserved tells the coordinator the hunger level was set remotely.
type HungerObserved struct {
	Level int
}

func (HungerObserved) eventMarker() {}

// GestureConfigChanged replaces the gesture policy at runtime (config reload).
type GestureConfigChanged struct {
	Config GestureConfig
}

func (GestureConfigChanged) eventMarker() {}

// ==============================
// State
// ==============================

// GestureConfig is the tap/feeding policy.
type GestureConfig struct {
	RequiredClicks    int
	ClickTimeout      time.Duration
	AnimationDuration time.Duration
	SwipeSoundTimeout time.Duration
}

// GestureState is reducer-owned; nothing outside the daemon loop touches it.
type GestureState struct {
	// Multi-tap accumulator for the feeding gesture.
	ClickCount  int
	LastClickMs uint32

	// Petting session (one slider contact).
	SlideDetected bool
	PettingTicks  int

	// Feeding flow.
	Hungry            bool
	FeedingInProgress bool
	FeedingGen        uint64
}

// FeedingPhase is the externally visible feeding flow state.
type FeedingPhase string

const (
	FeedingIdle       FeedingPhase = "idle"
	FeedingArmed      FeedingPhase = "armed"
	FeedingInProgress FeedingPhase = "in_progress"
)

func (s *GestureState) Phase() FeedingPhase {
	switch {
	case s.FeedingInProgress:
		return FeedingInProgress
	case s.Hungry:
		return FeedingArmed
	default:
		return FeedingIdle
	}
}

// ==============================
// Reducer
// ==============================

// ReduceResult is the output of Reduce(): next state plus Commands to execute.
type ReduceResult struct {
	State    *GestureState
	Commands []Command
}

const (
	expressionFeeding = "wandfood"
	expressionHappy   = "happy"
	expressionDizzy   = "dizzy"
	expressionPoop    = "poop"

	swipeRightSound = "meowing"
	swipeLeftSound  = "cat-in-heat_1"

	reactionExpressionDuration = 3 * time.Second
)

// Reduce is the pure gesture reducer.
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not mutate anything outside the returned state
func Reduce(s *GestureState, e Event, cfg GestureConfig) ReduceResult {
	if s == nil {
		s = &GestureState{}
	}

	var cmds []Command

	switch ev := e.(type) {
	case Tap:
		cmds = reduceTap(s, ev, cfg)

	case Swipe:
		var sound string
		switch ev.Direction {
		case SwipeRight:
			sound = swipeRightSound
		case SwipeLeft:
			sound = swipeLeftSound
		default:
			// Unknown direction: not a petting stroke.
			return ReduceResult{State: s}
		}
		s.SlideDetected = true
		s.PettingTicks++
		cmds = append(cmds,
			CmdApply{Mutation: Mutation{Kind: MutTouch}},
			CmdPlayFile{Sound: sound, Timeout: cfg.SwipeSoundTimeout},
		)

	case Release:
		if s.PettingTicks > 0 {
			cmds = append(cmds, CmdRequestReport{Reason: "petting"})
		}
		s.SlideDetected = false
		s.PettingTicks = 0

	case FeedingTimerFired:
		// Superseded or stale timers are ignored.
		if !s.FeedingInProgress || ev.Gen != s.FeedingGen {
			break
		}
		s.FeedingInProgress = false
		s.Hungry = false
		s.ClickCount = 0
		cmds = append(cmds, CmdSetExpression{Name: expressionHappy})

	case SetHungry:
		setHungry(s, ev.Hungry)

	case HungerObserved:
		setHungry(s, ev.Level >= 2)

	case Cleanup:
		cmds = append(cmds,
			CmdApply{Mutation: Mutation{Kind: MutCleanup}},
			CmdSetExpression{Name: expressionHappy, Duration: reactionExpressionDuration},
			CmdRequestReport{Reason: "cleanup"},
		)

	case Walk:
		cmds = append(cmds,
			CmdApply{Mutation: Mutation{Kind: MutWalking}},
			CmdRequestReport{Reason: "walking"},
		)

	case Faint:
		cmds = append(cmds,
			CmdApply{Mutation: Mutation{Kind: MutFaint}},
			CmdSetExpression{Name: expressionDizzy, Duration: reactionExpressionDuration},
			CmdRequestReport{Reason: "faint"},
		)

	case Exercise:
		if ev.Calories > 0 {
			cmds = append(cmds, CmdApply{Mutation: Mutation{Kind: MutAddCalories, Value: ev.Calories}})
		}

	case Poop:
		cmds = append(cmds,
			CmdApply{Mutation: Mutation{Kind: MutSoil}},
			CmdSetExpression{Name: expressionPoop},
			CmdRequestReport{Reason: "soil"},
		)

	case ReportNow:
		cmds = append(cmds, CmdRequestReport{Reason: "manual"})

	default:
		// Unknown event type: no-op.
	}

	return ReduceResult{
		State:    s,
		Commands: cmds,
	}
}

func reduceTap(s *GestureState, ev Tap, cfg GestureConfig) []Command {
	timeoutMs := uint32(cfg.ClickTimeout / time.Millisecond)

	// A timestamp at or before the last click cannot prove elapsed time, so it
	// counts as "within timeout". It still becomes the new reference point so a
	// wrapped or bogus stamp does not pin the window.
	if s.LastClickMs > 0 && ev.TsMs > s.LastClickMs && ev.TsMs-s.LastClickMs > timeoutMs {
		s.ClickCount = 0
	}
	s.ClickCount++
	s.LastClickMs = ev.TsMs

	if s.ClickCount < cfg.RequiredClicks || !s.Hungry || s.FeedingInProgress {
		return nil
	}

	s.FeedingInProgress = true
	s.ClickCount = 0
	s.FeedingGen++

	return []Command{
		CmdApply{Mutation: Mutation{Kind: MutFeeding}},
		CmdApply{Mutation: Mutation{Kind: MutSetHunger, Value: 1}},
		CmdSetExpression{Name: expressionFeeding},
		CmdPlaySound{Sound: SoundMeowing, Repeat: 1},
		CmdRequestReport{Reason: "feeding"},
		CmdArmFeedingTimer{Gen: s.FeedingGen, After: cfg.AnimationDuration},
	}
}

func setHungry(s *GestureState, hungry bool) {
	s.Hungry = hungry
	if !hungry {
		s.ClickCount = 0
	}
}
