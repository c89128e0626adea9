package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop - Reducer-driven "Pet Brain"
// ============================================================================
//
// Design rules enforced here:
//   - The gesture reducer performs no I/O and computes: next state + commands.
//   - The daemon loop is the only goroutine that touches GestureState.
//   - Side effects (state mutations, presentation, report requests) run in
//     runEffect; network sends are only requested, never performed here.
//   - The feeding completion timer is owned by the loop and re-enters it as a
//     FeedingTimerFired event (cancel-then-create on every re-arm).
//   - Explicit event and command queues: no nested/re-entrant execution.
//
// ============================================================================

// runDaemon reduces events from every input source until ctx is canceled or
// events is closed. observe, if set, sees the gesture state after each event.
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	fx *effects,
	cfg GestureConfig,
	observe func(GestureState),
	logger *slog.Logger,
) {
	state := &GestureState{}
	started := time.Now()

	// Feeding completion timer.
	var feedTimer *time.Timer
	var feedTimerC <-chan time.Time
	var feedGen uint64
	defer func() {
		if feedTimer != nil {
			feedTimer.Stop()
		}
	}()

	armFeeding := func(c CmdArmFeedingTimer) {
		if feedTimer != nil {
			feedTimer.Stop()
		}
		feedTimer = time.NewTimer(c.After)
		feedTimerC = feedTimer.C
		feedGen = c.Gen
		logger.Debug("feeding timer armed", "gen", c.Gen, "after", c.After)
	}

	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			if c, ok := ev.(GestureConfigChanged); ok {
				cfg = c.Config
				logger.Info("gesture config updated",
					"required_clicks", cfg.RequiredClicks,
					"click_timeout", cfg.ClickTimeout,
					"animation", cfg.AnimationDuration)
				continue
			}

			fx.metrics.IncGesture(eventKind(ev))

			rr := Reduce(state, ev, cfg)
			if rr.State != nil {
				state = rr.State
			}
			cmdQueue = append(cmdQueue, rr.Commands...)
		}
	}

	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			if c, ok := cmd.(CmdArmFeedingTimer); ok {
				armFeeding(c)
				continue
			}
			if err := fx.run(cmd); err != nil {
				logger.Warn("effect failed", "command", cmd.String(), "class", errorClass(err), "error", err)
			}
		}
	}

	step := func(ev Event) {
		enqueueEvent(ev)
		flushEvents()
		flushCommands()
		if observe != nil {
			observe(*state)
		}
	}

	if observe != nil {
		observe(*state)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			step(stampEvent(ev, started))

		case <-feedTimerC:
			feedTimer = nil
			feedTimerC = nil
			step(FeedingTimerFired{Gen: feedGen})
		}
	}
}

// stampEvent gives taps and swipes without a source timestamp one from the
// daemon's monotonic clock.
func stampEvent(ev Event, started time.Time) Event {
	now := func() uint32 { return uint32(time.Since(started).Milliseconds()) + 1 }
	switch e := ev.(type) {
	case Tap:
		if e.TsMs == 0 {
			e.TsMs = now()
		}
		return e
	case Swipe:
		if e.TsMs == 0 {
			e.TsMs = now()
		}
		return e
	}
	return ev
}

// eventKind is the metrics label for an event.
func eventKind(ev Event) string {
	switch e := ev.(type) {
	case Tap:
		return "tap"
	case Swipe:
		return "swipe_" + string(e.Direction)
	case Release:
		return "release"
	case Cleanup:
		return "cleanup"
	case Walk:
		return "walk"
	case Faint:
		return "faint"
	case Exercise:
		return "exercise"
	case Poop:
		return "poop"
	case SetHungry:
		return "set_hungry"
	case HungerObserved:
		return "hunger_observed"
	case ReportNow:
		return "report_now"
	case FeedingTimerFired:
		return "feeding_complete"
	default:
		return "other"
	}
}
