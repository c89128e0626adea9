package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// fakePresenter records presentation effects.
type fakePresenter struct {
	mu          sync.Mutex
	expressions []string
	sounds      []SystemSound
	repeats     []int
	files       []string
	brightness  []int

	failExpression error
	failFile       error
}

func (p *fakePresenter) SetExpression(name string, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failExpression != nil {
		return p.failExpression
	}
	p.expressions = append(p.expressions, name)
	return nil
}

func (p *fakePresenter) PlaySystemSound(s SystemSound, repeat int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sounds = append(p.sounds, s)
	p.repeats = append(p.repeats, repeat)
	return nil
}

func (p *fakePresenter) PlayFile(path string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFile != nil {
		return p.failFile
	}
	p.files = append(p.files, path)
	return nil
}

func (p *fakePresenter) SetBrightness(level int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.brightness = append(p.brightness, level)
	return nil
}

func (p *fakePresenter) lastExpression() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.expressions) == 0 {
		return ""
	}
	return p.expressions[len(p.expressions)-1]
}

// countingReports counts report requests.
type countingReports struct {
	mu sync.Mutex
	n  int
}

func (r *countingReports) RequestReport() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

func (r *countingReports) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type daemonHarness struct {
	events    chan Event
	store     *StateStore
	presenter *fakePresenter
	reports   *countingReports

	mu     sync.Mutex
	states []GestureState
}

func (h *daemonHarness) lastState() GestureState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) == 0 {
		return GestureState{}
	}
	return h.states[len(h.states)-1]
}

func startDaemon(t *testing.T, cfg GestureConfig) *daemonHarness {
	t.Helper()
	h := &daemonHarness{
		events:    make(chan Event, 16),
		store:     NewStateStore("PET_TEST", time.Now(), quietLogger()),
		presenter: &fakePresenter{},
		reports:   &countingReports{},
	}
	fx := &effects{
		store:     h.store,
		presenter: h.presenter,
		reports:   h.reports,
		soundDir:  "/sounds",
	}
	observe := func(s GestureState) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runDaemon(ctx, h.events, fx, cfg, observe, quietLogger())
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("daemon did not stop")
		}
	})
	return h
}

func TestDaemon_FeedingCompletesAfterAnimation(t *testing.T) {
	cfg := testGestureConfig()
	cfg.AnimationDuration = 50 * time.Millisecond
	h := startDaemon(t, cfg)

	h.events <- HungerObserved{Level: 3}
	h.events <- Tap{TsMs: 10}
	h.events <- Tap{TsMs: 20}
	h.events <- Tap{TsMs: 30}

	waitUntil(t, time.Second, func() bool {
		return h.store.FullSnapshot().FeedingNum == 1
	}, "feeding not applied")
	if got := h.store.FullSnapshot().HungerLevel; got != 1 {
		t.Fatalf("hunger after feeding = %d, want 1", got)
	}

	waitUntil(t, time.Second, func() bool {
		return h.presenter.lastExpression() == expressionHappy
	}, "feeding animation did not complete")

	if s := h.lastState(); s.FeedingInProgress || s.Hungry {
		t.Fatalf("unexpected gesture state after completion %+v", s)
	}
	if h.reports.count() < 1 {
		t.Fatalf("expected a report request for feeding")
	}

	h.presenter.mu.Lock()
	defer h.presenter.mu.Unlock()
	if len(h.presenter.sounds) != 1 || h.presenter.sounds[0] != SoundMeowing {
		t.Fatalf("expected one meowing sound, got %v", h.presenter.sounds)
	}
}

func TestDaemon_SwipeResolvesSoundFile(t *testing.T) {
	h := startDaemon(t, testGestureConfig())

	h.events <- Swipe{Direction: SwipeRight}
	h.events <- Release{}

	waitUntil(t, time.Second, func() bool { return h.reports.count() == 1 }, "release did not request a report")

	if got := h.store.FullSnapshot().TouchNum; got != 1 {
		t.Fatalf("touch count = %d", got)
	}
	h.presenter.mu.Lock()
	defer h.presenter.mu.Unlock()
	if len(h.presenter.files) != 1 || h.presenter.files[0] != "/sounds/meowing.mp3" {
		t.Fatalf("unexpected files %v", h.presenter.files)
	}
}

func TestDaemon_EffectFailureDoesNotStopLoop(t *testing.T) {
	h := startDaemon(t, testGestureConfig())
	h.presenter.mu.Lock()
	h.presenter.failFile = errors.New("no audio")
	h.presenter.mu.Unlock()

	h.events <- Swipe{Direction: SwipeLeft}
	h.events <- Walk{}

	waitUntil(t, time.Second, func() bool {
		return h.store.FullSnapshot().WalkingNum == 1
	}, "walk not applied after a failed effect")
	if got := h.store.FullSnapshot().TouchNum; got != 1 {
		t.Fatalf("touch should still be counted, got %d", got)
	}
}

func TestDaemon_GestureConfigChanged(t *testing.T) {
	h := startDaemon(t, testGestureConfig())

	next := testGestureConfig()
	next.RequiredClicks = 1
	h.events <- GestureConfigChanged{Config: next}
	h.events <- SetHungry{Hungry: true}
	h.events <- Tap{TsMs: 5}

	waitUntil(t, time.Second, func() bool {
		return h.store.FullSnapshot().FeedingNum == 1
	}, "single tap should feed after the policy change")
}

func TestStampEvent(t *testing.T) {
	started := time.Now().Add(-250 * time.Millisecond)

	tap := stampEvent(Tap{}, started).(Tap)
	if tap.TsMs < 250 {
		t.Fatalf("expected stamped tap >= 250ms, got %d", tap.TsMs)
	}
	if got := stampEvent(Tap{TsMs: 7}, started).(Tap); got.TsMs != 7 {
		t.Fatalf("source timestamp overwritten: %d", got.TsMs)
	}
	sw := stampEvent(Swipe{Direction: SwipeLeft}, started).(Swipe)
	if sw.TsMs == 0 || sw.Direction != SwipeLeft {
		t.Fatalf("unexpected swipe %+v", sw)
	}
	if _, ok := stampEvent(Walk{}, started).(Walk); !ok {
		t.Fatalf("non-timed events pass through")
	}
}

func TestEffects_UnknownCommand(t *testing.T) {
	fx := &effects{store: newTestStore(t), presenter: &fakePresenter{}}
	var unk errUnknownCommand
	if err := fx.run(CmdArmFeedingTimer{Gen: 1}); !errors.As(err, &unk) {
		t.Fatalf("expected errUnknownCommand, got %v", err)
	}
}

func TestEffects_PresentationErrorIsWrapped(t *testing.T) {
	fx := &effects{store: newTestStore(t), presenter: &fakePresenter{failExpression: errors.New("panel off")}}
	err := fx.run(CmdSetExpression{Name: "happy"})
	var ee *EffectError
	if !errors.As(err, &ee) || ee.Effect != "set_expression" {
		t.Fatalf("expected EffectError, got %v", err)
	}
	if errorClass(err) != "effect" {
		t.Fatalf("error class = %s", errorClass(err))
	}
}
