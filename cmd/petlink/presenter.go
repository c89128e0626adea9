package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Presentation effects - expressions, sounds, brightness
// ============================================================================
//
// The display and audio stacks live outside this daemon. Presenter is the
// seam: the gesture loop and the command processor ask for an effect and get
// back success or failure. devicePresenter validates requests against the
// known tables, tracks the current expression, and plays audio through an
// optional external player command.
// ============================================================================

// Presenter accepts presentation effect requests.
type Presenter interface {
	// SetExpression shows name. d == 0 is permanent; otherwise the previous
	// permanent expression is restored after d.
	SetExpression(name string, d time.Duration) error
	PlaySystemSound(s SystemSound, repeat int) error
	// PlayFile plays a resolved sound file. timeout == 0 means no limit.
	PlayFile(path string, timeout time.Duration) error
	SetBrightness(level int) error
}

// SystemSound is a built-in named sound.
type SystemSound int

const (
	SoundMeowing SystemSound = iota + 1
	SoundPurring
	SoundHungry
	SoundHappy
	SoundAlert
)

// systemSounds maps wire names to sounds. Checked by validateSoundTable.
var systemSounds = map[string]SystemSound{
	"meowing": SoundMeowing,
	"purring": SoundPurring,
	"hungry":  SoundHungry,
	"happy":   SoundHappy,
	"alert":   SoundAlert,
}

func (s SystemSound) String() string {
	for name, v := range systemSounds {
		if v == s {
			return name
		}
	}
	return fmt.Sprintf("sound(%d)", int(s))
}

// lookupSystemSound resolves a wire name to a SystemSound.
func lookupSystemSound(name string) (SystemSound, bool) {
	s, ok := systemSounds[strings.ToLower(name)]
	return s, ok
}

// knownExpressions is the set of emoji/expressions the display can render.
var knownExpressions = map[string]struct{}{
	"neutral":   {},
	"happy":     {},
	"laughing":  {},
	"sad":       {},
	"crying":    {},
	"angry":     {},
	"surprised": {},
	"sleepy":    {},
	"loving":    {},
	"thinking":  {},
	"dizzy":     {},
	"wandfood":  {},
	"poop":      {},
}

const (
	minBrightness     = 10
	maxBrightness     = 100
	defaultBrightness = 100

	defaultSoundExt = ".mp3"
	fileURLPrefix   = "file://"
)

var (
	errUnknownExpression = errors.New("unknown expression")
	errSoundNotFound     = errors.New("sound file not found")
)

// validateSoundTable checks the sound table is a bijection with non-empty names.
func validateSoundTable() error {
	seen := make(map[SystemSound]string, len(systemSounds))
	for name, s := range systemSounds {
		if name == "" || name != strings.ToLower(name) {
			return fmt.Errorf("system sound name %q must be lowercase and non-empty", name)
		}
		if prev, ok := seen[s]; ok {
			return fmt.Errorf("system sound %d mapped twice (%q, %q)", int(s), prev, name)
		}
		seen[s] = name
	}
	return nil
}

// resolveSoundPath turns a short sound name into a playable path: ".mp3" is
// added when there is no extension and relative names are placed under dir.
func resolveSoundPath(sound, dir string) string {
	p := strings.TrimPrefix(sound, fileURLPrefix)
	if filepath.Ext(p) == "" {
		p += defaultSoundExt
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	return p
}

func clampBrightness(level int) int {
	if level < minBrightness {
		return minBrightness
	}
	if level > maxBrightness {
		return maxBrightness
	}
	return level
}

// devicePresenter is the Presenter used by the daemon.
type devicePresenter struct {
	logger    *slog.Logger
	soundDir  string
	playerCmd []string

	mu         sync.Mutex
	expression string // currently shown
	permanent  string // restored after a timed expression
	revert     *time.Timer
	brightness int
}

func newDevicePresenter(soundDir, playerCmd string, logger *slog.Logger) *devicePresenter {
	return &devicePresenter{
		logger:     logger,
		soundDir:   soundDir,
		playerCmd:  strings.Fields(playerCmd),
		expression: "neutral",
		permanent:  "neutral",
		brightness: defaultBrightness,
	}
}

func (p *devicePresenter) SetExpression(name string, d time.Duration) error {
	if _, ok := knownExpressions[name]; !ok {
		return fmt.Errorf("%w: %q", errUnknownExpression, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Cancel-then-create: never two live revert timers.
	if p.revert != nil {
		p.revert.Stop()
		p.revert = nil
	}

	p.expression = name
	if d <= 0 {
		p.permanent = name
		p.logger.Info("expression set", "expression", name)
		return nil
	}

	restore := p.permanent
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.revert != t {
			return
		}
		p.revert = nil
		p.expression = restore
		p.logger.Debug("expression reverted", "expression", restore)
	})
	p.revert = t
	p.logger.Info("expression set", "expression", name, "duration", d)
	return nil
}

// Expression returns the expression currently shown.
func (p *devicePresenter) Expression() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expression
}

func (p *devicePresenter) PlaySystemSound(s SystemSound, repeat int) error {
	name := s.String()
	if _, ok := systemSounds[name]; !ok {
		return fmt.Errorf("unknown system sound %d", int(s))
	}
	if repeat < 1 {
		repeat = 1
	}
	path := resolveSoundPath(name, p.soundDir)
	return p.play(path, repeat, 0)
}

func (p *devicePresenter) PlayFile(path string, timeout time.Duration) error {
	return p.play(strings.TrimPrefix(path, fileURLPrefix), 1, timeout)
}

// play validates the file and starts playback in the background.
func (p *devicePresenter) play(path string, repeat int, timeout time.Duration) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", errSoundNotFound, path)
		}
		return fmt.Errorf("stat sound: %w", err)
	}

	if len(p.playerCmd) == 0 {
		p.logger.Info("sound playback (no player configured)", "path", path, "repeat", repeat)
		return nil
	}

	go func() {
		for i := 0; i < repeat; i++ {
			ctx := context.Background()
			cancel := context.CancelFunc(func() {})
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
			}
			args := append(append([]string{}, p.playerCmd[1:]...), path)
			cmd := exec.CommandContext(ctx, p.playerCmd[0], args...)
			err := cmd.Run()
			cancel()
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("sound playback failed", "path", path, "error", err)
				return
			}
		}
	}()
	return nil
}

func (p *devicePresenter) SetBrightness(level int) error {
	level = clampBrightness(level)
	p.mu.Lock()
	p.brightness = level
	p.mu.Unlock()
	p.logger.Info("display brightness set", "level", level)
	return nil
}
