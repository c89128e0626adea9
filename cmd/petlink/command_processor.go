package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ============================================================================
// Command Processor - inbound protocol frames from the reporting server
// ============================================================================
//
// Frame handling:
//   - Unparseable JSON, or a frame without string "type"/"command": dropped
//     and logged (no response; the command name is unknown).
//   - type != "command": ignored (status_ack is logged and counted).
//   - Known command: validated, dispatched, answered with exactly one
//     command_response.
//   - Unknown command: one failure response naming it.
//
// Reports triggered by mutating commands are handed to the reporting worker,
// so a failing report never delays or changes the command response.
// ============================================================================

// responder is the outbound half of the reporting channel.
type responder interface {
	Send(v any) error
	RequestReport()
}

// settingsWriter persists device settings (brightness).
type settingsWriter interface {
	PutSetting(ctx context.Context, key, value string) error
}

const (
	settingBrightness = "display.brightness"

	minExpressionDurationMs = 1
	maxExpressionDurationMs = 60000
	minSoundRepeat          = 1
	maxSoundRepeat          = 10

	// Metrics label for names outside commandTable; the raw name is remote input.
	unknownCommandLabel = "_unknown"
)

type commandName string

const (
	cmdGenerateFeces  commandName = "generate_feces"
	cmdSetHungerLevel commandName = "set_hunger_level"
	cmdSetExpression  commandName = "set_expression"
	cmdPlaySound      commandName = "play_sound"
	cmdSetBrightness  commandName = "set_brightness"
	cmdFullStatus     commandName = "full_status"
)

// commandFrame is a parsed inbound command. Params holds every field,
// including type and command.
type commandFrame struct {
	Name   commandName
	Params map[string]json.RawMessage
}

// commandResult is what a handler reports back to the dispatcher.
type commandResult struct {
	Message string
	Data    any
}

type commandHandler struct {
	run func(p *CommandProcessor, f commandFrame) (commandResult, error)

	// mutates: a successful run changed reportable state.
	mutates bool
}

// commandTable is the command dispatch table. Checked by validateCommandTable.
var commandTable = map[commandName]commandHandler{
	cmdGenerateFeces:  {run: (*CommandProcessor).generateFeces, mutates: true},
	cmdSetHungerLevel: {run: (*CommandProcessor).setHungerLevel, mutates: true},
	cmdSetExpression:  {run: (*CommandProcessor).setExpression},
	cmdPlaySound:      {run: (*CommandProcessor).playSound},
	cmdSetBrightness:  {run: (*CommandProcessor).setBrightness},
	cmdFullStatus:     {run: (*CommandProcessor).fullStatus},
}

func validateCommandTable() error {
	for name, h := range commandTable {
		if name == "" || string(name) != strings.ToLower(string(name)) {
			return fmt.Errorf("command name %q must be lowercase and non-empty", name)
		}
		if h.run == nil {
			return fmt.Errorf("command %q has no handler", name)
		}
	}
	return nil
}

// CommandProcessor executes remote commands against the StateStore and the
// presentation layer.
type CommandProcessor struct {
	store     *StateStore
	presenter Presenter
	out       responder
	settings  settingsWriter
	metrics   *Metrics
	logger    *slog.Logger
	soundDir  string

	// onHunger is told about remote hunger changes (coordinator hungry flag).
	onHunger func(level int)
}

// NewCommandProcessor wires a processor. settings and onHunger may be nil.
func NewCommandProcessor(
	store *StateStore,
	presenter Presenter,
	out responder,
	settings settingsWriter,
	metrics *Metrics,
	soundDir string,
	onHunger func(level int),
	logger *slog.Logger,
) *CommandProcessor {
	return &CommandProcessor{
		store:     store,
		presenter: presenter,
		out:       out,
		settings:  settings,
		metrics:   metrics,
		logger:    logger,
		soundDir:  soundDir,
		onHunger:  onHunger,
	}
}

// Run consumes inbound frames until ctx is done or frames is closed.
func (p *CommandProcessor) Run(ctx context.Context, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-frames:
			if !ok {
				return
			}
			p.Handle(raw)
		}
	}
}

// Handle processes one frame and sends its response, if any.
func (p *CommandProcessor) Handle(raw []byte) {
	resp, report := p.Process(raw)
	if resp == nil {
		return
	}

	if err := p.out.Send(resp); err != nil {
		p.logger.Warn("command response not sent", "command", resp.Command, "error", err)
	}
	if report {
		p.out.RequestReport()
	}
}

// Process parses and executes one frame. It returns the response to send
// (nil when the frame gets none) and whether an on-demand report is due.
func (p *CommandProcessor) Process(raw []byte) (*CommandResponse, bool) {
	frameType, fields, err := parseFrame(raw)
	if err != nil {
		p.logger.Warn("dropping inbound frame", "error", err, "frame", truncate(raw, 200))
		return nil, false
	}

	if frameType != frameCommand {
		if frameType == frameStatusAck {
			p.metrics.IncStatusAck()
			p.logger.Debug("status acknowledged by server", "frame", truncate(raw, 200))
		}
		return nil, false
	}

	name, err := stringField(fields, "command")
	if err != nil {
		p.logger.Warn("dropping command frame", "error", fmt.Errorf("%w: %w", ErrMalformedFrame, err))
		return nil, false
	}

	resp := &CommandResponse{
		Type:     frameCommandResponse,
		Command:  name,
		DeviceID: p.store.DeviceID(),
	}

	h, ok := commandTable[commandName(name)]
	if !ok {
		resp.Message = "unknown command: " + name
		p.metrics.IncCommand(unknownCommandLabel, "unknown")
		p.logger.Warn("unknown command", "command", name)
		return resp, false
	}

	res, err := h.run(p, commandFrame{Name: commandName(name), Params: fields})
	p.metrics.IncCommand(name, errorClass(err))
	if err != nil {
		resp.Message = err.Error()
		p.logger.Warn("command failed", "command", name, "error", err)
		return resp, false
	}

	resp.Success = true
	resp.Message = res.Message
	resp.Data = res.Data
	p.logger.Info("command executed", "command", name, "message", res.Message)
	return resp, h.mutates
}

// ==============================
// Handlers
// ==============================

func (p *CommandProcessor) generateFeces(commandFrame) (commandResult, error) {
	if err := p.store.ApplyEvent(Mutation{Kind: MutSoil}); err != nil {
		return commandResult{}, err
	}
	return commandResult{Message: "feces generated"}, nil
}

func (p *CommandProcessor) setHungerLevel(f commandFrame) (commandResult, error) {
	level, ok, err := intParam(f.Params, "level")
	if err != nil {
		return commandResult{}, err
	}
	if !ok {
		return commandResult{}, &ValidationError{Field: "level", Reason: "missing"}
	}
	if err := p.store.ApplyEvent(Mutation{Kind: MutSetHunger, Value: level}); err != nil {
		return commandResult{}, err
	}
	if p.onHunger != nil {
		p.onHunger(level)
	}
	return commandResult{Message: fmt.Sprintf("hunger level set to %d", level)}, nil
}

func (p *CommandProcessor) setExpression(f commandFrame) (commandResult, error) {
	name, err := stringField(f.Params, "expression")
	if err != nil {
		return commandResult{}, &ValidationError{Field: "expression", Reason: err.Error()}
	}
	if name == "" {
		return commandResult{}, &ValidationError{Field: "expression", Reason: "empty"}
	}

	ms, timed, err := intParam(f.Params, "duration")
	if err != nil {
		return commandResult{}, err
	}
	if timed && (ms < minExpressionDurationMs || ms > maxExpressionDurationMs) {
		return commandResult{}, &ValidationError{
			Field:  "duration",
			Reason: fmt.Sprintf("%d out of range [%d,%d]", ms, minExpressionDurationMs, maxExpressionDurationMs),
		}
	}

	d := time.Duration(ms) * time.Millisecond
	if err := p.presenter.SetExpression(name, d); err != nil {
		return commandResult{}, &EffectError{Effect: "set_expression", Err: err}
	}

	if timed {
		return commandResult{Message: fmt.Sprintf("expression set to %s for %dms", name, ms)}, nil
	}
	return commandResult{Message: "expression set to " + name}, nil
}

func (p *CommandProcessor) playSound(f commandFrame) (commandResult, error) {
	sound, err := stringField(f.Params, "sound")
	if err != nil {
		return commandResult{}, &ValidationError{Field: "sound", Reason: err.Error()}
	}
	if sound == "" {
		return commandResult{}, &ValidationError{Field: "sound", Reason: "empty"}
	}

	if s, ok := lookupSystemSound(sound); ok {
		repeat, set, err := intParam(f.Params, "repeat")
		if err != nil {
			return commandResult{}, err
		}
		if !set {
			repeat = minSoundRepeat
		}
		if repeat < minSoundRepeat || repeat > maxSoundRepeat {
			return commandResult{}, &ValidationError{
				Field:  "repeat",
				Reason: fmt.Sprintf("%d out of range [%d,%d]", repeat, minSoundRepeat, maxSoundRepeat),
			}
		}
		if err := p.presenter.PlaySystemSound(s, repeat); err != nil {
			return commandResult{}, &EffectError{Effect: "play_sound", Err: err}
		}
		return commandResult{Message: fmt.Sprintf("playing system sound %s x%d", s, repeat)}, nil
	}

	timeoutMs, _, err := intParam(f.Params, "timeout")
	if err != nil {
		return commandResult{}, err
	}
	if timeoutMs < 0 {
		return commandResult{}, &ValidationError{Field: "timeout", Reason: fmt.Sprintf("%d is negative", timeoutMs)}
	}

	path := resolveSoundPath(sound, p.soundDir)
	if err := p.presenter.PlayFile(path, time.Duration(timeoutMs)*time.Millisecond); err != nil {
		return commandResult{}, &EffectError{Effect: "play_sound", Err: err}
	}
	return commandResult{Message: "playing " + path}, nil
}

func (p *CommandProcessor) setBrightness(f commandFrame) (commandResult, error) {
	level, ok, err := intParam(f.Params, "level")
	if err != nil {
		return commandResult{}, err
	}
	if !ok {
		return commandResult{}, &ValidationError{Field: "level", Reason: "missing"}
	}

	level = clampBrightness(level)
	if err := p.presenter.SetBrightness(level); err != nil {
		return commandResult{}, &EffectError{Effect: "set_brightness", Err: err}
	}

	if p.settings != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.settings.PutSetting(ctx, settingBrightness, fmt.Sprint(level)); err != nil {
			p.logger.Warn("brightness not persisted", "level", level, "error", err)
		}
	}
	return commandResult{Message: fmt.Sprintf("brightness set to %d", level)}, nil
}

func (p *CommandProcessor) fullStatus(commandFrame) (commandResult, error) {
	return commandResult{Message: "full status", Data: p.store.FullSnapshot()}, nil
}

// ==============================
// Frame parsing
// ==============================

// parseFrame decodes a frame into its fields and returns its "type".
func parseFrame(raw []byte) (string, map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if fields == nil {
		return "", nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}
	t, err := stringField(fields, "type")
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return t, fields, nil
}

var errFieldMissing = errors.New("missing")

// stringField returns a required string field.
func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || isJSONNull(raw) {
		return "", fmt.Errorf("%q %w", name, errFieldMissing)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%q must be a string", name)
	}
	return s, nil
}

// intParam returns an optional integer parameter. ok is false when absent.
func intParam(fields map[string]json.RawMessage, name string) (v int, ok bool, err error) {
	raw, present := fields[name]
	if !present || isJSONNull(raw) {
		return 0, false, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n any
	if err := dec.Decode(&n); err != nil {
		return 0, false, &ValidationError{Field: name, Reason: "not a number"}
	}
	num, isNum := n.(json.Number)
	if !isNum {
		return 0, false, &ValidationError{Field: name, Reason: "not a number"}
	}
	i, err := num.Int64()
	if err != nil {
		return 0, false, &ValidationError{Field: name, Reason: fmt.Sprintf("%s is not an integer", num)}
	}
	if int64(int(i)) != i {
		return 0, false, &ValidationError{Field: name, Reason: fmt.Sprintf("%d out of range", i)}
	}
	return int(i), true, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
