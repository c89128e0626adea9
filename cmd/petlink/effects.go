package main

import (
	"fmt"
)

// effects executes reducer-emitted Commands.
//
// Rules:
//   - It may perform local I/O (state store, presentation layer).
//   - It never calls Reduce() and never sends on the network; reports are
//     requested from the reporting worker.
type effects struct {
	store     *StateStore
	presenter Presenter
	reports   interface{ RequestReport() }
	metrics   *Metrics
	soundDir  string
}

func (fx *effects) run(cmd Command) error {
	switch c := cmd.(type) {
	case CmdApply:
		return fx.store.ApplyEvent(c.Mutation)

	case CmdSetExpression:
		if err := fx.presenter.SetExpression(c.Name, c.Duration); err != nil {
			return &EffectError{Effect: "set_expression", Err: err}
		}
		return nil

	case CmdPlaySound:
		if err := fx.presenter.PlaySystemSound(c.Sound, c.Repeat); err != nil {
			return &EffectError{Effect: "play_sound", Err: err}
		}
		return nil

	case CmdPlayFile:
		path := resolveSoundPath(c.Sound, fx.soundDir)
		if err := fx.presenter.PlayFile(path, c.Timeout); err != nil {
			return &EffectError{Effect: "play_file", Err: err}
		}
		return nil

	case CmdRequestReport:
		if fx.reports != nil {
			fx.reports.RequestReport()
		}
		return nil

	default:
		return errUnknownCommand{cmd: cmd}
	}
}

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return fmt.Sprintf("unknown command: %s", e.cmd) }
