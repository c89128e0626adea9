//go:build !linux

package main

import (
	"errors"
	"log/slog"
)

type touchPad struct{}

func openTouchPad(chip string, offset int, events chan<- Event, logger *slog.Logger) (*touchPad, error) {
	return nil, errors.New("gpio touch pad: not supported on this platform (requires Linux)")
}

func (p *touchPad) Close() error { return nil }
