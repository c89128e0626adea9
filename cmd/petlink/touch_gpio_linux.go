//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

const touchPadDebounce = 10 * time.Millisecond

// touchPad turns edges on a capacitive touch sensor line into taps: rising
// edge = contact (Tap), falling edge = lift (Release).
type touchPad struct {
	line *gpiocdev.Line
}

func openTouchPad(chip string, offset int, events chan<- Event, logger *slog.Logger) (*touchPad, error) {
	handler := func(evt gpiocdev.LineEvent) {
		ev, ok := translateLineEvent(evt.Type, evt.Timestamp)
		if !ok {
			return
		}
		select {
		case events <- ev:
		default:
			logger.Warn("touch pad event dropped (queue full)", "line", evt.Offset)
		}
	}

	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(touchPadDebounce),
		gpiocdev.WithEventHandler(handler),
		gpiocdev.WithConsumer("petlink"),
	)
	if err != nil {
		return nil, fmt.Errorf("request touch line %s:%d: %w", chip, offset, err)
	}
	logger.Info("touch pad ready", "chip", chip, "line", offset)
	return &touchPad{line: line}, nil
}

func translateLineEvent(t gpiocdev.LineEventType, ts time.Duration) (Event, bool) {
	switch t {
	case gpiocdev.LineEventRisingEdge:
		ms := uint32(ts.Milliseconds())
		if ms == 0 {
			ms = 1
		}
		return Tap{TsMs: ms}, true
	case gpiocdev.LineEventFallingEdge:
		return Release{}, true
	default:
		return nil, false
	}
}

// Close returns the line to a plain pulled-down input and releases it.
func (p *touchPad) Close() error {
	if err := p.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
		_ = p.line.Close()
		return fmt.Errorf("reconfigure touch line: %w", err)
	}
	return p.line.Close()
}
