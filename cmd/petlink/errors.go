package main

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent is returned by StateStore for an unknown mutation kind.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrMalformedFrame marks an inbound frame that could not be parsed far
	// enough to know which command it names.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrNotConnected is returned by report sends while the channel is not Connected.
	ErrNotConnected = errors.New("reporting channel not connected")
)

// ValidationError reports a bad or missing parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// EffectError wraps a rejection from the presentation layer.
type EffectError struct {
	Effect string
	Err    error
}

func (e *EffectError) Error() string { return e.Effect + " failed: " + e.Err.Error() }

func (e *EffectError) Unwrap() error { return e.Err }

// errorClass maps an error onto the label used in logs and metrics.
func errorClass(err error) string {
	var ve *ValidationError
	var ee *EffectError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ee):
		return "effect"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed"
	default:
		return "transport"
	}
}
