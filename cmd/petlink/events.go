package main

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================
// EventEnvelope wraps events for the IPC socket. Since Go doesn't have union
// types, we use a type discriminator.
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event.
// Only externally injectable events are accepted.
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "tap":
		var a Tap
		if err := unmarshalData(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal Tap: %w", err)
		}
		return a, nil

	case "swipe":
		var a Swipe
		if err := unmarshalData(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal Swipe: %w", err)
		}
		if a.Direction != SwipeLeft && a.Direction != SwipeRight {
			return nil, fmt.Errorf("unmarshal Swipe: direction must be %q or %q", SwipeLeft, SwipeRight)
		}
		return a, nil

	case "release":
		return Release{}, nil
	case "cleanup":
		return Cleanup{}, nil
	case "walk":
		return Walk{}, nil
	case "faint":
		return Faint{}, nil
	case "poop":
		return Poop{}, nil
	case "report_now":
		return ReportNow{}, nil

	case "exercise":
		var a Exercise
		if err := unmarshalData(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal Exercise: %w", err)
		}
		if a.Calories < 0 {
			return nil, fmt.Errorf("unmarshal Exercise: calories must be >= 0")
		}
		return a, nil

	case "set_hungry":
		var a SetHungry
		if err := unmarshalData(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetHungry: %w", err)
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// unmarshalData tolerates an absent data field (all payload fields optional).
func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope
	var payload any

	switch e := e.(type) {
	case Tap:
		env.Type = "tap"
		if e.TsMs != 0 {
			payload = e
		}
	case Swipe:
		env.Type = "swipe"
		payload = e
	case Release:
		env.Type = "release"
	case Cleanup:
		env.Type = "cleanup"
	case Walk:
		env.Type = "walk"
	case Faint:
		env.Type = "faint"
	case Poop:
		env.Type = "poop"
	case ReportNow:
		env.Type = "report_now"
	case Exercise:
		env.Type = "exercise"
		payload = e
	case SetHungry:
		env.Type = "set_hungry"
		payload = e
	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data
	}

	return json.Marshal(env)
}
