// Package types defines the shared types used across voxgate packages.
//
// They are intentionally minimal. Each package defines its own domain types,
// but values that cross package boundaries (detector output consumed by the
// stream runner, the sinks, and the WebSocket server) live here to avoid
// circular imports.
package types

import "fmt"

// VADEvent is the edge-triggered output of a voice activity detector. A
// detector produces at most one event per processed frame.
type VADEvent struct {
	// Type is the transition that occurred.
	Type VADEventType

	// Peak is the peak amplitude of the frame that caused the transition.
	Peak float64
}

// VADEventType enumerates the voice activity transitions.
type VADEventType int

const (
	// VADSpeechStart is emitted on the silent → speaking transition.
	VADSpeechStart VADEventType = iota + 1

	// VADSpeechEnd is emitted on the speaking → silent transition, after the
	// grace period of quiet frames has been exhausted.
	VADSpeechEnd
)

// String returns the wire name of the event type ("START" or "STOP").
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "START"
	case VADSpeechEnd:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements [encoding.TextMarshaler] so that event types encode
// as their wire names in JSON.
func (t VADEventType) MarshalText() ([]byte, error) {
	switch t {
	case VADSpeechStart, VADSpeechEnd:
		return []byte(t.String()), nil
	}
	return nil, fmt.Errorf("types: unknown vad event type %d", int(t))
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (t *VADEventType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "START":
		*t = VADSpeechStart
	case "STOP":
		*t = VADSpeechEnd
	default:
		return fmt.Errorf("types: unknown vad event type %q", b)
	}
	return nil
}
