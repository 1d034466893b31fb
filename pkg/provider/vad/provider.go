// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session owns its own detection state, so
// multiple audio streams are processed independently by giving each stream its
// own session. Sessions are never shared.
//
// VAD is synchronous: ProcessFrame returns immediately with at most one
// edge-triggered event, making it suitable for the hot loop that reads audio
// off the wire. How events are transported afterwards (channel, WebSocket,
// webhook) is the caller's business.
//
// Engines must be safe for concurrent use. A single SessionHandle must not be
// used from more than one goroutine at a time.
package vad

import "github.com/MrWong99/voxgate/pkg/types"

// SessionHandle represents the detection state for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live engine.
type SessionHandle interface {
	// ProcessFrame analyses one frame of single-channel float samples, nominally in
	// [-1.0, 1.0], and reports whether the frame caused a transition. The
	// returned event is only meaningful when ok is true.
	//
	// ProcessFrame never fails: an empty frame is a no-op and malformed
	// samples are treated as quiet. It must not block or allocate.
	ProcessFrame(frame []float32) (ev types.VADEvent, ok bool)

	// Speaking reports whether the session currently believes speech is active.
	Speaking() bool

	// Reset returns the session to its initial silent state. Use this when the
	// audio stream is interrupted or restarted to avoid stale state from the
	// previous segment affecting subsequent frames.
	Reset()
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
type Engine interface {
	// NewSession creates a new session with the given configuration. The
	// session is immediately ready to accept frames.
	//
	// Returns an error wrapping [ErrInvalidConfig] if cfg fails validation.
	// Configuration is only ever rejected here, never while processing frames.
	NewSession(cfg Config) (SessionHandle, error)
}
