package vad

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultThreshold is the peak amplitude above which a frame counts as loud.
	DefaultThreshold = 0.05

	// DefaultGraceFrames is the number of consecutive quiet frames tolerated
	// before speech is declared over.
	DefaultGraceFrames = 50
)

// ErrInvalidConfig is wrapped by every error returned from [Config.Validate].
var ErrInvalidConfig = errors.New("vad: invalid config")

// Config holds the parameters for a VAD session.
type Config struct {
	// Threshold is the peak amplitude magnitude above which a frame is loud.
	// The comparison is strict: a frame whose peak equals Threshold is quiet.
	// Must be finite and > 0.
	Threshold float64

	// GraceFrames is the number of consecutive quiet frames tolerated while
	// speaking. Speech ends on quiet frame GraceFrames+1. It is a frame count,
	// not a duration; use [GraceFramesFor] to derive it from a time window.
	// Must be >= 0.
	GraceFrames int
}

// DefaultConfig returns a Config populated with [DefaultThreshold] and
// [DefaultGraceFrames].
func DefaultConfig() Config {
	return Config{
		Threshold:   DefaultThreshold,
		GraceFrames: DefaultGraceFrames,
	}
}

// Validate reports whether c can be used to create a session. The returned
// error joins every problem found and wraps [ErrInvalidConfig].
func (c Config) Validate() error {
	var errs []error
	switch {
	case math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0):
		errs = append(errs, fmt.Errorf("%w: threshold %v is not finite", ErrInvalidConfig, c.Threshold))
	case c.Threshold <= 0:
		errs = append(errs, fmt.Errorf("%w: threshold %v must be > 0", ErrInvalidConfig, c.Threshold))
	}
	if c.GraceFrames < 0 {
		errs = append(errs, fmt.Errorf("%w: grace frames %d must be >= 0", ErrInvalidConfig, c.GraceFrames))
	}
	return errors.Join(errs...)
}

// GraceFramesFor translates a tolerated silence window into a frame count for
// frames of the given duration. Partial frames round up, so the detector
// never ends speech before window has elapsed.
func GraceFramesFor(window, frameDuration time.Duration) (int, error) {
	if frameDuration <= 0 {
		return 0, fmt.Errorf("%w: frame duration %s must be > 0", ErrInvalidConfig, frameDuration)
	}
	if window < 0 {
		return 0, fmt.Errorf("%w: grace window %s must be >= 0", ErrInvalidConfig, window)
	}
	n := (window + frameDuration - 1) / frameDuration
	return int(n), nil
}
