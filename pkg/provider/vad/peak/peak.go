// Package peak implements a voice activity detector driven by per-frame peak
// amplitude.
//
// A frame is loud when the largest sample magnitude in it is strictly greater
// than the configured threshold. The detector emits START on the first loud
// frame and STOP once GraceFrames+1 consecutive quiet frames have been seen
// while speaking. Grace is counted in frames, so its wall-clock length depends
// on the caller's frame size and sample rate; see [vad.GraceFramesFor].
//
// The detector does no spectral analysis and no noise-floor tracking. It keeps
// no sample history beyond the frame being processed, and ProcessFrame does
// not allocate.
package peak

import (
	"fmt"
	"math"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/types"
)

// Name is the registry name of this engine.
const Name = "peak"

// Engine creates peak detectors. The zero value is ready to use and safe for
// concurrent use.
type Engine struct{}

// NewSession implements [vad.Engine].
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return New(cfg)
}

var _ vad.Engine = Engine{}

// Detector is the per-stream state machine. It must not be used from more
// than one goroutine at a time.
type Detector struct {
	threshold   float64
	graceFrames int

	speaking   bool
	silenceRun int
}

var _ vad.SessionHandle = (*Detector)(nil)

// New returns a silent Detector for cfg, or an error wrapping
// [vad.ErrInvalidConfig].
func New(cfg vad.Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("peak: %w", err)
	}
	return &Detector{
		threshold:   cfg.Threshold,
		graceFrames: cfg.GraceFrames,
	}, nil
}

// ProcessFrame implements [vad.SessionHandle].
func (d *Detector) ProcessFrame(frame []float32) (types.VADEvent, bool) {
	if len(frame) == 0 {
		return types.VADEvent{}, false
	}

	p := Peak(frame)
	if p > d.threshold {
		d.silenceRun = 0
		if d.speaking {
			return types.VADEvent{}, false
		}
		d.speaking = true
		return types.VADEvent{Type: types.VADSpeechStart, Peak: p}, true
	}

	if !d.speaking {
		return types.VADEvent{}, false
	}
	d.silenceRun++
	if d.silenceRun <= d.graceFrames {
		return types.VADEvent{}, false
	}
	d.speaking = false
	d.silenceRun = 0
	return types.VADEvent{Type: types.VADSpeechEnd, Peak: p}, true
}

// Speaking implements [vad.SessionHandle].
func (d *Detector) Speaking() bool { return d.speaking }

// SilenceRun returns the number of consecutive quiet frames seen since the
// last loud frame. It is always 0 while silent.
func (d *Detector) SilenceRun() int { return d.silenceRun }

// Reset implements [vad.SessionHandle].
func (d *Detector) Reset() {
	d.speaking = false
	d.silenceRun = 0
}

// Peak returns the maximum absolute sample value in frame. NaN and infinite
// samples are skipped; finite samples beyond full scale are taken as they
// are. An empty frame has peak 0.
func Peak(frame []float32) float64 {
	var p float64
	for _, s := range frame {
		a := math.Abs(float64(s))
		if math.IsInf(a, 0) {
			continue
		}
		// NaN compares false and never raises the peak.
		if a > p {
			p = a
		}
	}
	return p
}
