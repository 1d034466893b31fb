// Package audio holds the host-side audio plumbing that sits in front of a
// VAD session: stream formats, fixed-size framing of an arbitrary byte
// stream, and extraction of the first channel of interleaved int16 PCM as the
// float samples a detector consumes.
//
// Nothing in this package knows about speech. It only turns bytes that arrive
// off a socket or a file into frames of a known duration.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// bytesPerSample is the size of one little-endian int16 PCM sample.
const bytesPerSample = 2

// Limits accepted by [Format.Validate].
const (
	MaxSampleRate = 384000
	MaxChannels   = 8
)

// MaxFrameBytes caps a single detection frame. It bounds the per-stream
// buffers a [Chunker] allocates.
const MaxFrameBytes = 1 << 20

// AudioFrame represents a single frame of audio data flowing through the pipeline.
type AudioFrame struct {
	// PCM audio data, little-endian int16, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Opus, 16000 for browser capture).
	SampleRate int

	// Channels is the number of interleaved channels in Data.
	Channels int

	// Timestamp marks the start of this frame relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}.Duration(len(f.Data))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports whether f describes a usable int16 PCM stream.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 || f.SampleRate > MaxSampleRate {
		errs = append(errs, fmt.Errorf("audio: sample rate %d must be in [1, %d]", f.SampleRate, MaxSampleRate))
	}
	if f.Channels <= 0 || f.Channels > MaxChannels {
		errs = append(errs, fmt.Errorf("audio: channels %d must be in [1, %d]", f.Channels, MaxChannels))
	}
	return errors.Join(errs...)
}

// BytesPerSecond returns the int16 PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bytesPerSample
}

// FrameBytes returns the number of PCM bytes in a frame of duration d,
// rounded down to a whole multi-channel sample. It returns 0 if d is shorter
// than one sample.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * bytesPerSample
}

// Duration returns the playback length of n PCM bytes in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns a human-readable form, e.g. "48000Hz stereo" or
// "48000Hz 6ch" for 3 to [MaxChannels] channels.
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
