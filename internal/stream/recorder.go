package stream

import (
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// Segment is the audio recorded between a START and the matching STOP.
type Segment struct {
	// Start and End are offsets from the beginning of the stream. End is the
	// end of the frame that produced STOP, so the grace frames are included.
	Start time.Duration
	End   time.Duration

	// PCM holds little-endian int16 audio in Format.
	PCM    []byte
	Format audio.Format

	// Discarded is set when the segment holds fewer bytes than the configured
	// minimum. Such segments are usually a click or a cut-off microphone.
	Discarded bool

	// Truncated is set when recording stopped growing at the maximum
	// segment duration. Detection is unaffected.
	Truncated bool

	// Unterminated is set when the stream closed while speech was still
	// active, so no STOP was ever observed.
	Unterminated bool
}

// Duration returns the stream time covered by the segment.
func (s *Segment) Duration() time.Duration { return s.End - s.Start }

// WAV returns the segment audio wrapped in a WAV container.
func (s *Segment) WAV() []byte { return audio.EncodeWAV(s.PCM, s.Format) }

// Recorder buffers PCM from a START until the following STOP. It is owned by
// a single [Runner] and is not safe for concurrent use.
type Recorder struct {
	format   audio.Format
	minBytes int
	maxBytes int

	buf       []byte
	start     time.Duration
	active    bool
	truncated bool
}

// NewRecorder returns a Recorder for format f. Segments with fewer than
// minBytes of PCM are marked discarded; maxDuration <= 0 means unbounded.
func NewRecorder(f audio.Format, minBytes int, maxDuration time.Duration) *Recorder {
	r := &Recorder{format: f, minBytes: minBytes}
	if maxDuration > 0 {
		r.maxBytes = f.FrameBytes(maxDuration)
	}
	return r
}

// Begin starts a new segment at stream offset at. A segment already in
// progress is dropped.
func (r *Recorder) Begin(at time.Duration) {
	r.buf = nil
	r.start = at
	r.active = true
	r.truncated = false
}

// Active reports whether a segment is being recorded.
func (r *Recorder) Active() bool { return r.active }

// Len returns the number of PCM bytes recorded so far.
func (r *Recorder) Len() int { return len(r.buf) }

// Append copies pcm into the current segment. It is a no-op when no segment
// is active. Once the maximum size is reached further audio is dropped on a
// whole-sample boundary.
func (r *Recorder) Append(pcm []byte) {
	if !r.active {
		return
	}
	if r.maxBytes > 0 && len(r.buf)+len(pcm) > r.maxBytes {
		stride := r.format.Channels * 2
		room := r.maxBytes - len(r.buf)
		room -= room % stride
		r.buf = append(r.buf, pcm[:max(room, 0)]...)
		r.truncated = true
		return
	}
	r.buf = append(r.buf, pcm...)
}

// End finishes the current segment at stream offset at and hands its buffer
// to the returned Segment. It returns nil when no segment is active.
func (r *Recorder) End(at time.Duration) *Segment {
	if !r.active {
		return nil
	}
	seg := &Segment{
		Start:     r.start,
		End:       at,
		PCM:       r.buf,
		Format:    r.format,
		Discarded: len(r.buf) < r.minBytes,
		Truncated: r.truncated,
	}
	r.buf = nil
	r.active = false
	r.truncated = false
	return seg
}
