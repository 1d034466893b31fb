// Package stream runs voice activity detection over a single audio stream.
//
// A [Runner] owns one VAD session and turns an arbitrary sequence of PCM
// byte chunks into fixed-duration frames, feeds them to the session, records
// the audio between START and STOP, and publishes a [Notification] for every
// transition. A [Manager] tracks the runners that are currently open.
//
// The package does not know how notifications travel further; callers pass a
// publish function and decide whether it writes to a socket, a sink, or both.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/types"
)

// ErrClosed is returned by [Runner.Write] after [Runner.Close].
var ErrClosed = errors.New("stream: runner closed")

// Options configures a [Runner].
type Options struct {
	// ID identifies the stream in notifications and logs. A random UUID is
	// used when empty.
	ID string

	// Format is the PCM layout of the bytes passed to Write.
	Format audio.Format

	// FrameDuration is the detection quantum.
	FrameDuration time.Duration

	// MinSegmentBytes marks shorter segments as discarded.
	MinSegmentBytes int

	// MaxSegmentDuration caps a recorded segment; 0 is unbounded.
	MaxSegmentDuration time.Duration

	// SegmentSampleRate resamples finished segments; 0 keeps Format's rate.
	SegmentSampleRate int

	// Metrics receives per-frame and per-event measurements. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Publish is called synchronously for every transition. It may be nil.
	Publish func(context.Context, Notification)
}

// Summary describes a closed stream.
type Summary struct {
	StreamID string
	Frames   int64
	Duration time.Duration
	Starts   int
	Stops    int

	// Segments counts delivered segments; Discarded those below the minimum size.
	Segments  int
	Discarded int

	// Open is the segment that was still recording when the stream closed.
	// No STOP is synthesised for it.
	Open *Segment
}

// Runner drives one VAD session from a PCM byte stream. Write and Close may
// be called from different goroutines; calls are serialised internally.
type Runner struct {
	id          string
	session     vad.SessionHandle
	chunker     *audio.Chunker
	recorder    *Recorder
	format      audio.Format
	segmentRate int
	metrics     *observe.Metrics
	publish     func(context.Context, Notification)

	mu      sync.Mutex
	samples []float32
	summary Summary
	closed  bool
	onClose []func(Summary)
}

// NewRunner wraps session. The session must be fresh and must not be used
// by anyone else afterwards.
func NewRunner(session vad.SessionHandle, opts Options) (*Runner, error) {
	if session == nil {
		return nil, errors.New("stream: nil session")
	}
	chunker, err := audio.NewChunker(opts.Format, opts.FrameDuration)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	if opts.SegmentSampleRate < 0 {
		return nil, fmt.Errorf("stream: segment sample rate %d must be >= 0", opts.SegmentSampleRate)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}

	samplesPerFrame := chunker.FrameBytes() / (2 * opts.Format.Channels)
	r := &Runner{
		id:          opts.ID,
		session:     session,
		chunker:     chunker,
		recorder:    NewRecorder(opts.Format, opts.MinSegmentBytes, opts.MaxSegmentDuration),
		format:      opts.Format,
		segmentRate: opts.SegmentSampleRate,
		metrics:     opts.Metrics,
		publish:     opts.Publish,
		samples:     make([]float32, 0, samplesPerFrame),
		summary:     Summary{StreamID: opts.ID},
	}
	r.metrics.ActiveStreams.Add(context.Background(), 1)
	return r, nil
}

// ID returns the stream identifier.
func (r *Runner) ID() string { return r.id }

// Format returns the PCM layout the runner expects.
func (r *Runner) Format() audio.Format { return r.format }

// Speaking reports whether the session is currently inside speech.
func (r *Runner) Speaking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Speaking()
}

// OnClose registers fn to run once when the runner closes.
func (r *Runner) OnClose(fn func(Summary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, fn)
}

// Write feeds PCM bytes into the stream. Bytes that do not complete a frame
// are held until the next call. Notifications for frames completed by pcm
// are published before Write returns.
func (r *Runner) Write(ctx context.Context, pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.chunker.Write(pcm, func(f audio.AudioFrame) { r.handleFrame(ctx, f) })
	return nil
}

// Close flushes the trailing partial frame through the detector and returns
// the stream summary. A segment still open at this point is reported in
// [Summary.Open] rather than closed with a STOP. Close is idempotent.
func (r *Runner) Close(ctx context.Context) Summary {
	r.mu.Lock()
	if r.closed {
		s := r.summary
		r.mu.Unlock()
		return s
	}
	r.chunker.Flush(func(f audio.AudioFrame) { r.handleFrame(ctx, f) })
	if r.recorder.Active() {
		seg := r.recorder.End(r.summary.Duration)
		seg.Unterminated = true
		r.summary.Open = seg
	}
	r.closed = true
	summary := r.summary
	hooks := r.onClose
	r.onClose = nil
	r.mu.Unlock()

	r.metrics.ActiveStreams.Add(ctx, -1)
	slog.Info("stream closed",
		"stream_id", r.id,
		"frames", summary.Frames,
		"duration", summary.Duration,
		"starts", summary.Starts,
		"stops", summary.Stops,
		"segments", summary.Segments,
		"discarded", summary.Discarded,
		"open_segment", summary.Open != nil,
	)
	for _, fn := range hooks {
		fn(summary)
	}
	return summary
}

// handleFrame runs one frame through detection and recording. Must be called
// with r.mu held.
func (r *Runner) handleFrame(ctx context.Context, f audio.AudioFrame) {
	r.samples = audio.DecodePCM16(r.samples, f.Data, f.Channels)
	ev, ok := r.session.ProcessFrame(r.samples)

	index := r.summary.Frames
	r.summary.Frames++
	r.summary.Duration = f.Timestamp + f.Duration()
	r.metrics.FramesProcessed.Add(ctx, 1)

	if ok && ev.Type == types.VADSpeechStart {
		r.recorder.Begin(f.Timestamp)
	}
	r.recorder.Append(f.Data)
	if !ok {
		return
	}

	n := Notification{
		StreamID: r.id,
		Event:    ev,
		Frame:    index,
		Offset:   f.Timestamp,
	}
	switch ev.Type {
	case types.VADSpeechStart:
		r.summary.Starts++
	case types.VADSpeechEnd:
		r.summary.Stops++
		n.Segment = r.finishSegment(ctx, f.Timestamp+f.Duration())
	}

	r.metrics.RecordVADEvent(ctx, ev.Type.String())
	slog.Debug("vad transition",
		"stream_id", r.id,
		"type", ev.Type.String(),
		"frame", index,
		"offset", f.Timestamp,
		"peak", ev.Peak,
	)
	if r.publish != nil {
		r.publish(ctx, n)
	}
}

// finishSegment ends the recording at end and applies post-processing.
func (r *Runner) finishSegment(ctx context.Context, end time.Duration) *Segment {
	seg := r.recorder.End(end)
	if seg == nil {
		return nil
	}
	r.metrics.RecordSegment(ctx, seg.Duration().Seconds(), seg.Discarded)
	if seg.Discarded {
		r.summary.Discarded++
		return seg
	}
	r.summary.Segments++

	if r.segmentRate > 0 && r.segmentRate != seg.Format.SampleRate {
		pcm, err := audio.Resample(seg.PCM, seg.Format, r.segmentRate)
		if err != nil {
			slog.Warn("stream: keeping segment at source rate", "stream_id", r.id, "err", err)
			return seg
		}
		seg.PCM = pcm
		seg.Format.SampleRate = r.segmentRate
	}
	return seg
}
