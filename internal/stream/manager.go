package stream

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// ErrTooManyStreams is returned by [Manager.Open] when the stream limit is
// reached.
var ErrTooManyStreams = errors.New("stream: too many open streams")

// Info holds metadata about an open stream.
type Info struct {
	// ID is the stream identifier used in notifications.
	ID string

	// Format is the PCM layout after decoding.
	Format audio.Format

	// Remote is the peer address, if known.
	Remote string

	// OpenedAt is when the stream was opened.
	OpenedAt time.Time
}

// Manager tracks the lifecycle of open streams and enforces the concurrent
// stream limit. All exported methods are safe for concurrent use.
type Manager struct {
	limit   int
	metrics *observe.Metrics

	mu      sync.Mutex
	streams map[string]*managed
}

type managed struct {
	info   Info
	runner *Runner
}

// NewManager returns a Manager allowing at most limit open streams; limit
// <= 0 means unlimited. m defaults to [observe.DefaultMetrics].
func NewManager(limit int, m *observe.Metrics) *Manager {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Manager{
		limit:   limit,
		metrics: m,
		streams: make(map[string]*managed),
	}
}

// Open creates a VAD session from engine with cfg and wraps it in a
// registered [Runner]. The runner deregisters itself on Close. A span covers
// the stream's lifetime.
func (m *Manager) Open(ctx context.Context, engine vad.Engine, cfg vad.Config, opts Options, remote string) (*Runner, error) {
	if opts.Metrics == nil {
		opts.Metrics = m.metrics
	}

	m.mu.Lock()
	if m.limit > 0 && len(m.streams) >= m.limit {
		m.mu.Unlock()
		m.metrics.RecordStreamRejected(ctx, "capacity")
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManyStreams, m.limit)
	}
	// Reserve the slot before the session is built so concurrent opens
	// cannot overshoot the limit.
	placeholder := &managed{}
	key := fmt.Sprintf("pending-%p", placeholder)
	m.streams[key] = placeholder
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.streams, key)
		m.mu.Unlock()
	}

	session, err := engine.NewSession(cfg)
	if err != nil {
		release()
		m.metrics.RecordStreamRejected(ctx, "config")
		return nil, fmt.Errorf("stream: new vad session: %w", err)
	}
	var span trace.Span
	if publish := opts.Publish; publish != nil {
		opts.Publish = func(ctx context.Context, n Notification) {
			observe.AddVADEvent(span, n.Event.Type.String(), n.Frame, n.Event.Peak)
			publish(trace.ContextWithSpan(ctx, span), n)
		}
	}
	r, err := NewRunner(session, opts)
	if err != nil {
		release()
		m.metrics.RecordStreamRejected(ctx, "config")
		return nil, err
	}
	_, span = observe.StartStreamSpan(ctx, r.ID(), r.Format().String())

	info := Info{
		ID:       r.ID(),
		Format:   r.Format(),
		Remote:   remote,
		OpenedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	delete(m.streams, key)
	m.streams[r.ID()] = &managed{info: info, runner: r}
	m.mu.Unlock()

	r.OnClose(func(s Summary) {
		m.mu.Lock()
		delete(m.streams, s.StreamID)
		m.mu.Unlock()
		span.SetAttributes(
			attribute.Int64("stream.frames", s.Frames),
			attribute.Int("stream.segments", s.Segments),
		)
		span.End()
	})

	slog.Info("stream opened",
		"stream_id", info.ID,
		"format", info.Format.String(),
		"remote", remote,
		"threshold", cfg.Threshold,
		"grace_frames", cfg.GraceFrames,
	)
	return r, nil
}

// Active returns the number of open streams, including ones being opened.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Limit returns the configured stream limit; 0 means unlimited.
func (m *Manager) Limit() int { return m.limit }

// List returns metadata for every open stream, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.streams))
	for _, s := range m.streams {
		if s.runner != nil {
			out = append(out, s.info)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Info) int {
		return cmp.Or(a.OpenedAt.Compare(b.OpenedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// CloseAll closes every open stream and returns their summaries.
func (m *Manager) CloseAll(ctx context.Context) []Summary {
	m.mu.Lock()
	runners := make([]*Runner, 0, len(m.streams))
	for _, s := range m.streams {
		if s.runner != nil {
			runners = append(runners, s.runner)
		}
	}
	m.mu.Unlock()

	summaries := make([]Summary, 0, len(runners))
	for _, r := range runners {
		summaries = append(summaries, r.Close(ctx))
	}
	return summaries
}
