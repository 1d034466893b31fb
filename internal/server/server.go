// Package server exposes voice activity detection over HTTP.
//
// Clients open a WebSocket on /v1/stream, send audio as binary messages and
// receive one JSON text message per VAD transition. The same notifications
// are handed to the configured sink. The package also mounts the health
// probes and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/sink"
	"github.com/MrWong99/voxgate/internal/stream"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// Settings is the detector and stream configuration applied to streams
// opened from now on. Streams already open keep the settings they started
// with.
type Settings struct {
	Engine vad.Engine
	VAD    vad.Config

	// Format and Codec are the defaults when the client does not override
	// them in the query string.
	Format audio.Format
	Codec  config.Codec

	FrameDuration      time.Duration
	MinSegmentBytes    int
	MaxSegmentDuration time.Duration
	SegmentSampleRate  int
}

// SettingsFromConfig resolves cfg into [Settings] using engine.
func SettingsFromConfig(cfg *config.Config, engine vad.Engine) (Settings, error) {
	vc, err := cfg.Detector.VADConfig(cfg.Stream.FrameDuration)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Engine:             engine,
		VAD:                vc,
		Format:             cfg.Stream.Format(),
		Codec:              cfg.Stream.Codec,
		FrameDuration:      cfg.Stream.FrameDuration,
		MinSegmentBytes:    cfg.Stream.MinSegmentBytes,
		MaxSegmentDuration: cfg.Stream.MaxSegmentDuration,
		SegmentSampleRate:  cfg.Stream.SegmentSampleRate,
	}, nil
}

// Server serves the voxgate HTTP API. Create it with [New].
type Server struct {
	manager        *stream.Manager
	sink           sink.Sink
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	writeTimeout   time.Duration

	settings atomic.Pointer[Settings]
	handler  http.Handler

	mu       sync.Mutex
	conns    map[*connection]struct{}
	draining bool
}

// Option configures a [Server].
type Option func(*Server)

// WithSink delivers every notification to s in addition to the socket.
func WithSink(s sink.Sink) Option {
	return func(srv *Server) { srv.sink = s }
}

// WithManager uses m to track streams. Default: an unlimited manager.
func WithManager(m *stream.Manager) Option {
	return func(srv *Server) { srv.manager = m }
}

// WithHealth mounts h on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(srv *Server) { srv.health = h }
}

// WithMetrics records stream and HTTP metrics into m. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) { srv.metricsHandler = h }
}

// WithWriteTimeout bounds each message written to a client socket.
// Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.writeTimeout = d
		}
	}
}

// New returns a Server applying s to new streams.
func New(s Settings, opts ...Option) (*Server, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	srv := &Server{
		writeTimeout: 5 * time.Second,
		conns:        make(map[*connection]struct{}),
	}
	for _, o := range opts {
		o(srv)
	}
	if srv.metrics == nil {
		srv.metrics = observe.DefaultMetrics()
	}
	if srv.manager == nil {
		srv.manager = stream.NewManager(0, srv.metrics)
	}
	srv.settings.Store(&s)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stream", srv.handleStream)
	mux.HandleFunc("GET /v1/streams", srv.handleList)
	if srv.health != nil {
		srv.health.Register(mux)
	}
	if srv.metricsHandler != nil {
		mux.Handle("GET /metrics", srv.metricsHandler)
	}
	srv.handler = observe.Middleware(srv.metrics)(mux)
	return srv, nil
}

func (s Settings) validate() error {
	if s.Engine == nil {
		return fmt.Errorf("server: settings: engine is required")
	}
	if err := s.Format.Validate(); err != nil {
		return fmt.Errorf("server: settings: %w", err)
	}
	if !s.Codec.IsValid() {
		return fmt.Errorf("server: settings: codec %q is invalid", s.Codec)
	}
	if err := s.VAD.Validate(); err != nil {
		return fmt.Errorf("server: settings: %w", err)
	}
	return nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Manager returns the stream manager.
func (s *Server) Manager() *stream.Manager { return s.manager }

// Settings returns the settings new streams are opened with.
func (s *Server) Settings() Settings { return *s.settings.Load() }

// SetSettings replaces the settings for streams opened from now on.
func (s *Server) SetSettings(settings Settings) error {
	if err := settings.validate(); err != nil {
		return err
	}
	s.settings.Store(&settings)
	return nil
}

// Drain stops accepting streams and closes every open stream socket with a
// going-away status. It returns once the stream handlers have finished or
// ctx is done.
func (s *Server) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.health != nil {
		s.health.SetDraining(true)
	}
	slog.Info("server: draining streams", "count", len(conns))
	for _, c := range conns {
		c.goAway()
	}
	for _, c := range conns {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Server) track(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// streamInfo is the JSON form of one entry in GET /v1/streams.
type streamInfo struct {
	ID         string    `json:"id"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Remote     string    `json:"remote,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	infos := s.manager.List()
	out := struct {
		Streams []streamInfo `json:"streams"`
		Limit   int          `json:"limit"`
	}{Streams: make([]streamInfo, 0, len(infos)), Limit: s.manager.Limit()}
	for _, i := range infos {
		out.Streams = append(out.Streams, streamInfo{
			ID:         i.ID,
			SampleRate: i.Format.SampleRate,
			Channels:   i.Format.Channels,
			Remote:     i.Remote,
			OpenedAt:   i.OpenedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Warn("server: encode stream list", "err", err)
	}
}

// streamParams parses the per-stream overrides from the query string.
func streamParams(r *http.Request, def Settings) (audio.Format, config.Codec, error) {
	q := r.URL.Query()
	f := def.Format
	codec := def.Codec

	if v := q.Get("codec"); v != "" {
		codec = config.Codec(v)
		if !codec.IsValid() {
			return f, codec, fmt.Errorf("codec %q is invalid; valid values: pcm, opus", v)
		}
	}
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, codec, fmt.Errorf("sample_rate %q: %w", v, err)
		}
		f.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, codec, fmt.Errorf("channels %q: %w", v, err)
		}
		f.Channels = n
	}
	if err := f.Validate(); err != nil {
		return f, codec, err
	}
	switch n := f.FrameBytes(def.FrameDuration); {
	case n == 0:
		return f, codec, fmt.Errorf("frame duration %s is shorter than one sample at %d Hz", def.FrameDuration, f.SampleRate)
	case n > maxMessageBytes:
		return f, codec, fmt.Errorf("frame of %s at %s is %d bytes, limit %d", def.FrameDuration, f, n, maxMessageBytes)
	}
	return f, codec, nil
}
