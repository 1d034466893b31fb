// Package app wires the voxgate subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects the VAD engine, the
// sinks, the stream manager and the HTTP server, Run serves until the context
// ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithListener, etc.). Providers are built by the caller from the config
// registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/server"
	"github.com/MrWong99/voxgate/internal/sink"
	"github.com/MrWong99/voxgate/internal/stream"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// drainTimeout bounds how long Run waits for open streams after its context
// ends.
const drainTimeout = 10 * time.Second

// Providers holds the registry products the application runs with.
// Populated by main.go via the config registry.
type Providers struct {
	VAD   vad.Engine
	Sinks []sink.Sink
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	telemetry      *observe.Providers
	listener       net.Listener
	configPath     string
	watchInterval  time.Duration
	level          *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	fanout  *sink.FanOut
	manager *stream.Manager
	health  *health.Handler
	server  *server.Server
	http    *http.Server

	mu      sync.Mutex
	current *config.Config

	stopServing sync.Once
	stopOnce    sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry serves /metrics from p and shuts p down in Shutdown.
func WithTelemetry(p *observe.Providers) Option {
	return func(a *App) { a.telemetry = p }
}

// WithListener serves on ln instead of listening on cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch reloads the config file at path while Run is active.
// interval <= 0 uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithLevelVar lets config reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// New creates an App by wiring all subsystems together. Sinks in providers
// are each wrapped in a [sink.Queue] so slow consumers never stall audio
// processing. The App takes ownership of the sinks.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil {
		return nil, errors.New("app: a vad engine is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		current:   cfg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.telemetry != nil && !cfg.Telemetry.DisableMetrics {
		a.metricsHandler = a.telemetry.MetricsHandler()
	}

	// ── 1. Sinks ─────────────────────────────────────────────────────────
	queued := make([]sink.Sink, 0, len(providers.Sinks))
	for i, s := range providers.Sinks {
		size := 0
		if i < len(cfg.Sinks) {
			size = optInt(cfg.Sinks[i].Options, "queue_size")
		}
		queued = append(queued, sink.NewQueue(s, size, 0, a.metrics))
	}
	a.fanout = sink.NewFanOut(a.metrics, queued...)

	// ── 2. Streams and health ────────────────────────────────────────────
	a.manager = stream.NewManager(cfg.Server.MaxStreams, a.metrics)
	a.health = health.New(
		health.CapacityChecker("streams", a.manager.Active, cfg.Server.MaxStreams),
		health.Checker{Name: "sinks", Check: a.checkSinks},
	)

	// ── 3. HTTP server ───────────────────────────────────────────────────
	settings, err := server.SettingsFromConfig(cfg, providers.VAD)
	if err != nil {
		_ = a.fanout.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	srvOpts := []server.Option{
		server.WithSink(a.fanout),
		server.WithManager(a.manager),
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
	}
	if a.metricsHandler != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(a.metricsHandler))
	}
	a.server, err = server.New(settings, srvOpts...)
	if err != nil {
		_ = a.fanout.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("app initialised",
		"engine", cfg.Detector.Engine,
		"sinks", len(queued),
		"max_streams", cfg.Server.MaxStreams,
	)
	return a, nil
}

// checkSinks fails when any sink reports itself unable to deliver.
func (a *App) checkSinks(ctx context.Context) error {
	var errs []error
	for _, s := range a.fanout.Sinks() {
		if hc, ok := s.(sink.HealthChecker); ok {
			if err := hc.Healthy(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Server returns the HTTP server component.
func (a *App) Server() *server.Server { return a.server }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, when configured, watches the config file. It blocks
// until ctx is cancelled or the server fails. When ctx is done, open streams
// are drained and Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.http.Addr); err != nil {
			return fmt.Errorf("app: listen %s: %w", a.http.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	if a.configPath != "" {
		var wopts []config.WatcherOption
		if a.watchInterval > 0 {
			wopts = append(wopts, config.WithInterval(a.watchInterval))
		}
		w, err := config.NewWatcher(a.configPath, a.applyConfig, wopts...)
		if err != nil {
			slog.Warn("config watch disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), drainTimeout)
		defer cancel()
		return a.stop(drainCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// stop drains open streams and stops the HTTP server. It runs once.
func (a *App) stop(ctx context.Context) error {
	var err error
	a.stopServing.Do(func() {
		if derr := a.server.Drain(ctx); derr != nil {
			slog.Warn("stream drain incomplete", "err", derr)
		}
		if serr := a.http.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("app: http shutdown: %w", serr)
		}
	})
	return err
}

// applyConfig is the watcher callback. Detector and stream changes apply to
// streams opened afterwards; the log level changes immediately. Settings the
// server refuses reject the whole edit.
func (a *App) applyConfig(_, next *config.Config, diff config.ConfigDiff) error {
	if diff.DetectorChanged {
		if next.Detector.Engine != a.Config().Detector.Engine {
			slog.Warn("detector engine change requires restart; keeping current engine",
				"engine", a.Config().Detector.Engine)
		}
		settings, err := server.SettingsFromConfig(next, a.providers.VAD)
		if err == nil {
			err = a.server.SetSettings(settings)
		}
		if err != nil {
			return fmt.Errorf("app: detector settings: %w", err)
		}
		slog.Info("detector settings updated for new streams",
			"threshold", settings.VAD.Threshold,
			"grace_frames", settings.VAD.GraceFrames,
			"frame_duration", settings.FrameDuration,
		)
	}
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	a.mu.Lock()
	a.current = next
	a.mu.Unlock()
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: streams are drained, the HTTP
// server stops, remaining streams are closed, queued notifications are
// flushed to the sinks and telemetry is flushed last. It respects the
// context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		a.health.SetDraining(true)

		if err := a.stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if left := a.manager.CloseAll(ctx); len(left) > 0 {
			slog.Warn("closed streams that outlived the drain", "count", len(left))
		}

		done := make(chan error, 1)
		go func() { done <- a.fanout.Close() }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("app: close sinks: %w", err))
			}
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while flushing sinks")
			errs = append(errs, ctx.Err())
			return
		}

		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: telemetry shutdown: %w", err))
			}
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optInt extracts an integer from a sink Options map. YAML decodes whole
// numbers as int; anything else yields 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
