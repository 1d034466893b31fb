// Command voxgate serves peak-amplitude voice activity detection over
// WebSocket, or runs it once over a raw PCM file.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/voxgate/internal/app"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/internal/sink"
	"github.com/MrWong99/voxgate/internal/stream"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/peak"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxgate.yaml", "path to the YAML configuration file")
	file := flag.String("file", "", `run once over raw s16le PCM from this file ("-" for stdin) and print events as JSON lines`)
	listen := flag.String("listen", "", "override server.listen_addr")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watch, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *file != "" {
		var in io.Reader = os.Stdin
		if *file != "-" {
			f, err := os.Open(*file)
			if err != nil {
				slog.Error("open input", "err", err)
				return 1
			}
			defer f.Close()
			in = f
		}
		out := bufio.NewWriter(os.Stdout)
		defer out.Flush()
		if err := runFile(ctx, cfg, reg, *file, in, out); err != nil {
			slog.Error("offline run failed", "err", err)
			return 1
		}
		return 0
	}

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	opts := []app.Option{app.WithTelemetry(telemetry), app.WithLevelVar(level)}
	if watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// loadConfig loads path. A missing file at the default location falls back
// to the built-in defaults; watch reports whether the file exists to be
// watched.
func loadConfig(path string) (cfg *config.Config, watch bool, err error) {
	cfg, err = config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) || isFlagSet("config") {
		return nil, false, err
	}
	cfg, err = config.LoadFromReader(strings.NewReader(""))
	return cfg, false, err
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// ── Offline mode ──────────────────────────────────────────────────────────────

// runFile feeds raw PCM in the configured stream format from in through one
// runner and writes every notification to out as a JSON line.
func runFile(ctx context.Context, cfg *config.Config, reg *config.Registry, id string, in io.Reader, out io.Writer) error {
	engine, err := reg.CreateVAD(cfg.Detector)
	if err != nil {
		return fmt.Errorf("create vad engine: %w", err)
	}
	vc, err := cfg.Detector.VADConfig(cfg.Stream.FrameDuration)
	if err != nil {
		return err
	}
	session, err := engine.NewSession(vc)
	if err != nil {
		return fmt.Errorf("create vad session: %w", err)
	}

	enc := json.NewEncoder(out)
	runner, err := stream.NewRunner(session, stream.Options{
		ID:                 id,
		Format:             cfg.Stream.Format(),
		FrameDuration:      cfg.Stream.FrameDuration,
		MinSegmentBytes:    cfg.Stream.MinSegmentBytes,
		MaxSegmentDuration: cfg.Stream.MaxSegmentDuration,
		SegmentSampleRate:  cfg.Stream.SegmentSampleRate,
		Publish: func(_ context.Context, n stream.Notification) {
			if err := enc.Encode(n); err != nil {
				slog.Warn("write event", "err", err)
			}
		},
	})
	if err != nil {
		return err
	}
	defer runner.Close(context.WithoutCancel(ctx))

	buf := make([]byte, 32*1024)
	for ctx.Err() == nil {
		n, err := in.Read(buf)
		if n > 0 {
			_ = runner.Write(ctx, buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}
	return nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD(peak.Name, func(config.DetectorConfig) (vad.Engine, error) {
		return peak.Engine{}, nil
	})

	// ── Sinks ─────────────────────────────────────────────────────────────────

	reg.RegisterSink("log", func(entry config.SinkConfig) (sink.Sink, error) {
		level := slog.LevelInfo
		if s := optString(entry.Options, "level"); s != "" {
			if err := level.UnmarshalText([]byte(s)); err != nil {
				return nil, fmt.Errorf("log sink: options.level: %w", err)
			}
		}
		return sink.NewLog(nil, level), nil
	})

	reg.RegisterSink("webhook", func(entry config.SinkConfig) (sink.Sink, error) {
		breaker := resilience.CircuitBreakerConfig{
			Name:        "webhook",
			MaxFailures: optInt(entry.Options, "max_failures"),
		}
		if s := optString(entry.Options, "reset_timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("webhook sink: options.reset_timeout: %w", err)
			}
			breaker.ResetTimeout = d
		}
		return sink.NewWebhook(sink.WebhookConfig{
			URL:          entry.URL,
			FallbackURLs: entry.FallbackURLs,
			Timeout:      entry.Timeout,
			Headers:      entry.Headers,
			IncludeAudio: optBool(entry.Options, "include_audio"),
			Breaker:      breaker,
		})
	})

	reg.RegisterSink("postgres", func(entry config.SinkConfig) (sink.Sink, error) {
		timeout := entry.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return sink.NewPostgres(ctx, sink.PostgresConfig{
			DSN:          entry.URL,
			IncludeAudio: optBool(entry.Options, "include_audio"),
		})
	})

	for _, kind := range []string{"vad", "sink"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the engine and sinks named in cfg using the
// registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	engine, err := reg.CreateVAD(cfg.Detector)
	if err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", cfg.Detector.Engine, err)
	}
	ps.VAD = engine
	slog.Info("provider created", "kind", "vad", "name", cfg.Detector.Engine)

	for i, entry := range cfg.Sinks {
		s, err := reg.CreateSink(entry)
		if err != nil {
			for _, created := range ps.Sinks {
				_ = created.Close()
			}
			return nil, fmt.Errorf("create sinks[%d] %q: %w", i, entry.Name, err)
		}
		ps.Sinks = append(ps.Sinks, s)
		slog.Info("provider created", "kind", "sink", "name", entry.Name)
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	sinks := make([]string, 0, len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		sinks = append(sinks, s.Name)
	}
	maxStreams := "unlimited"
	if cfg.Server.MaxStreams > 0 {
		maxStreams = fmt.Sprint(cfg.Server.MaxStreams)
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxgate: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Engine", cfg.Detector.Engine)
	printRow("Threshold", fmt.Sprint(cfg.Detector.ThresholdOrDefault()))
	printRow("Format", fmt.Sprintf("%s %s", cfg.Stream.Format(), cfg.Stream.Codec))
	printRow("Frame", cfg.Stream.FrameDuration.String())
	printRow("Sinks", strings.Join(sinks, ", "))
	printRow("Max streams", maxStreams)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" || value == "0" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a sink Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optBool extracts a bool value from a sink Options map.
func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optInt extracts an int value from a sink Options map.
func optInt(opts map[string]any, key string) int {
	n, _ := opts[key].(int)
	return n
}
