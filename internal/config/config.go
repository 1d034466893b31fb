// Package config provides the configuration schema, loader, hot-reload
// watcher, and provider registry for the voxgate server.
package config

import (
	"fmt"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// LogLevel controls log verbosity for the voxgate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Codec selects how binary stream messages are decoded into PCM.
type Codec string

const (
	// CodecPCM means messages carry raw little-endian int16 PCM.
	CodecPCM Codec = "pcm"

	// CodecOpus means each message carries exactly one Opus packet.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a recognised codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM || c == CodecOpus
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr         = ":8080"
	DefaultEngine             = "peak"
	DefaultSampleRate         = 16000
	DefaultChannels           = 1
	DefaultFrameDuration      = 20 * time.Millisecond
	DefaultMinSegmentBytes    = 2000
	DefaultMaxSegmentDuration = 30 * time.Second
	DefaultServiceName        = "voxgate"
)

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Detector  DetectorConfig  `yaml:"detector"`
	Stream    StreamConfig    `yaml:"stream"`
	Sinks     []SinkConfig    `yaml:"sinks"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxStreams caps the number of concurrently open audio streams.
	// 0 means unlimited.
	MaxStreams int `yaml:"max_streams"`
}

// DetectorConfig configures the VAD engine used for every new stream.
type DetectorConfig struct {
	// Engine selects the registered VAD engine. Default: "peak".
	Engine string `yaml:"engine"`

	// Threshold is the peak amplitude above which a frame is loud. A nil
	// value means the engine default of 0.05; an explicit value must be > 0.
	Threshold *float64 `yaml:"threshold"`

	// GraceFrames is the number of consecutive quiet frames tolerated before
	// speech ends. Mutually exclusive with GracePeriod. A nil value with no
	// GracePeriod means the engine default of 50 frames.
	GraceFrames *int `yaml:"grace_frames"`

	// GracePeriod expresses the tolerated silence as a duration. It is
	// translated into frames using the stream's frame duration.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// VADConfig resolves the detector settings into a [vad.Config] for frames of
// the given duration.
func (d DetectorConfig) VADConfig(frameDuration time.Duration) (vad.Config, error) {
	cfg := vad.DefaultConfig()
	cfg.Threshold = d.ThresholdOrDefault()
	switch {
	case d.GraceFrames != nil:
		cfg.GraceFrames = *d.GraceFrames
	case d.GracePeriod != 0:
		n, err := vad.GraceFramesFor(d.GracePeriod, frameDuration)
		if err != nil {
			return vad.Config{}, fmt.Errorf("config: detector.grace_period: %w", err)
		}
		cfg.GraceFrames = n
	}
	if err := cfg.Validate(); err != nil {
		return vad.Config{}, fmt.Errorf("config: detector: %w", err)
	}
	return cfg, nil
}

// ThresholdOrDefault returns the configured threshold or
// [vad.DefaultThreshold] when none is set.
func (d DetectorConfig) ThresholdOrDefault() float64 {
	if d.Threshold == nil {
		return vad.DefaultThreshold
	}
	return *d.Threshold
}

// Equal reports whether d and o describe the same detector.
func (d DetectorConfig) Equal(o DetectorConfig) bool {
	return d.Engine == o.Engine &&
		d.GracePeriod == o.GracePeriod &&
		ptrEqual(d.Threshold, o.Threshold) &&
		ptrEqual(d.GraceFrames, o.GraceFrames)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// StreamConfig describes the default format of incoming audio streams and
// how speech segments are recorded. Clients may override the format per
// stream.
type StreamConfig struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the number of interleaved channels. Default: 1.
	Channels int `yaml:"channels"`

	// Codec is the default stream codec. Default: "pcm".
	Codec Codec `yaml:"codec"`

	// FrameDuration is the detection quantum. Default: 20ms.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// MinSegmentBytes discards recorded segments with less PCM than this.
	// Default: 2000.
	MinSegmentBytes int `yaml:"min_segment_bytes"`

	// MaxSegmentDuration caps how much audio a single segment records.
	// Default: 30s.
	MaxSegmentDuration time.Duration `yaml:"max_segment_duration"`

	// SegmentSampleRate resamples recorded segments before delivery.
	// 0 keeps the stream's own rate.
	SegmentSampleRate int `yaml:"segment_sample_rate"`
}

// Format returns the configured default stream format.
func (s StreamConfig) Format() audio.Format {
	return audio.Format{SampleRate: s.SampleRate, Channels: s.Channels}
}

// SinkConfig is the configuration block for a single event sink. The Name
// field is used to look up the constructor in the [Registry].
type SinkConfig struct {
	// Name selects the registered sink implementation (e.g., "log", "webhook").
	Name string `yaml:"name"`

	// URL is the delivery endpoint for network sinks.
	URL string `yaml:"url"`

	// FallbackURLs are tried in order when URL fails or its circuit
	// breaker is open.
	FallbackURLs []string `yaml:"fallback_urls"`

	// Timeout bounds a single delivery attempt. 0 selects the sink default.
	Timeout time.Duration `yaml:"timeout"`

	// Headers are added to every request made by HTTP sinks.
	Headers map[string]string `yaml:"headers"`

	// Options holds sink-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default: "voxgate".
	ServiceName string `yaml:"service_name"`

	// DisableMetrics turns off the /metrics endpoint.
	DisableMetrics bool `yaml:"disable_metrics"`
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Detector.Engine == "" {
		cfg.Detector.Engine = DefaultEngine
	}
	if cfg.Stream.SampleRate == 0 {
		cfg.Stream.SampleRate = DefaultSampleRate
	}
	if cfg.Stream.Channels == 0 {
		cfg.Stream.Channels = DefaultChannels
	}
	if cfg.Stream.Codec == "" {
		cfg.Stream.Codec = CodecPCM
	}
	if cfg.Stream.FrameDuration == 0 {
		cfg.Stream.FrameDuration = DefaultFrameDuration
	}
	if cfg.Stream.MinSegmentBytes == 0 {
		cfg.Stream.MinSegmentBytes = DefaultMinSegmentBytes
	}
	if cfg.Stream.MaxSegmentDuration == 0 {
		cfg.Stream.MaxSegmentDuration = DefaultMaxSegmentDuration
	}
	if len(cfg.Sinks) == 0 {
		cfg.Sinks = []SinkConfig{{Name: "log"}}
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
