package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":  {"peak"},
	"sink": {"log", "webhook", "postgres"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxStreams < 0 {
		errs = append(errs, fmt.Errorf("server.max_streams %d must be >= 0", cfg.Server.MaxStreams))
	}

	// Detector
	det := cfg.Detector
	validateProviderName("vad", det.Engine)
	if det.Threshold != nil && !(*det.Threshold > 0) {
		errs = append(errs, fmt.Errorf("detector.threshold %v must be > 0", *det.Threshold))
	}
	if det.GraceFrames != nil && *det.GraceFrames < 0 {
		errs = append(errs, fmt.Errorf("detector.grace_frames %d must be >= 0", *det.GraceFrames))
	}
	if det.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("detector.grace_period %s must be >= 0", det.GracePeriod))
	}
	if det.GraceFrames != nil && det.GracePeriod != 0 {
		errs = append(errs, errors.New("detector.grace_frames and detector.grace_period are mutually exclusive"))
	}

	// Stream
	st := cfg.Stream
	if st.SampleRate < 0 || st.SampleRate > audio.MaxSampleRate {
		errs = append(errs, fmt.Errorf("stream.sample_rate %d must be in [1, %d]", st.SampleRate, audio.MaxSampleRate))
	}
	if st.Channels < 0 || st.Channels > audio.MaxChannels {
		errs = append(errs, fmt.Errorf("stream.channels %d must be in [1, %d]", st.Channels, audio.MaxChannels))
	}
	if st.Codec != "" && !st.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("stream.codec %q is invalid; valid values: pcm, opus", st.Codec))
	}
	if st.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("stream.frame_duration %s must be > 0", st.FrameDuration))
	}
	if st.FrameDuration > 0 && st.Format().Validate() == nil {
		switch n := st.Format().FrameBytes(st.FrameDuration); {
		case n == 0:
			errs = append(errs, fmt.Errorf("stream.frame_duration %s is shorter than one sample at %d Hz", st.FrameDuration, st.SampleRate))
		case n > audio.MaxFrameBytes:
			errs = append(errs, fmt.Errorf("stream.frame_duration %s is %d bytes per frame, limit %d", st.FrameDuration, n, audio.MaxFrameBytes))
		}
	}
	if st.MinSegmentBytes < 0 {
		errs = append(errs, fmt.Errorf("stream.min_segment_bytes %d must be >= 0", st.MinSegmentBytes))
	}
	if st.MaxSegmentDuration < 0 {
		errs = append(errs, fmt.Errorf("stream.max_segment_duration %s must be >= 0", st.MaxSegmentDuration))
	}
	if st.SegmentSampleRate < 0 || st.SegmentSampleRate > audio.MaxSampleRate {
		errs = append(errs, fmt.Errorf("stream.segment_sample_rate %d must be in [0, %d]", st.SegmentSampleRate, audio.MaxSampleRate))
	}

	// Only resolve the full detector config once its inputs are individually sane,
	// otherwise the same problem would be reported twice.
	if len(errs) == 0 && st.FrameDuration > 0 {
		if _, err := det.VADConfig(st.FrameDuration); err != nil {
			errs = append(errs, err)
		}
	}

	// Sinks
	for i, s := range cfg.Sinks {
		prefix := fmt.Sprintf("sinks[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("sink", s.Name)
		if (s.Name == "webhook" || s.Name == "postgres") && s.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required for the %s sink", prefix, s.Name))
		}
		if len(s.FallbackURLs) > 0 && s.URL == "" {
			errs = append(errs, fmt.Errorf("%s.fallback_urls requires url", prefix))
		}
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout %s must be >= 0", prefix, s.Timeout))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
