package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DetectorChanged is true when the detector or stream framing changed.
	// Applied to streams opened after the reload; open streams keep their
	// session.
	DetectorChanged bool

	// RestartRequired lists top-level settings that changed but only take
	// effect after a restart (e.g. "server.listen_addr", "sinks").
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !old.Detector.Equal(new.Detector) || old.Stream != new.Stream {
		d.DetectorChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.MaxStreams != new.Server.MaxStreams {
		d.RestartRequired = append(d.RestartRequired, "server.max_streams")
	}
	if !sinksEqual(old.Sinks, new.Sinks) {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

// Empty reports whether the diff contains no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DetectorChanged && len(d.RestartRequired) == 0
}

func sinksEqual(a, b []SinkConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.URL != y.URL || x.Timeout != y.Timeout {
			return false
		}
		if !slices.Equal(x.FallbackURLs, y.FallbackURLs) || !maps.Equal(x.Headers, y.Headers) || !reflect.DeepEqual(x.Options, y.Options) {
			return false
		}
	}
	return true
}
