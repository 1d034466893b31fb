package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls when no interval is set.
const DefaultWatchInterval = 5 * time.Second

// ApplyFunc receives every valid edit of the watched file. Returning an error
// rejects the edit: the previous config stays current and the same content
// is not offered again. It runs with the watcher locked and must not call
// [Watcher.Current].
type ApplyFunc func(old, next *Config, diff ConfigDiff) error

// Watcher polls a config file and hands validated edits to an [ApplyFunc].
// A poll compares the modification time first and the SHA-256 of the content
// second, so touching the file without editing it is a no-op.
type Watcher struct {
	path     string
	interval time.Duration
	apply    ApplyFunc

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	hash    [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a Watcher whose [Watcher.Current]
// is that config. Polling starts with [Watcher.Run]. apply may be nil.
func NewWatcher(path string, apply ApplyFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(snap.data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.mtime, w.hash = cfg, snap.mtime, snap.hash
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check polls the file once and reports whether a new config was accepted.
// Read, parse, validation and apply failures are logged and leave the
// current config in place.
func (w *Watcher) Check() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := w.read()
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return false
	}
	if snap.mtime.Equal(w.mtime) {
		return false
	}
	w.mtime = snap.mtime
	if snap.hash == w.hash {
		return false
	}
	// A rejected edit is not retried until the content changes again.
	w.hash = snap.hash

	next, err := LoadFromReader(bytes.NewReader(snap.data))
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return false
	}
	diff := Diff(w.current, next)
	for _, field := range diff.RestartRequired {
		slog.Warn("config watcher: change requires restart to take effect", "field", field)
	}
	if w.apply != nil {
		if err := w.apply(w.current, next, diff); err != nil {
			slog.Warn("config watcher: edit rejected", "path", w.path, "err", err)
			return false
		}
	}
	w.current = next
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", diff.LogLevelChanged,
		"detector_changed", diff.DetectorChanged,
	)
	return true
}

type snapshot struct {
	data  []byte
	mtime time.Time
	hash  [sha256.Size]byte
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{data: data, mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
