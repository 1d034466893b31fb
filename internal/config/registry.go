package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxgate/internal/sink"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for VAD
// engines and event sinks. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	vad  map[string]func(DetectorConfig) (vad.Engine, error)
	sink map[string]func(SinkConfig) (sink.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:  make(map[string]func(DetectorConfig) (vad.Engine, error)),
		sink: make(map[string]func(SinkConfig) (sink.Sink, error)),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(DetectorConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterSink registers an event sink factory under name.
func (r *Registry) RegisterSink(name string, factory func(SinkConfig) (sink.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink[name] = factory
}

// CreateVAD instantiates a VAD engine using the factory registered under cfg.Engine.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(cfg DetectorConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateSink instantiates an event sink using the factory registered under cfg.Name.
func (r *Registry) CreateSink(cfg SinkConfig) (sink.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sink[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// Names returns the sorted registered names for kind ("vad" or "sink").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "vad":
		for n := range r.vad {
			names = append(names, n)
		}
	case "sink":
		for n := range r.sink {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
