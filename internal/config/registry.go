package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/wordwatch/pkg/audio"
	"github.com/MrWong99/wordwatch/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory
// has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// STTFactory constructs a transcription provider from its config entry.
type STTFactory func(ProviderEntry) (stt.Provider, error)

// SourceFactory constructs an audio source. Sources that must be mounted on
// the HTTP server implement http.Handler.
type SourceFactory func(SourceConfig) (audio.Source, error)

// Registry maps names to constructors for transcription providers and audio
// sources. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	stt     map[string]STTFactory
	sources map[SourceKind]SourceFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:     make(map[string]STTFactory),
		sources: make(map[SourceKind]SourceFactory),
	}
}

// RegisterSTT registers a provider factory under name, replacing any
// earlier registration.
func (r *Registry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterSource registers a source factory under kind.
func (r *Registry) RegisterSource(kind SourceKind, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[kind] = factory
}

// CreateSTT instantiates the provider registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create stt %q: %w", entry.Name, err)
	}
	return p, nil
}

// CreateSource instantiates the source registered under cfg.Name.
func (r *Registry) CreateSource(cfg SourceConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, cfg.Name)
	}
	src, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create source %q: %w", cfg.Name, err)
	}
	return src, nil
}

// STTNames lists the registered provider names, sorted.
func (r *Registry) STTNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stt))
	for n := range r.stt {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// SourceNames lists the registered source kinds, sorted.
func (r *Registry) SourceNames() []SourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]SourceKind, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// OptString extracts a string from a provider Options map. It returns ""
// when the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptInt extracts an integer from a provider Options map. YAML decodes
// whole numbers as int.
func OptInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), v == float64(int(v))
	}
	return 0, false
}
