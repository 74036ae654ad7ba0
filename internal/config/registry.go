package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/easel/pkg/audio"
	"github.com/MrWong99/easel/pkg/audio/output"
	"github.com/MrWong99/easel/pkg/provider/live"
	"github.com/MrWong99/easel/pkg/provider/live/gemini"
	"github.com/MrWong99/easel/pkg/provider/live/openai"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	live     map[string]func(ProviderEntry) (live.Provider, error)
	playback map[string]func(PlaybackConfig) (output.Device, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:     make(map[string]func(ProviderEntry) (live.Provider, error)),
		playback: make(map[string]func(PlaybackConfig) (output.Device, error)),
	}
}

// NewDefaultRegistry returns a [Registry] with the built-in live providers
// and playback devices registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterLive("gemini-live", func(e ProviderEntry) (live.Provider, error) {
		if e.APIKey == "" && e.BaseURL == "" {
			return nil, errors.New("config: gemini-live requires provider.api_key")
		}
		var opts []gemini.Option
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(e.APIKey, opts...), nil
	})

	r.RegisterLive("openai-realtime", func(e ProviderEntry) (live.Provider, error) {
		if e.APIKey == "" && e.BaseURL == "" {
			return nil, errors.New("config: openai-realtime requires provider.api_key")
		}
		var opts []openai.Option
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if m, ok := e.Options["transcription_model"].(string); ok {
			opts = append(opts, openai.WithTranscriptionModel(m))
		}
		return openai.New(e.APIKey, opts...), nil
	})

	r.RegisterPlayback("virtual", func(PlaybackConfig) (output.Device, error) {
		return output.NewVirtual(), nil
	})
	r.RegisterPlayback("oto", func(PlaybackConfig) (output.Device, error) {
		dev, err := output.NewOto(audio.DownlinkFormat)
		if err != nil {
			return nil, err
		}
		return dev, nil
	})

	return r
}

// RegisterLive registers a live provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterPlayback registers a playback device factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(PlaybackConfig) (output.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateLive instantiates a live provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreatePlayback instantiates a playback device using the factory registered
// under cfg.Device. An empty name selects "virtual".
func (r *Registry) CreatePlayback(cfg PlaybackConfig) (output.Device, error) {
	name := cfg.Device
	if name == "" {
		name = "virtual"
	}
	r.mu.RLock()
	factory, ok := r.playback[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// LiveNames returns the registered live provider names, sorted.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.live))
}
