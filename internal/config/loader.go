package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/easel/pkg/capture"
	"github.com/MrWong99/easel/pkg/provider/live"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":     {"gemini-live", "openai-realtime"},
	"playback": {"oto", "virtual"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
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

	// Provider
	validateProviderName("live", cfg.Provider.Name)
	validateProviderName("playback", cfg.Playback.Device)
	if cfg.Provider.Name == "" {
		slog.Warn("provider.name is empty; sessions cannot be started until a live provider is configured")
	} else if cfg.Provider.APIKey == "" && cfg.Provider.BaseURL == "" {
		slog.Warn("provider.api_key is empty; the remote endpoint will likely reject the connection")
	}

	// Session
	s := cfg.Session
	if s.FrameInterval < 0 {
		errs = append(errs, fmt.Errorf("session.frame_interval %s must not be negative", s.FrameInterval))
	}
	if s.BlockSamples < 0 {
		errs = append(errs, fmt.Errorf("session.block_samples %d must not be negative", s.BlockSamples))
	}
	if s.DefaultMode != "" && !s.DefaultMode.IsValid() {
		errs = append(errs, fmt.Errorf("session.default_mode %q is invalid; valid values: surface, camera", s.DefaultMode))
	}
	if s.ConnectBreaker.MaxFailures < 0 || s.ConnectBreaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("session.connect_breaker values must not be negative"))
	}
	switch s.ResponseModality {
	case "", live.ModalityAudio, live.ModalityText:
	default:
		errs = append(errs, fmt.Errorf("session.response_modality %q is invalid; valid values: audio, text", s.ResponseModality))
	}

	// Capture
	mic := cfg.Capture.Microphone
	if mic.SampleRate < 0 || mic.Channels < 0 || mic.FramesPerBuffer < 0 {
		errs = append(errs, errors.New("capture.microphone values must not be negative"))
	}
	if mic.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.microphone.channels %d is out of range [1, 2]", mic.Channels))
	}
	surf := cfg.Capture.Surface
	if surf.Width < 0 || surf.Height < 0 || surf.MaxFrameWidth < 0 {
		errs = append(errs, errors.New("capture.surface dimensions must not be negative"))
	}
	if surf.JPEGQuality < 0 || surf.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("capture.surface.jpeg_quality %d is out of range [1, 100]", surf.JPEGQuality))
	}
	if s.DefaultMode == capture.ModeCamera && cfg.Capture.Camera.URL == "" {
		slog.Warn("session.default_mode is camera but capture.camera.url is empty; camera sessions will fail")
	}

	// Lesson duplicate name detection
	namesSeen := make(map[string]int, len(cfg.Lessons))

	for i, l := range cfg.Lessons {
		prefix := fmt.Sprintf("lessons[%d]", i)
		if l.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[l.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of lessons[%d]", prefix, l.Name, prev))
			}
			namesSeen[l.Name] = i
		}
		if l.Mode != "" && !l.Mode.IsValid() {
			errs = append(errs, fmt.Errorf("%s.mode %q is invalid; valid values: surface, camera", prefix, l.Mode))
		}
		if l.Instructions == "" {
			slog.Warn("lesson has no instructions", "lesson", l.Name)
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
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
