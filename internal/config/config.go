// Package config provides the configuration schema, loader, watcher and
// provider registry for the Easel session streamer.
package config

import (
	"time"

	"github.com/MrWong99/easel/pkg/capture"
	"github.com/MrWong99/easel/pkg/provider/live"
)

// LogLevel controls log verbosity for the Easel server.
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

// Config is the root configuration structure for Easel.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderEntry  `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Lessons  []LessonConfig `yaml:"lessons"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the live streaming backend. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig tunes the streaming session.
type SessionConfig struct {
	// FrameInterval is the period of visual snapshots (e.g., "1s").
	// Zero selects one second.
	FrameInterval time.Duration `yaml:"frame_interval"`

	// BlockSamples is the number of 16 kHz samples per uplink audio block.
	// Zero selects 4096.
	BlockSamples int `yaml:"block_samples"`

	// DefaultMode is the visual source used when a start request names none.
	DefaultMode capture.Mode `yaml:"default_mode"`

	// ResponseModality is the modality requested from the remote model.
	ResponseModality live.Modality `yaml:"response_modality"`

	// ConnectBreaker stops dialling the provider after repeated failures.
	ConnectBreaker BreakerConfig `yaml:"connect_breaker"`
}

// BreakerConfig tunes the connect circuit breaker. Zero values select the
// defaults (3 failures, 30s).
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// CaptureConfig configures the local capture devices.
type CaptureConfig struct {
	Microphone MicrophoneConfig `yaml:"microphone"`
	Camera     CameraConfig     `yaml:"camera"`
	Surface    SurfaceConfig    `yaml:"surface"`
}

// MicrophoneConfig describes how the host microphone is opened.
type MicrophoneConfig struct {
	// Disabled skips the microphone entirely; starting a session then
	// reports the device as unavailable.
	Disabled bool `yaml:"disabled"`

	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// CameraConfig points at an MJPEG network camera.
type CameraConfig struct {
	// URL of the multipart/x-mixed-replace stream. Empty disables camera mode.
	URL string `yaml:"url"`
}

// SurfaceConfig sizes the drawing surface and its snapshots.
type SurfaceConfig struct {
	Width         int `yaml:"width"`
	Height        int `yaml:"height"`
	MaxFrameWidth int `yaml:"max_frame_width"`
	JPEGQuality   int `yaml:"jpeg_quality"`
}

// PlaybackConfig selects the output device.
type PlaybackConfig struct {
	// Device is the registered device name ("oto" or "virtual").
	Device string `yaml:"device"`
}

// LessonConfig is one named coaching preset.
type LessonConfig struct {
	// Name identifies the lesson in start requests.
	Name string `yaml:"name"`

	// Voice is the provider-specific prebuilt voice identifier.
	Voice string `yaml:"voice"`

	// Instructions is the system instruction sent when the channel opens.
	Instructions string `yaml:"instructions"`

	// Mode is the lesson's default visual source.
	Mode capture.Mode `yaml:"mode"`
}
