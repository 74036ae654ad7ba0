//go:build !portaudio

package capture

import (
	"context"
	"fmt"
)

// PortAudio is unavailable in builds without the portaudio tag. Opening it
// always reports [ErrDeviceUnavailable].
type PortAudio struct {
	cfg MicrophoneConfig
}

var _ AudioDevice = (*PortAudio)(nil)

// NewPortAudio creates a microphone factory for cfg.
func NewPortAudio(cfg MicrophoneConfig) *PortAudio {
	return &PortAudio{cfg: cfg.withDefaults()}
}

func (p *PortAudio) OpenAudio(context.Context) (Microphone, error) {
	return nil, fmt.Errorf("%w: built without portaudio support", ErrDeviceUnavailable)
}
