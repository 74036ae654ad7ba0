//go:build portaudio

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/easel/pkg/audio"
)

// PortAudio opens the host's default input device through PortAudio.
type PortAudio struct {
	cfg MicrophoneConfig
}

var _ AudioDevice = (*PortAudio)(nil)

// NewPortAudio creates a microphone factory for cfg.
func NewPortAudio(cfg MicrophoneConfig) *PortAudio {
	return &PortAudio{cfg: cfg.withDefaults()}
}

// OpenAudio initialises PortAudio, opens the default input stream and starts
// reading from it.
func (p *PortAudio) OpenAudio(ctx context.Context) (Microphone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, classifyPortAudio(err)
	}

	buf := make([]int16, p.cfg.FramesPerBuffer*p.cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(p.cfg.Channels, 0, float64(p.cfg.SampleRate), p.cfg.FramesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, classifyPortAudio(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, classifyPortAudio(err)
	}

	m := &paMicrophone{
		stream: stream,
		buf:    buf,
		cfg:    p.cfg,
		start:  time.Now(),
		frames: make(chan audio.Frame, 32),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go m.readLoop()
	return m, nil
}

// classifyPortAudio maps PortAudio errors onto the capture sentinels.
func classifyPortAudio(err error) error {
	var paErr portaudio.Error
	if errors.As(err, &paErr) {
		switch paErr {
		case portaudio.DeviceUnavailable, portaudio.InvalidDevice:
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

type paMicrophone struct {
	stream *portaudio.Stream
	buf    []int16
	cfg    MicrophoneConfig
	start  time.Time

	frames chan audio.Frame
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func (m *paMicrophone) Frames() <-chan audio.Frame { return m.frames }

func (m *paMicrophone) readLoop() {
	defer close(m.exited)
	defer close(m.frames)

	for {
		if err := m.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			select {
			case <-m.done:
			default:
				slog.Warn("microphone read failed", "err", err)
			}
			return
		}

		frame := audio.Frame{
			Data:       audio.Int16ToBytes(m.buf),
			SampleRate: m.cfg.SampleRate,
			Channels:   m.cfg.Channels,
			Timestamp:  time.Since(m.start),
		}
		select {
		case m.frames <- frame:
		case <-m.done:
			return
		default:
			// Consumer is behind; drop rather than stall the device.
		}
	}
}

// Close stops the stream, waits for the reader and shuts PortAudio down.
func (m *paMicrophone) Close() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		_ = m.stream.Abort()
		<-m.exited
		err = m.stream.Close()
		portaudio.Terminate()
	})
	return err
}
