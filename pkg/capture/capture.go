// Package capture owns the local media devices of a streaming session: one
// microphone and one visual source, which is either the drawing surface or a
// camera.
//
// A [Source] acquires devices on request and releases all of them with
// [Source.CloseAll], which may be called any number of times from any state.
// Acquisition failures are reported as [ErrPermissionDenied] or
// [ErrDeviceUnavailable] so callers can tell the user what went wrong.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/easel/pkg/audio"
)

var (
	// ErrPermissionDenied means the device exists but access was refused.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrDeviceUnavailable means no usable device could be opened.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrReleased is returned when CloseAll ran while a device was still
	// being opened. The freshly opened device has already been closed.
	ErrReleased = errors.New("capture: released while opening")
)

// Mode selects the visual source.
type Mode string

const (
	// ModeSurface is the in-memory drawing surface. It is always available.
	ModeSurface Mode = "surface"

	// ModeCamera is the camera feed.
	ModeCamera Mode = "camera"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeSurface, ModeCamera:
		return true
	default:
		return false
	}
}

// Microphone is an open audio input device.
type Microphone interface {
	// Frames delivers captured PCM at the device's native format. The
	// channel is closed when the device stops, for whatever reason.
	Frames() <-chan audio.Frame

	// Close stops capture and releases the device. Idempotent.
	Close() error
}

// Visual is an open visual source.
type Visual interface {
	// Snapshot returns the current frame as JPEG. It returns nil, nil when
	// no frame is available yet.
	Snapshot() ([]byte, error)

	// Close releases the source. Idempotent.
	Close() error
}

// AudioDevice opens microphones.
type AudioDevice interface {
	OpenAudio(ctx context.Context) (Microphone, error)
}

// CameraDevice opens camera feeds.
type CameraDevice interface {
	OpenCamera(ctx context.Context) (Visual, error)
}

// Source hands out the session's capture devices and tracks them so they can
// be released together. It is safe for concurrent use.
type Source struct {
	mic     AudioDevice
	camera  CameraDevice
	surface *Surface

	mu     sync.Mutex
	audio  Microphone
	visual Visual
	epoch  uint64
}

// NewSource creates a Source. mic and camera may be nil, in which case
// opening them reports [ErrDeviceUnavailable]. surface may be nil, in which
// case a default-sized surface is created.
func NewSource(mic AudioDevice, camera CameraDevice, surface *Surface) *Source {
	if surface == nil {
		surface = NewSurface(DefaultSurfaceWidth, DefaultSurfaceHeight)
	}
	return &Source{mic: mic, camera: camera, surface: surface}
}

// Surface returns the drawing surface backing [ModeSurface].
func (s *Source) Surface() *Surface { return s.surface }

// OpenAudio opens the microphone. If one is already open it is returned.
func (s *Source) OpenAudio(ctx context.Context) (Microphone, error) {
	s.mu.Lock()
	if s.audio != nil {
		m := s.audio
		s.mu.Unlock()
		return m, nil
	}
	epoch := s.epoch
	s.mu.Unlock()

	if s.mic == nil {
		return nil, fmt.Errorf("%w: no microphone configured", ErrDeviceUnavailable)
	}
	m, err := s.mic.OpenAudio(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		_ = m.Close()
		return nil, ErrReleased
	}
	s.audio = m
	slog.Info("capture device acquired", "kind", "microphone")
	return m, nil
}

// OpenVisual opens the visual source for mode, replacing any visual source
// opened earlier.
func (s *Source) OpenVisual(ctx context.Context, mode Mode) (Visual, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	var (
		v   Visual
		err error
	)
	switch mode {
	case ModeSurface:
		v = surfaceView{s.surface}
	case ModeCamera:
		if s.camera == nil {
			return nil, fmt.Errorf("%w: no camera configured", ErrDeviceUnavailable)
		}
		v, err = s.camera.OpenCamera(ctx)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("capture: unknown visual mode %q", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		_ = v.Close()
		return nil, ErrReleased
	}
	if s.visual != nil {
		_ = s.visual.Close()
	}
	s.visual = v
	slog.Info("capture device acquired", "kind", string(mode))
	return v, nil
}

// CloseAll releases every acquired device. Opens still in progress are
// cancelled: they close what they opened and return [ErrReleased]. Safe to
// call multiple times.
func (s *Source) CloseAll() error {
	s.mu.Lock()
	m, v := s.audio, s.visual
	s.audio, s.visual = nil, nil
	s.epoch++
	s.mu.Unlock()

	var errs []error
	if m != nil {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("capture: close microphone: %w", err))
		}
		slog.Info("capture device released", "kind", "microphone")
	}
	if v != nil {
		if err := v.Close(); err != nil {
			errs = append(errs, fmt.Errorf("capture: close visual: %w", err))
		}
		slog.Info("capture device released", "kind", "visual")
	}
	return errors.Join(errs...)
}

// surfaceView exposes the shared surface as a Visual. Closing a view does not
// clear the surface.
type surfaceView struct{ s *Surface }

func (v surfaceView) Snapshot() ([]byte, error) { return v.s.Snapshot() }
func (v surfaceView) Close() error              { return nil }
