package capture_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/easel/pkg/audio"
	"github.com/MrWong99/easel/pkg/capture"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeMic struct {
	frames chan audio.Frame
	closed atomic.Int32
	once   sync.Once
}

func newFakeMic() *fakeMic { return &fakeMic{frames: make(chan audio.Frame)} }

func (m *fakeMic) Frames() <-chan audio.Frame { return m.frames }
func (m *fakeMic) Close() error {
	m.closed.Add(1)
	m.once.Do(func() { close(m.frames) })
	return nil
}

type fakeAudioDevice struct {
	err    error
	opened atomic.Int32

	// gate, if set, blocks OpenAudio until it is closed. entered is closed
	// once OpenAudio is blocked on gate.
	gate    chan struct{}
	entered chan struct{}

	mu   sync.Mutex
	last *fakeMic
}

func (d *fakeAudioDevice) OpenAudio(ctx context.Context) (capture.Microphone, error) {
	if d.gate != nil {
		close(d.entered)
		<-d.gate
	}
	d.opened.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	m := newFakeMic()
	d.mu.Lock()
	d.last = m
	d.mu.Unlock()
	return m, nil
}

type fakeVisual struct {
	closed atomic.Int32
}

func (v *fakeVisual) Snapshot() ([]byte, error) { return []byte{0xff, 0xd8}, nil }

func (v *fakeVisual) Close() error {
	v.closed.Add(1)
	return nil
}

type fakeCamera struct {
	err error
	mu  sync.Mutex
	all []*fakeVisual
}

func (c *fakeCamera) OpenCamera(context.Context) (capture.Visual, error) {
	if c.err != nil {
		return nil, c.err
	}
	v := &fakeVisual{}
	c.mu.Lock()
	c.all = append(c.all, v)
	c.mu.Unlock()
	return v, nil
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestSource_OpenAudioReusesDevice(t *testing.T) {
	t.Parallel()
	dev := &fakeAudioDevice{}
	src := capture.NewSource(dev, nil, nil)

	m1, err := src.OpenAudio(context.Background())
	if err != nil {
		t.Fatalf("OpenAudio: %v", err)
	}
	m2, err := src.OpenAudio(context.Background())
	if err != nil {
		t.Fatalf("OpenAudio again: %v", err)
	}
	if m1 != m2 {
		t.Error("second OpenAudio returned a different microphone")
	}
	if got := dev.opened.Load(); got != 1 {
		t.Errorf("device opened %d times, want 1", got)
	}
}

func TestSource_OpenErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  *capture.Source
		open func(*capture.Source) error
		want error
	}{
		{
			name: "no microphone",
			src:  capture.NewSource(nil, nil, nil),
			open: func(s *capture.Source) error { _, err := s.OpenAudio(context.Background()); return err },
			want: capture.ErrDeviceUnavailable,
		},
		{
			name: "microphone permission",
			src:  capture.NewSource(&fakeAudioDevice{err: capture.ErrPermissionDenied}, nil, nil),
			open: func(s *capture.Source) error { _, err := s.OpenAudio(context.Background()); return err },
			want: capture.ErrPermissionDenied,
		},
		{
			name: "no camera",
			src:  capture.NewSource(nil, nil, nil),
			open: func(s *capture.Source) error {
				_, err := s.OpenVisual(context.Background(), capture.ModeCamera)
				return err
			},
			want: capture.ErrDeviceUnavailable,
		},
		{
			name: "camera permission",
			src:  capture.NewSource(nil, &fakeCamera{err: capture.ErrPermissionDenied}, nil),
			open: func(s *capture.Source) error {
				_, err := s.OpenVisual(context.Background(), capture.ModeCamera)
				return err
			},
			want: capture.ErrPermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.open(tt.src); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSource_UnknownMode(t *testing.T) {
	t.Parallel()
	src := capture.NewSource(nil, nil, nil)
	if _, err := src.OpenVisual(context.Background(), capture.Mode("screen")); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if capture.Mode("screen").IsValid() {
		t.Error("IsValid(screen) = true")
	}
	if !capture.ModeSurface.IsValid() || !capture.ModeCamera.IsValid() {
		t.Error("built-in modes should be valid")
	}
}

func TestSource_OpenVisualReplacesPrevious(t *testing.T) {
	t.Parallel()
	cam := &fakeCamera{}
	src := capture.NewSource(nil, cam, nil)

	if _, err := src.OpenVisual(context.Background(), capture.ModeCamera); err != nil {
		t.Fatalf("OpenVisual: %v", err)
	}
	if _, err := src.OpenVisual(context.Background(), capture.ModeSurface); err != nil {
		t.Fatalf("OpenVisual surface: %v", err)
	}
	if got := cam.all[0].closed.Load(); got != 1 {
		t.Errorf("previous camera closed %d times, want 1", got)
	}
}

func TestSource_CloseAllIdempotent(t *testing.T) {
	t.Parallel()
	dev := &fakeAudioDevice{}
	cam := &fakeCamera{}
	src := capture.NewSource(dev, cam, nil)

	if _, err := src.OpenAudio(context.Background()); err != nil {
		t.Fatalf("OpenAudio: %v", err)
	}
	if _, err := src.OpenVisual(context.Background(), capture.ModeCamera); err != nil {
		t.Fatalf("OpenVisual: %v", err)
	}

	for range 3 {
		if err := src.CloseAll(); err != nil {
			t.Fatalf("CloseAll: %v", err)
		}
	}
	if got := dev.last.closed.Load(); got != 1 {
		t.Errorf("microphone closed %d times, want 1", got)
	}
	if got := cam.all[0].closed.Load(); got != 1 {
		t.Errorf("camera closed %d times, want 1", got)
	}

	// A fresh open after release reaches the device again.
	if _, err := src.OpenAudio(context.Background()); err != nil {
		t.Fatalf("OpenAudio after CloseAll: %v", err)
	}
	if got := dev.opened.Load(); got != 2 {
		t.Errorf("device opened %d times, want 2", got)
	}
}

func TestSource_CloseAllDuringOpen(t *testing.T) {
	t.Parallel()
	dev := &fakeAudioDevice{gate: make(chan struct{}), entered: make(chan struct{})}
	src := capture.NewSource(dev, nil, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := src.OpenAudio(context.Background())
		errc <- err
	}()

	<-dev.entered
	if err := src.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	close(dev.gate)

	if err := <-errc; !errors.Is(err, capture.ErrReleased) {
		t.Fatalf("got %v, want ErrReleased", err)
	}
	if got := dev.last.closed.Load(); got != 1 {
		t.Errorf("released microphone closed %d times, want 1", got)
	}
}

func TestSource_SurfaceAlwaysAvailable(t *testing.T) {
	t.Parallel()
	src := capture.NewSource(nil, nil, nil)
	v, err := src.OpenVisual(context.Background(), capture.ModeSurface)
	if err != nil {
		t.Fatalf("OpenVisual: %v", err)
	}
	data, err := v.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(data) == 0 {
		t.Error("surface snapshot is empty")
	}
	if err := src.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if src.Surface().Version() == 0 {
		t.Error("surface lost after CloseAll")
	}
}
