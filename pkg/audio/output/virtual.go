package output

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/easel/pkg/audio"
	"github.com/MrWong99/easel/pkg/audio/playback"
)

var _ Device = (*Virtual)(nil)

// ErrDeviceClosed is returned by Play after the device was closed.
var ErrDeviceClosed = errors.New("output: device closed")

// Virtual is a [playback.Device] that keeps time with the wall clock but
// produces no sound. Voices finish once their scheduled end passes. It is
// useful on servers without a sound card and in tests that need real time.
type Virtual struct {
	start time.Time

	mu     sync.Mutex
	played time.Duration
	closed bool
}

// NewVirtual creates a virtual device whose clock starts now.
func NewVirtual() *Virtual {
	return &Virtual{start: time.Now()}
}

// Now returns the time elapsed since the device was created.
func (v *Virtual) Now() time.Duration { return time.Since(v.start) }

// Played returns the total duration of chunks that finished naturally.
func (v *Virtual) Played() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.played
}

// Play schedules chunk to "finish" at at + chunk duration.
func (v *Virtual) Play(chunk audio.Chunk, at time.Duration) (playback.Voice, error) {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return nil, ErrDeviceClosed
	}

	d := chunk.Duration()
	wait := max(at+d-v.Now(), 0)
	tv := &timedVoice{done: make(chan struct{})}
	tv.timer = time.AfterFunc(wait, func() {
		tv.finish(func() {
			v.mu.Lock()
			v.played += d
			v.mu.Unlock()
		})
	})
	return tv, nil
}

// Close marks the device closed. Voices already scheduled keep running.
func (v *Virtual) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

// Err reports whether the device can accept chunks.
func (v *Virtual) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrDeviceClosed
	}
	return nil
}

// timedVoice is a voice that ends when its timer fires.
type timedVoice struct {
	timer *time.Timer
	once  sync.Once
	done  chan struct{}
}

// finish runs before (if non-nil) and closes done, once.
func (t *timedVoice) finish(before func()) {
	t.once.Do(func() {
		if before != nil {
			before()
		}
		close(t.done)
	})
}

func (t *timedVoice) Stop() {
	t.timer.Stop()
	t.finish(nil)
}

func (t *timedVoice) Done() <-chan struct{} { return t.done }
