package output

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/easel/pkg/audio"
	"github.com/MrWong99/easel/pkg/audio/playback"
)

var _ Device = (*Oto)(nil)

// pollInterval is how often a playing voice checks whether oto drained it.
const pollInterval = 5 * time.Millisecond

// Oto is a [playback.Device] that plays through the system's default audio
// output using oto. oto allows only one context per process, so create at
// most one Oto.
type Oto struct {
	ctx    *oto.Context
	format audio.Format
	start  time.Time

	mu     sync.Mutex
	closed bool
}

// NewOto opens the default output device in the given format and blocks
// until it is ready.
func NewOto(format audio.Format) (*Oto, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("output: oto context: %w", err)
	}
	<-ready

	slog.Info("audio output opened", "device", "oto", "format", format.String())
	return &Oto{ctx: ctx, format: format, start: time.Now()}, nil
}

// Now returns the time elapsed since the device was opened.
func (o *Oto) Now() time.Duration { return time.Since(o.start) }

// Play waits until at and then streams chunk into a fresh oto player.
func (o *Oto) Play(chunk audio.Chunk, at time.Duration) (playback.Voice, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrDeviceClosed
	}
	if chunk.Format != o.format {
		return nil, fmt.Errorf("output: chunk format %s does not match device format %s", chunk.Format, o.format)
	}

	v := &otoVoice{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go v.run(o.ctx, chunk.PCM, max(at-o.Now(), 0))
	return v, nil
}

// Close suspends the oto context. Voices still waiting to start never play.
func (o *Oto) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if err := o.ctx.Suspend(); err != nil {
		return fmt.Errorf("output: suspend oto: %w", err)
	}
	return nil
}

// Err reports the oto context's error state.
func (o *Oto) Err() error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrDeviceClosed
	}
	return o.ctx.Err()
}

type otoVoice struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (v *otoVoice) run(ctx *oto.Context, pcm []byte, delay time.Duration) {
	defer close(v.done)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-v.stop:
		return
	case <-timer.C:
	}

	p := ctx.NewPlayer(bytes.NewReader(pcm))
	defer p.Close()
	p.Play()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for p.IsPlaying() {
		select {
		case <-v.stop:
			p.Pause()
			return
		case <-ticker.C:
		}
	}
}

func (v *otoVoice) Stop() {
	v.stopOnce.Do(func() { close(v.stop) })
}

func (v *otoVoice) Done() <-chan struct{} { return v.done }
