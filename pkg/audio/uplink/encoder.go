// Package uplink turns captured microphone audio into the fixed-size PCM
// blocks a live provider expects.
//
// The [Encoder] converts native-rate capture frames to [audio.UplinkFormat],
// accumulates them and hands every complete block to a send function. The
// send function is called synchronously, so there is never more than one
// block in flight: backpressure from the transport stalls the encoder instead
// of growing a queue.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/easel/pkg/audio"
)

// DefaultBlockSamples is the number of 16 kHz samples per outbound block
// (256 ms of audio).
const DefaultBlockSamples = 4096

// ErrStreamEnded is returned by [Encoder.Run] when the capture stream closes.
// Any partial block collected so far is discarded.
var ErrStreamEnded = errors.New("uplink: capture stream ended")

// SendFunc delivers one outbound chunk to the transport. It must block until
// the chunk has been handed over; a non-nil error stops the encoder.
type SendFunc func(ctx context.Context, chunk audio.Chunk) error

// Option is a functional option for configuring an [Encoder].
type Option func(*Encoder)

// WithBlockSamples sets the block size in samples. Non-positive values are
// ignored.
func WithBlockSamples(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.blockSamples = n
		}
	}
}

// Encoder converts capture frames into uplink blocks. An Encoder runs one
// stream at a time; create a new one per session.
type Encoder struct {
	send         SendFunc
	blockSamples int
	conv         audio.FormatConverter
	pending      []byte

	blocks atomic.Int64
}

// New creates an Encoder that delivers blocks to send.
func New(send SendFunc, opts ...Option) *Encoder {
	e := &Encoder{
		send:         send,
		blockSamples: DefaultBlockSamples,
		conv:         audio.FormatConverter{Target: audio.UplinkFormat},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Blocks returns the number of blocks delivered so far.
func (e *Encoder) Blocks() int64 { return e.blocks.Load() }

// Run consumes frames until ctx is cancelled, frames is closed, or a send
// fails. Blocks are delivered in arrival order. Run returns ctx.Err() on
// cancellation, [ErrStreamEnded] when the stream closes, and the wrapped send
// error otherwise.
//
// When Run stops because of a send error it keeps draining frames in the
// background so that the capture device is never blocked on a full channel.
func (e *Encoder) Run(ctx context.Context, frames <-chan audio.Frame) error {
	blockBytes := e.blockSamples * audio.UplinkFormat.FrameSize()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				e.pending = e.pending[:0]
				return ErrStreamEnded
			}
			pcm := e.conv.Convert(f)
			if len(pcm) == 0 {
				continue
			}
			e.pending = append(e.pending, pcm...)

			off := 0
			for len(e.pending)-off >= blockBytes {
				block := make([]byte, blockBytes)
				copy(block, e.pending[off:off+blockBytes])
				off += blockBytes

				chunk := audio.Chunk{
					Direction: audio.Outbound,
					Format:    audio.UplinkFormat,
					PCM:       block,
				}
				if err := e.send(ctx, chunk); err != nil {
					e.pending = e.pending[:0]
					go audio.Drain(frames)
					return fmt.Errorf("uplink: send block %d: %w", e.blocks.Load(), err)
				}
				e.blocks.Add(1)
			}
			e.pending = append(e.pending[:0], e.pending[off:]...)
		}
	}
}
