// Package audio defines the PCM types shared by the capture, uplink and
// playback sides of a streaming session, plus format conversion helpers.
//
// All PCM handled by Easel is signed 16-bit little-endian. Two fixed formats
// matter to the session: [UplinkFormat] for audio sent to the live provider
// and [DownlinkFormat] for audio received from it. Capture devices produce
// whatever their native format is; [FormatConverter] bridges the gap.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// bytesPerSample is the width of one s16le sample.
const bytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// UplinkFormat is the format of every outbound chunk: 16 kHz mono.
	UplinkFormat = Format{SampleRate: 16000, Channels: 1}

	// DownlinkFormat is the format of every inbound chunk: 24 kHz mono.
	DownlinkFormat = Format{SampleRate: 24000, Channels: 1}
)

// FrameSize returns the number of bytes in one multi-channel sample frame.
func (f Format) FrameSize() int {
	return f.Channels * bytesPerSample
}

// Duration reports how long n bytes of PCM in this format play for. Partial
// trailing frames are ignored. A zero format yields zero.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / f.FrameSize()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is one block of PCM as delivered by a capture device.
type Frame struct {
	// Data is interleaved s16le PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Direction tags a [Chunk] as travelling to or from the live provider.
type Direction int

const (
	// Outbound chunks were captured locally and are sent upstream.
	Outbound Direction = iota

	// Inbound chunks were received from the provider and are to be played.
	Inbound
)

// String returns the lower-case name of the direction.
func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Chunk is a slice of PCM with a fixed format and a direction. Outbound
// chunks are always in [UplinkFormat] and inbound chunks in [DownlinkFormat];
// use [NewChunk] to enforce that.
type Chunk struct {
	Direction Direction
	Format    Format
	PCM       []byte
}

// ErrChunkFormat is returned by [NewChunk] when the PCM is misaligned for
// the direction's format.
var ErrChunkFormat = errors.New("audio: chunk is not aligned to its format")

// NewChunk builds a chunk for the given direction using that direction's
// fixed format. It rejects PCM that does not hold a whole number of frames.
func NewChunk(dir Direction, pcm []byte) (Chunk, error) {
	f := UplinkFormat
	if dir == Inbound {
		f = DownlinkFormat
	}
	if len(pcm)%f.FrameSize() != 0 {
		return Chunk{}, fmt.Errorf("%w: %d bytes for %s", ErrChunkFormat, len(pcm), f)
	}
	return Chunk{Direction: dir, Format: f, PCM: pcm}, nil
}

// Duration reports how long the chunk plays for.
func (c Chunk) Duration() time.Duration {
	return c.Format.Duration(len(c.PCM))
}
	return len(c.PCM) / c.Format.FrameSize()
}
