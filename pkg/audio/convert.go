package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts capture frames to a target format. It logs a
// warning on the first format mismatch and on the first misaligned frame.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once

	rs    *Resampler
	rsSrc Format
}

// Convert converts frame to the target format and returns the resulting PCM.
// Successive frames are treated as one continuous stream.
// If the source already matches the target the data is returned unchanged.
// Misaligned frames (a byte count that is not a whole number of sample
// frames) yield nil so that callers never forward garbage.
//
// Channels are folded to mono before resampling when the target is mono, so
// that the resampler touches as little data as possible.
func (c *FormatConverter) Convert(frame Frame) []byte {
	src := frame.Format()
	if src.Channels <= 0 || len(frame.Data)%src.FrameSize() != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM, dropping frame",
				"bytes", len(frame.Data),
				"format", src.String(),
			)
		})
		return nil
	}

	if src == c.Target {
		return frame.Data
	}

	c.warnedMismatch.Do(func() {
		slog.Info("audio converter: converting capture format",
			"from", src.String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	channels := src.Channels

	if c.Target.Channels == 1 && channels > 1 {
		pcm = Downmix(pcm, channels)
		channels = 1
	}

	if src.SampleRate != c.Target.SampleRate {
		pcm = c.resampler(src, channels).Resample(pcm)
	}

	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return pcm
}

// resampler returns the stream resampler for src, starting a new stream when
// the capture format changes.
func (c *FormatConverter) resampler(src Format, channels int) *Resampler {
	if c.rs == nil || c.rsSrc != src {
		c.rs = NewResampler(channels, src.SampleRate, c.Target.SampleRate)
		c.rsSrc = src
	}
	return c.rs
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / bytesPerSample
	out := make([]byte, n*4)
	for i := range n {
		copy(out[i*4:i*4+2], pcm[i*2:i*2+2])
		copy(out[i*4+2:i*4+4], pcm[i*2:i*2+2])
	}
	return out
}

// Downmix averages every interleaved frame of the given channel count into a
// single mono sample, clamping to the int16 range.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameSize := channels * bytesPerSample
	frames := len(pcm) / frameSize
	out := make([]byte, frames*bytesPerSample)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(sampleAt(pcm, i*channels+ch))
		}
		putSample(out, i, clamp16(sum/int32(channels)))
	}
	return out
}

// Resampler converts a continuous stream of interleaved s16le PCM from one
// sample rate to another by linear interpolation. The read position and the
// last input frame carry over between calls, so consecutive buffers join
// without dropped samples or steps at the seams. Output trails input by at
// most one source frame. Not safe for concurrent use.
type Resampler struct {
	channels int
	srcRate  int
	dstRate  int

	// pos is the read position in source frames scaled by dstRate, relative
	// to the carried frame (or to the first frame before any carry).
	pos  int64
	last []int16
}

// NewResampler creates a Resampler. Equal or invalid rates make it a
// pass-through.
func NewResampler(channels, srcRate, dstRate int) *Resampler {
	return &Resampler{channels: channels, srcRate: srcRate, dstRate: dstRate}
}

// Resample converts the next buffer of the stream. pcm must hold whole
// frames; a trailing partial frame is ignored.
func (r *Resampler) Resample(pcm []byte) []byte {
	if r.srcRate <= 0 || r.dstRate <= 0 || r.channels <= 0 || r.srcRate == r.dstRate {
		return pcm
	}
	n := len(pcm) / (r.channels * bytesPerSample)
	if n == 0 {
		return nil
	}

	offset := 0
	if r.last != nil {
		offset = 1
	}
	total := n + offset
	at := func(i, ch int) int64 {
		if i < offset {
			return int64(r.last[ch])
		}
		return int64(sampleAt(pcm, (i-offset)*r.channels+ch))
	}

	dst, step := int64(r.dstRate), int64(r.srcRate)
	limit := int64(total-1) * dst
	est := (limit-r.pos)/step + 1
	out := make([]byte, 0, max(est, 0)*int64(r.channels*bytesPerSample))
	for ; r.pos < limit; r.pos += step {
		idx, frac := int(r.pos/dst), r.pos%dst
		for ch := range r.channels {
			s0, s1 := at(idx, ch), at(idx+1, ch)
			out = binary.LittleEndian.AppendUint16(out, uint16(int16(s0+(s1-s0)*frac/dst)))
		}
	}
	r.pos -= limit

	if r.last == nil {
		r.last = make([]int16, r.channels)
	}
	for ch := range r.channels {
		r.last[ch] = int16(at(total-1, ch))
	}
	return out
}

// Int16ToBytes encodes samples as s16le.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		putSample(out, i, s)
	}
	return out
}

// BytesToInt16 decodes s16le PCM. A trailing odd byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/bytesPerSample)
	for i := range out {
		out[i] = sampleAt(pcm, i)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(s))
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
