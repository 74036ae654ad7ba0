package audio_test

import (
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/MrWong99/easel/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	stereo := audio.MonoToStereo(audio.Int16ToBytes([]int16{100, 200, 300}))
	got := audio.BytesToInt16(stereo)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	t.Parallel()
	// 2 complete samples + 1 trailing byte.
	stereo := audio.MonoToStereo([]byte{0x64, 0x00, 0xC8, 0x00, 0xFF})
	if len(stereo) != 8 {
		t.Fatalf("expected 8 bytes for 2 complete mono samples, got %d", len(stereo))
	}
}

func TestDownmix_Stereo(t *testing.T) {
	t.Parallel()
	mono := audio.Downmix(audio.Int16ToBytes([]int16{100, 300, -200, -400}), 2)
	got := audio.BytesToInt16(mono)
	want := []int16{200, -300}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmix_FourChannels(t *testing.T) {
	t.Parallel()
	mono := audio.Downmix(audio.Int16ToBytes([]int16{100, 200, 300, 400, 0, 0, 0, 4000}), 4)
	got := audio.BytesToInt16(mono)
	if len(got) != 2 || got[0] != 250 || got[1] != 1000 {
		t.Errorf("got %v, want [250 1000]", got)
	}
}

func TestDownmix_Clamping(t *testing.T) {
	t.Parallel()
	mono := audio.Downmix(audio.Int16ToBytes([]int16{32767, 32767, -32768, -32768}), 2)
	got := audio.BytesToInt16(mono)
	if got[0] != 32767 || got[1] != -32768 {
		t.Errorf("got %v, want clamped extremes", got)
	}
}

func TestResampler_SameRate(t *testing.T) {
	t.Parallel()
	pcm := audio.Int16ToBytes([]int16{1, 2, 3})
	out := audio.NewResampler(1, 16000, 16000).Resample(pcm)
	if &out[0] != &pcm[0] {
		t.Error("expected input slice to be returned unchanged")
	}
}

func TestResampler_Downsample48kTo16k(t *testing.T) {
	t.Parallel()
	samples := make([]int16, 480) // 10 ms at 48 kHz
	for i := range samples {
		samples[i] = int16(i)
	}
	out := audio.BytesToInt16(audio.NewResampler(1, 48000, 16000).Resample(audio.Int16ToBytes(samples)))
	if len(out) != 160 {
		t.Fatalf("expected 160 samples, got %d", len(out))
	}
	// Every third source sample lands exactly on an output sample.
	for i, s := range out {
		if s != int16(i*3) {
			t.Fatalf("sample %d: got %d, want %d", i, s, i*3)
		}
	}
}

func TestResampler_UpsampleInterpolatesAcrossBuffers(t *testing.T) {
	t.Parallel()
	r := audio.NewResampler(1, 16000, 48000)
	first := audio.BytesToInt16(r.Resample(audio.Int16ToBytes([]int16{0, 300})))
	second := audio.BytesToInt16(r.Resample(audio.Int16ToBytes([]int16{600})))

	got := append(first, second...)
	want := []int16{0, 100, 200, 300, 400, 500}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampler_Stereo(t *testing.T) {
	t.Parallel()
	r := audio.NewResampler(2, 16000, 48000)
	out := audio.BytesToInt16(r.Resample(audio.Int16ToBytes([]int16{100, 200, 300, 400})))
	want := []int16{100, 200, 166, 266, 233, 333}
	if len(out) != len(want) {
		t.Fatalf("got %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestResampler_InvalidRates(t *testing.T) {
	t.Parallel()
	pcm := audio.Int16ToBytes([]int16{100, 200})
	for _, rates := range [][2]int{{0, 48000}, {48000, 0}, {-1, 16000}} {
		if out := audio.NewResampler(1, rates[0], rates[1]).Resample(pcm); len(out) != len(pcm) {
			t.Errorf("rates %v: expected unchanged output, got len %d", rates, len(out))
		}
	}
}

func TestResampler_ContinuousStream(t *testing.T) {
	t.Parallel()
	const (
		seconds   = 10
		amplitude = 10000.0
		tone      = 440.0
		buffer    = 1024
	)
	// Largest step a 440 Hz tone can take between two 16 kHz samples, plus
	// rounding slack.
	maxStep := int(2*math.Pi*tone/16000*amplitude) + 20

	for _, rate := range []int{48000, 44100} {
		t.Run(strconv.Itoa(rate), func(t *testing.T) {
			t.Parallel()
			total := seconds * rate
			src := make([]int16, total)
			for i := range src {
				src[i] = int16(amplitude * math.Sin(2*math.Pi*tone*float64(i)/float64(rate)))
			}

			r := audio.NewResampler(1, rate, 16000)
			var out []int16
			for off := 0; off < total; off += buffer {
				end := min(off+buffer, total)
				out = append(out, audio.BytesToInt16(r.Resample(audio.Int16ToBytes(src[off:end])))...)
			}

			want := seconds * 16000
			if d := len(out) - want; d < -1 || d > 1 {
				t.Errorf("output samples = %d, want %d±1", len(out), want)
			}
			for i := 1; i < len(out); i++ {
				step := int(out[i]) - int(out[i-1])
				if step < -maxStep || step > maxStep {
					t.Fatalf("sample %d: step %d exceeds %d", i, step, maxStep)
				}
			}
		})
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.UplinkFormat}
	frame := audio.Frame{Data: audio.Int16ToBytes([]int16{100, 200}), SampleRate: 16000, Channels: 1}
	out := conv.Convert(frame)
	if &out[0] != &frame.Data[0] {
		t.Error("expected same slice for matching format")
	}
}

func TestFormatConverter_StereoCaptureToUplink(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.UplinkFormat}
	// 30 ms of 48 kHz stereo.
	samples := make([]int16, 1440*2)
	for i := range samples {
		samples[i] = 1000
	}
	out := conv.Convert(audio.Frame{Data: audio.Int16ToBytes(samples), SampleRate: 48000, Channels: 2})
	got := audio.BytesToInt16(out)
	if len(got) != 480 {
		t.Fatalf("expected 480 mono samples at 16 kHz, got %d", len(got))
	}
	for i, s := range got {
		if s != 1000 {
			t.Fatalf("sample %d: got %d, want 1000", i, s)
		}
	}
}

func TestFormatConverter_MisalignedFrameDropped(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.UplinkFormat}
	tests := []audio.Frame{
		{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1},
		{Data: []byte{1, 2, 3, 4, 5, 6}, SampleRate: 48000, Channels: 2},
		{Data: []byte{1, 2}, SampleRate: 48000, Channels: 0},
	}
	for _, f := range tests {
		if out := conv.Convert(f); out != nil {
			t.Errorf("frame %d bytes %dch: expected nil, got %d bytes", len(f.Data), f.Channels, len(out))
		}
	}
}

func TestFormatConverter_StreamAcrossFrames(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.UplinkFormat}
	// 1024-frame buffers do not divide evenly by the 3:1 ratio.
	var got int
	for range 30 {
		got += len(conv.Convert(audio.Frame{Data: make([]byte, 1024*4), SampleRate: 48000, Channels: 2})) / 2
	}
	if want := 30 * 1024 / 3; got < want-1 || got > want {
		t.Errorf("converted samples = %d, want %d (less at most one)", got, want)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	if d := audio.DownlinkFormat.Duration(48000); d != time.Second {
		t.Errorf("24 kHz mono, 48000 bytes: got %v, want 1s", d)
	}
	if d := audio.UplinkFormat.Duration(8192); d != 256*time.Millisecond {
		t.Errorf("4096 uplink samples: got %v, want 256ms", d)
	}
	if d := (audio.Format{}).Duration(100); d != 0 {
		t.Errorf("zero format: got %v, want 0", d)
	}
}

func TestNewChunk(t *testing.T) {
	t.Parallel()
	c, err := audio.NewChunk(audio.Inbound, make([]byte, 4800))
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	if c.Format != audio.DownlinkFormat {
		t.Errorf("inbound chunk format = %v, want %v", c.Format, audio.DownlinkFormat)
	}
	if c.Duration() != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", c.Duration())
	}
	if n := len(c.PCM) / c.Format.FrameSize(); n != 2400 {
		t.Errorf("samples = %d, want 2400", n)
	}

	c, err = audio.NewChunk(audio.Outbound, make([]byte, 8192))
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	if c.Format != audio.UplinkFormat || c.Direction.String() != "outbound" {
		t.Errorf("unexpected outbound chunk: %+v", c)
	}

	if _, err := audio.NewChunk(audio.Inbound, []byte{1, 2, 3}); !errors.Is(err, audio.ErrChunkFormat) {
		t.Errorf("expected ErrChunkFormat, got %v", err)
	}
}
