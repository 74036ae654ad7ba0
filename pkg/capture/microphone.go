package capture

// Microphone defaults.
const (
	DefaultMicSampleRate      = 48000
	DefaultMicChannels        = 1
	DefaultMicFramesPerBuffer = 1024
)

// MicrophoneConfig describes how the host microphone is opened. Zero fields
// take the defaults above.
type MicrophoneConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

func (c MicrophoneConfig) withDefaults() MicrophoneConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultMicSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = DefaultMicChannels
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = DefaultMicFramesPerBuffer
	}
	return c
}
