// Package live defines the contract for real-time multimodal streaming
// backends: a single bidirectional channel that accepts microphone audio and
// visual frames and answers with synthesised speech and transcriptions.
//
// A [Provider] opens a [Channel]. The channel reports its lifecycle and every
// server message on [Channel.Events] as a tagged [Event]: exactly one
// [EventOpen] once the remote side has accepted the session configuration,
// any number of [EventMessage], and finally either [EventError] or
// [EventClose]. The events channel is closed after the terminal event.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"slices"
)

// MIME types accepted by [Channel.Send].
const (
	// MIMEAudioPCM16k is 16 kHz mono signed 16-bit little-endian PCM.
	MIMEAudioPCM16k = "audio/pcm;rate=16000"

	// MIMEJPEG is a single JPEG-encoded frame.
	MIMEJPEG = "image/jpeg"
)

var (
	// ErrChannelOpenFailed means the remote channel could not be
	// established or rejected the session configuration.
	ErrChannelOpenFailed = errors.New("live: channel open failed")

	// ErrChannelError means the remote side reported an error or the
	// transport failed after the channel was open.
	ErrChannelError = errors.New("live: channel error")

	// ErrChannelClosed means the remote side closed the channel.
	ErrChannelClosed = errors.New("live: channel closed")
)

// Modality is the kind of response the remote model produces.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// SessionConfig configures a channel when it is opened.
type SessionConfig struct {
	// Modality is the response modality. Empty means [ModalityAudio].
	Modality Modality

	// Voice is the provider-specific prebuilt voice identifier. Empty
	// selects the provider default.
	Voice string

	// Instructions is the system instruction for the remote model.
	Instructions string
}

// Media is one outbound payload: an audio block or a visual frame.
type Media struct {
	Data     []byte
	MIMEType string
}

// EventKind tags an [Event].
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventError
	EventClose
)

// String returns the lower-case name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Message is the payload of an [EventMessage]. Every field is optional.
type Message struct {
	// InputTranscript is recognised speech of the local user.
	InputTranscript string

	// OutputTranscript is the text of the model's spoken response.
	OutputTranscript string

	// Audio is base64-encoded 24 kHz mono s16le PCM. It is passed through
	// undecoded; the consumer decodes it.
	Audio string

	// Interrupted means the model stopped its current response because the
	// user started speaking. Queued playback should be discarded.
	Interrupted bool

	// TurnComplete marks the end of a model turn.
	TurnComplete bool
}

// Event is a tagged union of channel lifecycle and server messages.
type Event struct {
	Kind EventKind

	// Message is set for EventMessage.
	Message *Message

	// Err is set for EventError and may be set for EventClose.
	Err error
}

// Channel is an open streaming channel.
type Channel interface {
	// Send transmits one media payload. It returns an error once the channel
	// is closed; callers may ignore it after they requested the close.
	Send(ctx context.Context, m Media) error

	// Events delivers lifecycle events and server messages in arrival
	// order. It is closed after the terminal event or after Close.
	Events() <-chan Event

	// Close tears the channel down without waiting for the remote side.
	// Idempotent.
	Close() error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Voices lists known prebuilt voice identifiers.
	Voices []string

	// InputAudioRate is the sample rate the provider expects on the wire.
	InputAudioRate int

	// OutputAudioRate is the sample rate of the provider's audio output.
	OutputAudioRate int

	// MaxSessionSeconds is the provider's session limit; zero means none.
	MaxSessionSeconds int

	// AudioOnly reports that the configured model takes no image input.
	// Sessions then capture visuals but send no frames.
	AudioOnly bool
}

// HasVoice reports whether voice is one of the known prebuilt voices. An
// empty voice selects the provider default and always matches.
func (c Capabilities) HasVoice(voice string) bool {
	return voice == "" || slices.Contains(c.Voices, voice)
}

// Provider opens streaming channels.
type Provider interface {
	// Connect dials the remote endpoint and sends the session
	// configuration. The returned channel is not yet open: wait for
	// [EventOpen] before treating it as live. A dial failure is reported
	// wrapped in [ErrChannelOpenFailed].
	Connect(ctx context.Context, cfg SessionConfig) (Channel, error)

	// Capabilities returns static provider metadata.
	Capabilities() Capabilities
}
