// Package openai implements live.Provider for OpenAI's Realtime API.
//
// It opens a bidirectional WebSocket to the Realtime endpoint and exchanges
// JSON events. The Realtime API speaks 24 kHz PCM16 in both directions, so
// outbound 16 kHz microphone blocks are upsampled before they are appended to
// the input buffer. JPEG frames are added to the conversation as input_image
// items; the gpt-4o preview models take no image input and report
// [live.Capabilities.AudioOnly]. The channel opens once the server confirms
// the session.update.
//
// An error event before the session opens ends the channel. After that,
// invalid_request_error events only reject the offending client event and
// are logged; any other error type ends the channel.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/easel/pkg/audio"
	"github.com/MrWong99/easel/pkg/provider/live"
)

var (
	_ live.Provider = (*Provider)(nil)
	_ live.Channel  = (*channel)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	wireRate    = 24000
	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model used to transcribe the user's speech.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: "whisper-1",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		Voices:            []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
		InputAudioRate:    wireRate,
		OutputAudioRate:   wireRate,
		MaxSessionSeconds: 30 * 60,
		AudioOnly:         !acceptsImages(p.model),
	}
}

// acceptsImages reports whether model takes input_image content. Only the
// gpt-realtime family does.
func acceptsImages(model string) bool {
	return strings.HasPrefix(model, "gpt-realtime")
}

// Connect dials the Realtime endpoint and sends a session.update. The channel
// reports [live.EventOpen] when the server answers with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Channel, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: dial: %w", live.ErrChannelOpenFailed, err)
	}
	conn.SetReadLimit(16 << 20)

	chCtx, cancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:      conn,
		events:    make(chan live.Event, eventBuffer),
		upsampler: audio.NewResampler(1, audio.UplinkFormat.SampleRate, wireRate),
		ctx:       chCtx,
		cancel:    cancel,
	}

	if err := ch.sendSessionUpdate(ctx, cfg, p.transcriptionModel); err != nil {
		cancel()
		conn.CloseNow()
		return nil, fmt.Errorf("%w: openai: session update: %w", live.ErrChannelOpenFailed, err)
	}

	go ch.receiveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan live.Event

	mu     sync.Mutex
	closed bool

	// audioMu orders appends so the upsampler sees blocks in send order.
	audioMu   sync.Mutex
	upsampler *audio.Resampler

	// Owned by receiveLoop.
	opened bool
	// currentTx accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received.
	currentTx strings.Builder

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate configures modalities, voice, instructions, audio formats
// and input transcription.
func (c *channel) sendSessionUpdate(ctx context.Context, cfg live.SessionConfig, transcriptionModel string) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.Modality == live.ModalityText {
		params.Modalities = []string{"text"}
	}
	if transcriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return c.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *channel) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *channel) emitMessage(m live.Message) bool {
	return c.emit(live.Event{Kind: live.EventMessage, Message: &m})
}

// receiveLoop reads events from the WebSocket and translates them. It owns
// the events channel and closes it when it exits.
func (c *channel) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.emit(live.Event{Kind: live.EventClose, Err: live.ErrChannelClosed})
			default:
				c.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("%w: openai: %v", live.ErrChannelError, err)})
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if !c.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent emits the live events for evt. It returns false when the
// loop must stop.
func (c *channel) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.updated":
		if c.opened {
			return true
		}
		c.opened = true
		return c.emit(live.Event{Kind: live.EventOpen})

	case "input_audio_buffer.speech_started":
		return c.emitMessage(live.Message{Interrupted: true})

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return c.emitMessage(live.Message{Audio: evt.Delta})

	case "response.audio_transcript.delta":
		c.currentTx.WriteString(evt.Delta)

	case "response.audio_transcript.done":
		text := evt.Transcript
		if text == "" {
			text = c.currentTx.String()
		}
		c.currentTx.Reset()
		if text == "" {
			return true
		}
		return c.emitMessage(live.Message{OutputTranscript: text})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return c.emitMessage(live.Message{InputTranscript: evt.Transcript})

	case "response.done":
		return c.emitMessage(live.Message{TurnComplete: true})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		if c.opened && evt.Error != nil && evt.Error.Type == "invalid_request_error" {
			slog.Warn("openai: client event rejected", "code", evt.Error.Code, "message", msg)
			return true
		}
		c.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("%w: openai: %s", live.ErrChannelError, msg)})
		return false
	}
	return true
}

// ── live.Channel methods ───────────────────────────────────────────────────────

var (
	errClosed          = errors.New("openai: channel closed")
	errUnsupportedMIME = errors.New("openai: unsupported media type")
)

// Send delivers one media payload. Audio must be 16 kHz mono PCM16 and is
// upsampled to the wire rate; images become input_image conversation items.
func (c *channel) Send(ctx context.Context, m live.Media) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClosed
	}

	switch {
	case m.MIMEType == live.MIMEAudioPCM16k:
		c.audioMu.Lock()
		defer c.audioMu.Unlock()
		pcm := c.upsampler.Resample(m.Data)
		return c.writeJSON(ctx, appendAudioMessage{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(pcm),
		})

	case strings.HasPrefix(m.MIMEType, "image/"):
		url := "data:" + m.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
		return c.writeJSON(ctx, createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:    "message",
				Role:    "user",
				Content: []conversationPart{{Type: "input_image", ImageURL: url}},
			},
		})

	default:
		return fmt.Errorf("%w: %q", errUnsupportedMIME, m.MIMEType)
	}
}

// Events returns the channel on which lifecycle events and messages arrive.
func (c *channel) Events() <-chan live.Event { return c.events }

// Close terminates the channel without a closing handshake. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	_ = c.conn.CloseNow()
	return nil
}
