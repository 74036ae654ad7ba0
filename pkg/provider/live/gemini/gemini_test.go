package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/easel/pkg/provider/live"
	"github.com/MrWong99/easel/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler receives the
// accepted connection; when it returns the connection is closed normally.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// nextEvent waits for the next event or fails.
func nextEvent(t *testing.T, ch live.Channel) live.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

func connect(t *testing.T, srv *httptest.Server, cfg live.SessionConfig) live.Channel {
	t.Helper()
	p := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
	ch, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
	if caps.AudioOnly {
		t.Error("Gemini Live takes image input")
	}
	if caps.InputAudioRate != 16000 || caps.OutputAudioRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputAudioRate, caps.OutputAudioRate)
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("custom-model"))
	ch, err := p.Connect(context.Background(), live.SessionConfig{
		Voice:        "Kore",
		Instructions: "You are a drawing coach.",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	if got := <-keyCh; got != "secret" {
		t.Errorf("api key = %q, want secret", got)
	}

	select {
	case msg := <-received:
		s := msg.Setup
		if s.Model != "models/custom-model" {
			t.Errorf("model = %q", s.Model)
		}
		if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
			t.Errorf("responseModalities = %v, want [AUDIO]", s.GenerationConfig.ResponseModalities)
		}
		if s.GenerationConfig.SpeechConfig == nil ||
			s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
			t.Error("voice not set to Kore")
		}
		if s.SystemInstruction == nil || len(s.SystemInstruction.Parts) != 1 ||
			s.SystemInstruction.Parts[0].Text != "You are a drawing coach." {
			t.Error("system instruction missing")
		}
		if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
			t.Error("audio transcription not requested")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	_, err := gemini.New("k", gemini.WithBaseURL(url)).Connect(context.Background(), live.SessionConfig{})
	if !errors.Is(err, live.ErrChannelOpenFailed) {
		t.Fatalf("got %v, want ErrChannelOpenFailed", err)
	}
}

func TestConnect_CancelledDialKeepsCause(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(*websocket.Conn, *http.Request) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(ctx, live.SessionConfig{})
	if !errors.Is(err, live.ErrChannelOpenFailed) {
		t.Errorf("got %v, want ErrChannelOpenFailed", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled in the chain", err)
	}
}

func TestEvents_OpenThenMessages(t *testing.T) {
	t.Parallel()

	audioB64 := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": audioB64}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "how is my shading"},
				"outputTranscription": map[string]any{"text": "try softer strokes"},
				"turnComplete":        true,
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"interrupted": true},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := connect(t, srv, live.SessionConfig{})

	if ev := nextEvent(t, ch); ev.Kind != live.EventOpen {
		t.Fatalf("first event = %v, want open", ev.Kind)
	}

	ev := nextEvent(t, ch)
	if ev.Kind != live.EventMessage || ev.Message.Audio != audioB64 {
		t.Fatalf("audio event = %+v, want raw base64 passthrough", ev)
	}

	ev = nextEvent(t, ch)
	m := ev.Message
	if m == nil || m.InputTranscript != "how is my shading" || m.OutputTranscript != "try softer strokes" || !m.TurnComplete {
		t.Fatalf("transcript event = %+v", m)
	}

	ev = nextEvent(t, ch)
	if ev.Message == nil || !ev.Message.Interrupted {
		t.Fatalf("interrupt event = %+v", ev.Message)
	}
}

func TestEvents_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := connect(t, srv, live.SessionConfig{})
	nextEvent(t, ch) // open

	ev := nextEvent(t, ch)
	if ev.Kind != live.EventError || !errors.Is(ev.Err, live.ErrChannelError) {
		t.Fatalf("got %v / %v, want error event wrapping ErrChannelError", ev.Kind, ev.Err)
	}

	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Error("unexpected event after terminal error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events not closed after terminal error")
	}
}

func TestEvents_RemoteCloseIsClose(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		// Returning closes with StatusNormalClosure.
	})

	ch := connect(t, srv, live.SessionConfig{})
	nextEvent(t, ch) // open

	ev := nextEvent(t, ch)
	if ev.Kind != live.EventClose || !errors.Is(ev.Err, live.ErrChannelClosed) {
		t.Fatalf("got %v / %v, want close event", ev.Kind, ev.Err)
	}
}

func TestEvents_AbnormalCloseIsError(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	ch := connect(t, srv, live.SessionConfig{})
	nextEvent(t, ch) // open

	ev := nextEvent(t, ch)
	if ev.Kind != live.EventError || !errors.Is(ev.Err, live.ErrChannelError) {
		t.Fatalf("got %v / %v, want error event", ev.Kind, ev.Err)
	}
}

func TestSend_MediaChunks(t *testing.T) {
	t.Parallel()

	type rtMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan rtMsg, 2)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for range 2 {
			var m rtMsg
			readJSON(t, conn, &m)
			got <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := connect(t, srv, live.SessionConfig{})
	nextEvent(t, ch) // open

	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	if err := ch.Send(context.Background(), live.Media{Data: pcm, MIMEType: live.MIMEAudioPCM16k}); err != nil {
		t.Fatalf("Send audio: %v", err)
	}
	jpg := []byte{0xff, 0xd8, 0xff}
	if err := ch.Send(context.Background(), live.Media{Data: jpg, MIMEType: live.MIMEJPEG}); err != nil {
		t.Fatalf("Send frame: %v", err)
	}

	for i, want := range []struct {
		mime string
		data []byte
	}{{live.MIMEAudioPCM16k, pcm}, {live.MIMEJPEG, jpg}} {
		select {
		case m := <-got:
			chunks := m.RealtimeInput.MediaChunks
			if len(chunks) != 1 {
				t.Fatalf("message %d: %d chunks", i, len(chunks))
			}
			if chunks[0].MIMEType != want.mime {
				t.Errorf("message %d: mime = %q, want %q", i, chunks[0].MIMEType, want.mime)
			}
			if chunks[0].Data != base64.StdEncoding.EncodeToString(want.data) {
				t.Errorf("message %d: data mismatch", i)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestClose_IdempotentAndSilences(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := connect(t, srv, live.SessionConfig{})
	nextEvent(t, ch) // open

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := ch.Send(context.Background(), live.Media{Data: []byte{0, 0}, MIMEType: live.MIMEAudioPCM16k}); err == nil {
		t.Error("Send after Close should fail")
	}

	// A local close produces no terminal event; the stream just ends.
	select {
	case ev, ok := <-ch.Events():
		if ok {
			t.Errorf("unexpected event after local Close: %v", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events not closed after Close")
	}
}
