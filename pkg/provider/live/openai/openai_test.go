package openai_test

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
	"github.com/MrWong99/easel/pkg/provider/live/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSession consumes the session.update and confirms it.
func acceptSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

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

func connect(t *testing.T, srv *httptest.Server) live.Channel {
	t.Helper()
	ch, err := openai.New("sk-test", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_HeadersAndSessionUpdate(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Modalities              []string `json:"modalities"`
			Voice                   string   `json:"voice"`
			Instructions            string   `json:"instructions"`
			InputAudioFormat        string   `json:"input_audio_format"`
			OutputAudioFormat       string   `json:"output_audio_format"`
			InputAudioTranscription *struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}
	type seen struct {
		auth, beta, model string
		msg               update
	}
	got := make(chan seen, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var s seen
		s.auth = r.Header.Get("Authorization")
		s.beta = r.Header.Get("OpenAI-Beta")
		s.model = r.URL.Query().Get("model")
		readJSON(t, conn, &s.msg)
		got <- s
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)), openai.WithModel("rt-model"))
	ch, err := p.Connect(context.Background(), live.SessionConfig{Voice: "verse", Instructions: "Coach watercolour."})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	select {
	case s := <-got:
		if s.auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", s.auth)
		}
		if s.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q", s.beta)
		}
		if s.model != "rt-model" {
			t.Errorf("model = %q", s.model)
		}
		m := s.msg
		if m.Type != "session.update" {
			t.Errorf("type = %q", m.Type)
		}
		if m.Session.Voice != "verse" || m.Session.Instructions != "Coach watercolour." {
			t.Errorf("session = %+v", m.Session)
		}
		if m.Session.InputAudioFormat != "pcm16" || m.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("audio formats = %q/%q", m.Session.InputAudioFormat, m.Session.OutputAudioFormat)
		}
		if m.Session.InputAudioTranscription == nil || m.Session.InputAudioTranscription.Model == "" {
			t.Error("input transcription not requested")
		}
		if len(m.Session.Modalities) != 2 {
			t.Errorf("modalities = %v, want audio+text", m.Session.Modalities)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := openai.New("bad", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if !errors.Is(err, live.ErrChannelOpenFailed) {
		t.Fatalf("got %v, want ErrChannelOpenFailed", err)
	}
}

func TestConnect_CancelledDialKeepsCause(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(*websocket.Conn, *http.Request) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(ctx, live.SessionConfig{})
	if !errors.Is(err, live.ErrChannelOpenFailed) || !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want ErrChannelOpenFailed wrapping context.Canceled", err)
	}
}

func TestEvents_Mapping(t *testing.T) {
	t.Parallel()

	audioB64 := base64.StdEncoding.EncodeToString([]byte{9, 0, 8, 0})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": audioB64})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Lovely "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "colours."})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "what do you think",
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := connect(t, srv)

	if ev := nextEvent(t, ch); ev.Kind != live.EventOpen {
		t.Fatalf("first event = %v, want open", ev.Kind)
	}
	if ev := nextEvent(t, ch); ev.Message == nil || !ev.Message.Interrupted {
		t.Fatalf("want interrupted, got %+v", ev)
	}
	if ev := nextEvent(t, ch); ev.Message == nil || ev.Message.Audio != audioB64 {
		t.Fatalf("want audio passthrough, got %+v", ev)
	}
	if ev := nextEvent(t, ch); ev.Message == nil || ev.Message.OutputTranscript != "Lovely colours." {
		t.Fatalf("want accumulated output transcript, got %+v", ev.Message)
	}
	if ev := nextEvent(t, ch); ev.Message == nil || ev.Message.InputTranscript != "what do you think" {
		t.Fatalf("want input transcript, got %+v", ev.Message)
	}
	if ev := nextEvent(t, ch); ev.Message == nil || !ev.Message.TurnComplete {
		t.Fatalf("want turn complete, got %+v", ev.Message)
	}
}

func TestEvents_ErrorIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		before   bool
		errType  string
		wantText string
	}{
		{name: "server error after open", errType: "server_error", wantText: "overloaded"},
		{name: "rejected session update", before: true, errType: "invalid_request_error", wantText: "bad voice"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
				if tc.before {
					var raw map[string]any
					readJSON(t, conn, &raw)
				} else {
					acceptSession(t, conn)
				}
				writeJSON(t, conn, map[string]any{
					"type":  "error",
					"error": map[string]any{"type": tc.errType, "message": tc.wantText},
				})
				<-conn.CloseRead(context.Background()).Done()
			})

			ch := connect(t, srv)
			if !tc.before {
				nextEvent(t, ch) // open
			}

			ev := nextEvent(t, ch)
			if ev.Kind != live.EventError || !errors.Is(ev.Err, live.ErrChannelError) {
				t.Fatalf("got %v / %v", ev.Kind, ev.Err)
			}
			if !strings.Contains(ev.Err.Error(), tc.wantText) {
				t.Errorf("error text lost: %v", ev.Err)
			}
		})
	}
}

func TestEvents_RejectedClientEventKeepsSession(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "invalid_value",
				"message": "Invalid content type 'input_image'",
			},
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := connect(t, srv)
	nextEvent(t, ch) // open

	ev := nextEvent(t, ch)
	if ev.Kind != live.EventMessage || ev.Message == nil || !ev.Message.TurnComplete {
		t.Fatalf("want the session to continue with turn complete, got %v / %+v", ev.Kind, ev.Message)
	}
}

func TestCapabilities_ImageInputByModel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model     string
		audioOnly bool
	}{
		{"gpt-4o-realtime-preview", true},
		{"gpt-4o-mini-realtime-preview", true},
		{"gpt-realtime", false},
		{"gpt-realtime-2025-08-28", false},
	}
	for _, tc := range tests {
		caps := openai.New("k", openai.WithModel(tc.model)).Capabilities()
		if caps.AudioOnly != tc.audioOnly {
			t.Errorf("%s: AudioOnly = %v, want %v", tc.model, caps.AudioOnly, tc.audioOnly)
		}
		if caps.InputAudioRate != 24000 || !caps.HasVoice("alloy") || caps.HasVoice("Puck") {
			t.Errorf("%s: unexpected capabilities %+v", tc.model, caps)
		}
	}
}

func TestEvents_RemoteClose(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
	})

	ch := connect(t, srv)
	nextEvent(t, ch) // open

	if ev := nextEvent(t, ch); ev.Kind != live.EventClose {
		t.Fatalf("got %v, want close", ev.Kind)
	}
}

func TestSend_AudioUpsampledAndImageItem(t *testing.T) {
	t.Parallel()

	type outbound struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
		Item  struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type     string `json:"type"`
				ImageURL string `json:"image_url"`
			} `json:"content"`
		} `json:"item"`
	}
	got := make(chan outbound, 2)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		for range 2 {
			var o outbound
			readJSON(t, conn, &o)
			got <- o
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := connect(t, srv)
	nextEvent(t, ch) // open

	// 160 samples at 16 kHz = 10 ms → 240 samples at 24 kHz, less the one
	// the upsampler holds back until the next block.
	pcm := make([]byte, 320)
	if err := ch.Send(context.Background(), live.Media{Data: pcm, MIMEType: live.MIMEAudioPCM16k}); err != nil {
		t.Fatalf("Send audio: %v", err)
	}
	jpg := []byte{0xff, 0xd8, 0xff, 0xe0}
	if err := ch.Send(context.Background(), live.Media{Data: jpg, MIMEType: live.MIMEJPEG}); err != nil {
		t.Fatalf("Send image: %v", err)
	}

	a := <-got
	if a.Type != "input_audio_buffer.append" {
		t.Fatalf("type = %q", a.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(a.Audio)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if len(raw) != 478 {
		t.Errorf("upsampled audio = %d bytes, want 478", len(raw))
	}

	img := <-got
	if img.Type != "conversation.item.create" || img.Item.Role != "user" || len(img.Item.Content) != 1 {
		t.Fatalf("image message = %+v", img)
	}
	want := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpg)
	if c := img.Item.Content[0]; c.Type != "input_image" || c.ImageURL != want {
		t.Errorf("content = %+v", c)
	}
}

func TestSend_UnsupportedAndClosed(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := connect(t, srv)
	nextEvent(t, ch) // open

	if err := ch.Send(context.Background(), live.Media{Data: []byte("x"), MIMEType: "video/mp4"}); err == nil {
		t.Error("Send with unsupported MIME type should fail")
	}
	_ = ch.Close()
	_ = ch.Close()
	if err := ch.Send(context.Background(), live.Media{Data: []byte{0, 0}, MIMEType: live.MIMEAudioPCM16k}); err == nil {
		t.Error("Send after Close should fail")
	}
}
