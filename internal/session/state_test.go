package session_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/MrWong99/easel/internal/session"
)

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[session.State]string{
		session.Idle:       "idle",
		session.Connecting: "connecting",
		session.Active:     "active",
		session.Closing:    "closing",
		session.State(9):   "State(9)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}

func TestSnapshot_JSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(session.Snapshot{State: session.Active, SessionID: "abc", StartedAt: time.Unix(0, 0).UTC()})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["state"] != "active" {
		t.Errorf("state = %v, want active", got["state"])
	}
	if _, ok := got["lesson"]; ok {
		t.Error("empty lesson should be omitted")
	}

	b, _ = json.Marshal(session.Snapshot{})
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := got["started_at"]; ok {
		t.Error("zero started_at should be omitted")
	}
}

func TestNoticeLog_KeepsMostRecent(t *testing.T) {
	t.Parallel()
	l := session.NewNoticeLog(2)
	if got := l.Recent(); got == nil || len(got) != 0 {
		t.Errorf("empty log Recent = %#v, want empty non-nil slice", got)
	}
	for _, k := range []session.NoticeKind{session.NoticeChannelClosed, session.NoticeChannelError, session.NoticeError} {
		l.Add(session.Notice{Kind: k})
	}
	got := l.Recent()
	if len(got) != 2 || got[0].Kind != session.NoticeChannelError || got[1].Kind != session.NoticeError {
		t.Errorf("Recent = %+v", got)
	}
}
