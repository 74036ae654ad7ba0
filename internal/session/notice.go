package session

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/easel/pkg/capture"
	"github.com/MrWong99/easel/pkg/provider/live"
)

// DefaultNoticeCapacity is the number of notices a [NoticeLog] keeps.
const DefaultNoticeCapacity = 15

// NoticeKind classifies a notice for clients that want to react to it.
type NoticeKind string

const (
	NoticePermissionDenied  NoticeKind = "permission_denied"
	NoticeDeviceUnavailable NoticeKind = "device_unavailable"
	NoticeChannelOpenFailed NoticeKind = "channel_open_failed"
	NoticeChannelError      NoticeKind = "channel_error"
	NoticeChannelClosed     NoticeKind = "channel_closed"
	NoticeError             NoticeKind = "error"
)

// Notice is a human-readable message about a session that ended or failed to
// start.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	Message   string     `json:"message"`
	SessionID string     `json:"session_id,omitempty"`
	Time      time.Time  `json:"time"`
	Err       string     `json:"error,omitempty"`
}

// Notifier receives every notice as it is raised.
type Notifier func(Notice)

// noticeFor maps a teardown cause onto a user-facing notice.
func noticeFor(err error) Notice {
	n := Notice{Time: time.Now(), Err: err.Error()}
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		n.Kind = NoticePermissionDenied
		n.Message = "Access to the microphone or camera was denied. Allow access and start the session again."
	case errors.Is(err, capture.ErrDeviceUnavailable):
		n.Kind = NoticeDeviceUnavailable
		n.Message = "No usable microphone or camera could be opened."
	case errors.Is(err, live.ErrChannelOpenFailed):
		n.Kind = NoticeChannelOpenFailed
		n.Message = "Could not connect to the coaching service."
	case errors.Is(err, live.ErrChannelError):
		n.Kind = NoticeChannelError
		n.Message = "The coaching service reported an error and the session ended."
	case errors.Is(err, live.ErrChannelClosed):
		n.Kind = NoticeChannelClosed
		n.Message = "The coaching service ended the session."
	default:
		n.Kind = NoticeError
		n.Message = "The session ended unexpectedly."
	}
	return n
}

// NoticeLog keeps the most recent notices, oldest first.
type NoticeLog struct {
	mu      sync.Mutex
	cap     int
	notices []Notice
}

// NewNoticeLog returns a log holding up to capacity notices. A non-positive
// capacity selects [DefaultNoticeCapacity].
func NewNoticeLog(capacity int) *NoticeLog {
	if capacity <= 0 {
		capacity = DefaultNoticeCapacity
	}
	return &NoticeLog{cap: capacity}
}

// Add appends n, evicting the oldest notice when full.
func (l *NoticeLog) Add(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.notices) == l.cap {
		l.notices = slices.Delete(l.notices, 0, 1)
	}
	l.notices = append(l.notices, n)
}

// Recent returns a copy of the retained notices.
func (l *NoticeLog) Recent() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Notice, len(l.notices))
	copy(out, l.notices)
	return out
}
