package session

import (
	"fmt"
	"time"

	"github.com/MrWong99/easel/pkg/capture"
)

// State is the lifecycle state of the controller.
type State int

const (
	// Idle means no session exists and no devices are held.
	Idle State = iota

	// Connecting means devices are being acquired or the remote channel has
	// been dialled but has not reported open yet.
	Connecting

	// Active means the channel is open and media is flowing both ways.
	Active

	// Closing is the transient teardown state between any session and Idle.
	Closing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State       State        `json:"state"`
	SessionID   string       `json:"session_id,omitempty"`
	Lesson      string       `json:"lesson,omitempty"`
	Mode        capture.Mode `json:"mode,omitempty"`
	StartedAt   time.Time    `json:"started_at,omitzero"`
	LiveBuffers int          `json:"live_buffers"`
}

// StateFunc observes state transitions. It runs on the controller goroutine
// and must not call back into the controller's blocking methods.
type StateFunc func(from, to State)
