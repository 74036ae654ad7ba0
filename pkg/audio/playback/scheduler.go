// Package playback schedules streamed response audio for gapless output.
//
// A [Scheduler] places every enqueued chunk at max(cursor, now) on the output
// device's clock and advances the cursor by the chunk's duration, so chunks
// that arrive faster than real time play back to back and chunks that arrive
// late start immediately without overlapping. Every scheduled chunk is
// tracked by id until it finishes or is stopped; [Scheduler.InterruptAll]
// stops them all at once for barge-in.
//
// The output device is abstracted as a [Device] so that tests (and headless
// deployments) can supply their own clock.
package playback

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/easel/pkg/audio"
)

var (
	// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.Close].
	ErrClosed = errors.New("playback: scheduler closed")

	// ErrEmptyChunk is returned by [Scheduler.Enqueue] for chunks that hold
	// less than one sample frame.
	ErrEmptyChunk = errors.New("playback: empty chunk")
)

// Clock is the monotonic time reference of an output device. Now returns the
// elapsed time since the device was opened.
type Clock interface {
	Now() time.Duration
}

// Device is an audio output that can start a chunk at a given clock offset.
type Device interface {
	Clock

	// Play arranges for chunk to start playing at offset at on the device
	// clock. It must not block for the duration of playback.
	Play(chunk audio.Chunk, at time.Duration) (Voice, error)
}

// Voice is one chunk scheduled on a [Device].
type Voice interface {
	// Stop silences the voice immediately. It must be safe to call more than
	// once and after the voice finished on its own.
	Stop()

	// Done is closed once the voice finished playing or was stopped.
	Done() <-chan struct{}
}

// Scheduled describes where a chunk landed on the output timeline.
type Scheduled struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// End returns the offset at which the chunk stops playing.
func (s Scheduled) End() time.Duration { return s.Start + s.Duration }

// Scheduler tracks the playback cursor and the set of live voices for one
// session. All methods are safe for concurrent use.
type Scheduler struct {
	dev Device

	mu     sync.Mutex
	cursor time.Duration
	nextID uint64
	live   map[uint64]Voice
	closed bool
}

// New creates a Scheduler that plays through dev.
func New(dev Device) *Scheduler {
	return &Scheduler{
		dev:  dev,
		live: make(map[uint64]Voice),
	}
}

// Enqueue schedules chunk to start at max(cursor, now) and advances the
// cursor by the chunk's duration. Chunks play in enqueue order.
func (s *Scheduler) Enqueue(chunk audio.Chunk) (Scheduled, error) {
	d := chunk.Duration()
	if d <= 0 {
		return Scheduled{}, ErrEmptyChunk
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Scheduled{}, ErrClosed
	}

	start := max(s.cursor, s.dev.Now())
	v, err := s.dev.Play(chunk, start)
	if err != nil {
		return Scheduled{}, fmt.Errorf("playback: schedule at %v: %w", start, err)
	}

	id := s.nextID
	s.nextID++
	s.live[id] = v
	s.cursor = start + d

	go s.reap(id, v)

	return Scheduled{ID: id, Start: start, Duration: d}, nil
}

// reap removes a voice from the live set once it is done.
func (s *Scheduler) reap(id uint64, v Voice) {
	<-v.Done()
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

// InterruptAll stops every live voice, clears the live set and resets the
// cursor to the device's current time, so the next chunk starts now instead
// of queuing behind discarded audio. It returns the number of voices stopped.
func (s *Scheduler) InterruptAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptLocked()
}

func (s *Scheduler) interruptLocked() int {
	ids := slices.Sorted(maps.Keys(s.live))
	for _, id := range ids {
		s.live[id].Stop()
	}
	clear(s.live)
	s.cursor = s.dev.Now()
	return len(ids)
}

// Close interrupts all voices and rejects further enqueues. Idempotent.
func (s *Scheduler) Close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.closed = true
	return s.interruptLocked()
}

// Live returns the number of voices that are scheduled or playing.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Cursor returns the offset at which the next chunk would start if it
// arrived before then.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
