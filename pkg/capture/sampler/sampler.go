// Package sampler pulls low-rate frame snapshots from a visual source.
//
// The sampler is lossy by construction: each tick takes whatever frame the
// source holds at that moment. Nothing is queued, so a slow source or a slow
// callback never produces a backlog; missed ticks are simply skipped.
package sampler

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the sampling period used when Start gets a
// non-positive interval.
const DefaultInterval = time.Second

// Source yields the current frame as JPEG, or nil when none is available.
type Source interface {
	Snapshot() ([]byte, error)
}

// Callback receives each sampled frame. frame is nil when the source had
// nothing to offer on that tick.
type Callback func(frame []byte)

// Sampler invokes a callback with a fresh snapshot on every tick.
type Sampler struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Start begins sampling src every interval and returns the running Sampler.
// The first sample is taken after one interval.
func Start(src Source, cb Callback, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sampler{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run(src, cb, interval)
	return s
}

func (s *Sampler) run(src Source, cb Callback, interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		frame, err := src.Snapshot()
		if err != nil {
			slog.Debug("frame snapshot failed", "err", err)
			frame = nil
		}

		// Skip the callback when Stop arrived during the snapshot.
		select {
		case <-s.stop:
			return
		default:
		}
		cb(frame)
	}
}

// Stop halts sampling and waits for an in-progress callback to return.
// It is safe to call multiple times and from multiple goroutines, but not
// from inside the callback.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
