// Package output provides [playback.Device] implementations: a speaker
// device backed by oto and a virtual device for headless hosts.
package output

import "github.com/MrWong99/easel/pkg/audio/playback"

// Device is a playback device owned by the process. It outlives sessions:
// each session schedules onto it through its own [playback.Scheduler].
type Device interface {
	playback.Device

	// Close releases the device. Play fails afterwards.
	Close() error

	// Err reports whether the device is usable. Readiness checks call it.
	Err() error
}
