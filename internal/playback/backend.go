package playback

import (
	"context"
	"errors"
)

// ClockKind identifies the native time unit of a backend
type ClockKind int

const (
	ClockBeats        ClockKind = iota // Musical beats, tempo dependent
	ClockMilliseconds                  // Device milliseconds
)

// String returns a human-readable representation of the ClockKind
func (k ClockKind) String() string {
	switch k {
	case ClockBeats:
		return "beats"
	case ClockMilliseconds:
		return "milliseconds"
	default:
		return "unknown"
	}
}

// ErrUnsupported is returned by a backend for a capability it cannot provide.
// The controller treats it as a successful no-op.
var ErrUnsupported = errors.New("playback: operation not supported by backend")

// Backend defines the capabilities the controller needs from a native media engine.
// All positions and lengths are in the backend's native unit (see Clock).
type Backend interface {
	// Name identifies the backend in logs and history
	Name() string

	// Clock returns the native time unit
	Clock() ClockKind

	// Open prepares the engine; called once by initialize
	Open(ctx context.Context) error

	// Load prepares the media at path. Implementations with callback-based
	// preparation block until the callback resolves or ctx is done.
	Load(ctx context.Context, path string) error

	// Start begins or resumes output from the current position
	Start(ctx context.Context) error

	// Stop halts output and keeps the current position
	Stop(ctx context.Context) error

	// SetPosition moves the playhead
	SetPosition(ctx context.Context, native float64) error

	// Position returns the current playhead
	Position(ctx context.Context) (float64, error)

	// SetRate scales playback speed (1.0 is normal)
	SetRate(ctx context.Context, rate float64) error

	// SetVolume sets output level in [0,1]
	SetVolume(ctx context.Context, level float64) error

	// TrackLengths returns the length of every track or channel of the loaded media
	TrackLengths(ctx context.Context) ([]float64, error)

	// Release frees the loaded media, keeping the engine open
	Release(ctx context.Context) error

	// Close releases the engine itself
	Close(ctx context.Context) error
}

// BeatConverter is implemented by beat-clock backends that know the tempo map
// of the loaded media.
type BeatConverter interface {
	SecondsForBeats(beats float64) (float64, error)
	BeatsForSeconds(seconds float64) (float64, error)
}
