package playback

import (
	"math"

	"github.com/samber/lo"
)

// FallbackBPM is the tempo assumed when a beat-clock backend cannot convert
// between beats and seconds. At 120 BPM one beat lasts half a second.
const FallbackBPM = 120.0

const fallbackSecondsPerBeat = 60.0 / FallbackBPM

// Clock converts between a backend's native time unit and seconds
type Clock struct {
	kind      ClockKind
	converter BeatConverter
}

// NewClock creates a Clock for the given backend. Beat-clock backends that
// implement BeatConverter are consulted on every conversion so the tempo map of
// the currently loaded media is used.
func NewClock(b Backend) *Clock {
	c := &Clock{kind: b.Clock()}
	if conv, ok := b.(BeatConverter); ok {
		c.converter = conv
	}
	return c
}

// Kind returns the native unit this clock converts from
func (c *Clock) Kind() ClockKind {
	return c.kind
}

// ToSeconds converts a native time value to seconds
func (c *Clock) ToSeconds(native float64) float64 {
	if c.kind == ClockMilliseconds {
		return native / 1000
	}

	if c.converter != nil {
		if seconds, err := c.converter.SecondsForBeats(native); err == nil && isFinite(seconds) {
			return seconds
		}
	}
	return native * fallbackSecondsPerBeat
}

// ToNative converts seconds to the backend's native time unit
func (c *Clock) ToNative(seconds float64) float64 {
	if c.kind == ClockMilliseconds {
		return seconds * 1000
	}

	if c.converter != nil {
		if beats, err := c.converter.BeatsForSeconds(seconds); err == nil && isFinite(beats) {
			return beats
		}
	}
	return seconds / fallbackSecondsPerBeat
}

// Duration computes the playable duration in seconds from per-track lengths.
// Playback is bounded by the longest track, so the maximum is used. Returns 0
// when no length is known.
func (c *Clock) Duration(lengths []float64) float64 {
	finite := lo.Filter(lengths, func(l float64, _ int) bool {
		return isFinite(l) && l > 0
	})
	if len(finite) == 0 {
		return 0
	}

	seconds := c.ToSeconds(lo.Max(finite))
	if !isFinite(seconds) || seconds < 0 {
		return 0
	}
	return seconds
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
