package playback

import (
	"math"
	"sync"
)

// ProgressSnapshot is a point-in-time projection of position against duration
type ProgressSnapshot struct {
	CurrentPositionMs int64   `json:"currentPositionMs"`
	DurationMs        int64   `json:"durationMs"`
	Progress          float64 `json:"progress"`
}

// NewSnapshot builds a snapshot from a position and a duration in seconds.
// Progress is positionMs/durationMs clamped to [0,1], or 0 when the duration is
// unknown.
func NewSnapshot(positionSeconds, durationSeconds float64) ProgressSnapshot {
	s := ProgressSnapshot{
		CurrentPositionMs: secondsToMillis(positionSeconds),
		DurationMs:        secondsToMillis(durationSeconds),
	}
	if s.DurationMs > 0 {
		s.Progress = math.Min(1, math.Max(0, float64(s.CurrentPositionMs)/float64(s.DurationMs)))
	}
	return s
}

// secondsToMillis rounds rather than truncates so a position set from an
// integer millisecond value survives a beat round trip unchanged.
func secondsToMillis(seconds float64) int64 {
	if !isFinite(seconds) || seconds <= 0 {
		return 0
	}
	return int64(math.Round(seconds * 1000))
}

// ProgressListener receives snapshots while playing
type ProgressListener func(ProgressSnapshot)

// StateListener receives the new state on every transition
type StateListener func(State)

// emitter delivers events in the order they were posted on a single goroutine
// that exists only while the queue is non-empty. Posting never blocks.
type emitter struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	running bool
}

func newEmitter() *emitter {
	e := &emitter{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *emitter) post(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.queue = append(e.queue, fn)
	if !e.running {
		e.running = true
		go e.drain()
	}
}

func (e *emitter) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.cond.Broadcast()
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}

// flush blocks until every posted event has been delivered
func (e *emitter) flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.running {
		e.cond.Wait()
	}
}
