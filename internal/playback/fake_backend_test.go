package playback

import (
	"context"
	"errors"
	"sync"
)

var errBackend = errors.New("backend failure")

// fakeBackend is a scripted Backend. Positions are native units.
type fakeBackend struct {
	mu sync.Mutex

	clock   ClockKind
	lengths []float64
	// advance is added to the position on every Position call while running
	advance float64

	opened   bool
	loaded   string
	running  bool
	position float64
	rate     float64
	volume   float64
	calls    []string

	openErr    error
	loadErr    error
	startErr   error
	stopErr    error
	setPosErr  error
	posErr     error
	rateErr    error
	volumeErr  error
	lengthsErr error
	releaseErr error
	closeErr   error
}

func newFakeBackend(lengths ...float64) *fakeBackend {
	return &fakeBackend{clock: ClockMilliseconds, lengths: lengths, rate: 1, volume: 1}
}

func (f *fakeBackend) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) Name() string     { return "fake" }
func (f *fakeBackend) Clock() ClockKind { return f.clock }

func (f *fakeBackend) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open")
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeBackend) Load(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("load " + path)
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = path
	f.position = 0
	f.running = false
	return nil
}

func (f *fakeBackend) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start")
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	if f.stopErr != nil {
		return f.stopErr
	}
	f.running = false
	return nil
}

func (f *fakeBackend) SetPosition(ctx context.Context, native float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("setPosition")
	if f.setPosErr != nil {
		return f.setPosErr
	}
	f.position = native
	return nil
}

func (f *fakeBackend) Position(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return 0, f.posErr
	}
	p := f.position
	if f.running {
		f.position += f.advance
	}
	return p, nil
}

func (f *fakeBackend) SetRate(ctx context.Context, rate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("setRate")
	if f.rateErr != nil {
		return f.rateErr
	}
	f.rate = rate
	return nil
}

func (f *fakeBackend) SetVolume(ctx context.Context, level float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("setVolume")
	if f.volumeErr != nil {
		return f.volumeErr
	}
	f.volume = level
	return nil
}

func (f *fakeBackend) TrackLengths(ctx context.Context) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lengthsErr != nil {
		return nil, f.lengthsErr
	}
	return append([]float64(nil), f.lengths...), nil
}

func (f *fakeBackend) Release(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("release")
	f.loaded = ""
	f.running = false
	return f.releaseErr
}

func (f *fakeBackend) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	f.opened = false
	return f.closeErr
}

// fakeBeatBackend is a beat-clock fakeBackend with a constant tempo map.
// A zero secondsPerBeat makes every conversion fail.
type fakeBeatBackend struct {
	*fakeBackend
	secondsPerBeat float64
}

func newFakeBeatBackend(secondsPerBeat float64, lengths ...float64) *fakeBeatBackend {
	fb := newFakeBackend(lengths...)
	fb.clock = ClockBeats
	return &fakeBeatBackend{fakeBackend: fb, secondsPerBeat: secondsPerBeat}
}

func (f *fakeBeatBackend) SecondsForBeats(beats float64) (float64, error) {
	if f.secondsPerBeat == 0 {
		return 0, errors.New("no tempo map")
	}
	return beats * f.secondsPerBeat, nil
}

func (f *fakeBeatBackend) BeatsForSeconds(seconds float64) (float64, error) {
	if f.secondsPerBeat == 0 {
		return 0, errors.New("no tempo map")
	}
	return seconds / f.secondsPerBeat, nil
}
