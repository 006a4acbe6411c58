package playback

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures listener and observer callbacks in delivery order
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) progress(s ProgressSnapshot) {
	r.add(fmt.Sprintf("progress:%d", s.CurrentPositionMs))
}

func (r *recorder) state(s State) {
	r.add("state:" + s.String())
}

func (r *recorder) TrackLoaded(t Track) { r.add("loaded:" + t.Source) }
func (r *recorder) StateChanged(from, to State) {
	r.add("changed:" + from.String() + "->" + to.String())
}
func (r *recorder) TrackCompleted(t Track) { r.add("completed:" + t.Source) }

func (r *recorder) progressEvents() []string {
	var out []string
	for _, ev := range r.Events() {
		if len(ev) > 9 && ev[:9] == "progress:" {
			out = append(out, ev)
		}
	}
	return out
}

type mapResolver map[string]string

func (m mapResolver) Resolve(asset string) (string, error) {
	if p, ok := m[asset]; ok {
		return p, nil
	}
	return "", fmt.Errorf("asset %q: %w", asset, fs.ErrNotExist)
}

func testFs(t *testing.T) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for _, name := range []string{"/music/a.mid", "/music/b.mid"} {
		require.NoError(t, afero.WriteFile(fsys, name, []byte("MThd"), 0o644))
	}
	require.NoError(t, fsys.MkdirAll("/music/dir", 0o755))
	return fsys
}

func newTestController(t *testing.T, b Backend, opts ...Option) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{WithFs(testFs(t)), WithSampleInterval(time.Hour)}, opts...)
	c := NewController(b, opts...)
	c.SetProgressListener(rec.progress)
	c.SetStateListener(rec.state)
	t.Cleanup(func() { _ = c.Dispose(context.Background()) })
	return c, rec
}

// loadedController returns an initialized controller with /music/a.mid loaded
func loadedController(t *testing.T, b Backend, opts ...Option) (*Controller, *recorder) {
	t.Helper()
	c, rec := newTestController(t, b, opts...)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	require.NoError(t, c.LoadFile(ctx, "/music/a.mid"))
	c.Flush()
	rec.reset()
	return c, rec
}

func TestControllerStartsUninitialized(t *testing.T) {
	c, _ := newTestController(t, newFakeBackend())
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, c.State())
	assert.Nil(t, c.Info(ctx))
	assert.Nil(t, c.Track())

	assert.ErrorIs(t, c.LoadFile(ctx, "/music/a.mid"), ErrNotInitialized)
	assert.ErrorIs(t, c.LoadAsset(ctx, "a.mid"), ErrNotInitialized)
}

func TestTransportWithoutTrackFails(t *testing.T) {
	ctx := context.Background()
	commands := map[string]func(c *Controller) error{
		"play":   func(c *Controller) error { return c.Play(ctx) },
		"pause":  func(c *Controller) error { return c.Pause(ctx) },
		"stop":   func(c *Controller) error { return c.Stop(ctx) },
		"seek":   func(c *Controller) error { return c.SeekTo(ctx, 1000) },
		"speed":  func(c *Controller) error { return c.SetSpeed(ctx, 1.5) },
		"volume": func(c *Controller) error { return c.SetVolume(ctx, 0.5) },
	}

	for name, cmd := range commands {
		t.Run(name, func(t *testing.T) {
			fb := newFakeBackend(10000)
			c, _ := newTestController(t, fb)

			// Before and after initialization
			assert.ErrorIs(t, cmd(c), ErrNoFileLoaded)
			require.NoError(t, c.Initialize(ctx))
			state := c.State()

			err := cmd(c)
			assert.ErrorIs(t, err, ErrNoFileLoaded)
			assert.Equal(t, state, c.State())
			assert.Equal(t, []string{"open"}, fb.Calls())
		})
	}
}

func TestInitialize(t *testing.T) {
	fb := newFakeBackend()
	fb.openErr = errBackend
	c, rec := newTestController(t, fb)
	ctx := context.Background()

	err := c.Initialize(ctx)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "INIT_ERROR", pe.Code())
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateUninitialized, c.State())

	fb.set(func(f *fakeBackend) { f.openErr = nil })
	require.NoError(t, c.Initialize(ctx))
	require.NoError(t, c.Initialize(ctx))
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, []string{"open", "open"}, fb.Calls())

	c.Flush()
	assert.Equal(t, []string{"state:stopped"}, rec.Events())
}

func TestLoadFile(t *testing.T) {
	fb := newFakeBackend(1000, 8000, 4000)
	c, rec := newTestController(t, fb)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	require.NoError(t, c.LoadFile(ctx, "/music/a.mid"))

	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, &Track{Source: "/music/a.mid", Path: "/music/a.mid", Duration: 8}, c.Track())
	assert.Equal(t, &ProgressSnapshot{CurrentPositionMs: 0, DurationMs: 8000, Progress: 0}, c.Info(ctx))

	c.Flush()
	assert.Equal(t, []string{"state:stopped", "state:stopped"}, rec.Events())
}

func TestLoadFileValidation(t *testing.T) {
	c, _ := loadedController(t, newFakeBackend(10000))
	ctx := context.Background()

	assert.ErrorIs(t, c.LoadFile(ctx, ""), ErrInvalidArgument)
	assert.ErrorIs(t, c.LoadFile(ctx, "   "), ErrInvalidArgument)
	assert.ErrorIs(t, c.LoadAsset(ctx, ""), ErrInvalidArgument)
	assert.ErrorIs(t, c.LoadFile(ctx, "/music/dir"), ErrLoadFailed)
}

func TestLoadMissingFileKeepsState(t *testing.T) {
	fb := newFakeBackend(10000)
	c, _ := loadedController(t, fb)
	ctx := context.Background()
	require.NoError(t, c.Play(ctx))

	err := c.LoadFile(ctx, "/music/missing.mid")

	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Equal(t, StatePlaying, c.State())
	require.NotNil(t, c.Track())
	assert.Equal(t, "/music/a.mid", c.Track().Source)
	assert.NotContains(t, fb.Calls(), "release")
}

func TestLoadResetsPosition(t *testing.T) {
	fb := newFakeBackend(10000)
	c, rec := loadedController(t, fb)
	ctx := context.Background()

	require.NoError(t, c.Play(ctx))
	require.NoError(t, c.SeekTo(ctx, 3000))
	require.NoError(t, c.LoadFile(ctx, "/music/b.mid"))

	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, &ProgressSnapshot{DurationMs: 10000}, c.Info(ctx))

	calls := fb.Calls()
	release := slices.Index(calls, "release")
	load := slices.Index(calls, "load /music/b.mid")
	require.NotEqual(t, -1, release)
	assert.Less(t, release, load)

	c.Flush()
	events := rec.Events()
	assert.Equal(t, "state:stopped", events[len(events)-1])
}

func TestLoadFailureReleasesPrevious(t *testing.T) {
	fb := newFakeBackend(10000)
	c, _ := loadedController(t, fb)
	ctx := context.Background()
	require.NoError(t, c.Play(ctx))

	fb.set(func(f *fakeBackend) { f.loadErr = errBackend })
	err := c.LoadFile(ctx, "/music/b.mid")

	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.ErrorIs(t, err, errBackend)
	assert.Nil(t, c.Track())
	assert.Nil(t, c.Info(ctx))
	assert.Equal(t, StateStopped, c.State())
	assert.ErrorIs(t, c.Play(ctx), ErrNoFileLoaded)
}

func TestLoadAsset(t *testing.T) {
	ctx := context.Background()

	t.Run("resolved", func(t *testing.T) {
		fb := newFakeBackend(5000)
		c, _ := newTestController(t, fb, WithAssetResolver(mapResolver{"assets/a.mid": "/music/a.mid"}))
		require.NoError(t, c.Initialize(ctx))

		require.NoError(t, c.LoadAsset(ctx, "assets/a.mid"))
		assert.Equal(t, &Track{Source: "assets/a.mid", Path: "/music/a.mid", Duration: 5}, c.Track())
		assert.Contains(t, fb.Calls(), "load /music/a.mid")
	})

	t.Run("missing", func(t *testing.T) {
		c, _ := newTestController(t, newFakeBackend(), WithAssetResolver(mapResolver{}))
		require.NoError(t, c.Initialize(ctx))
		assert.ErrorIs(t, c.LoadAsset(ctx, "assets/none.mid"), ErrFileNotFound)
		assert.Equal(t, StateStopped, c.State())
	})

	t.Run("no resolver", func(t *testing.T) {
		c, _ := newTestController(t, newFakeBackend())
		require.NoError(t, c.Initialize(ctx))
		assert.ErrorIs(t, c.LoadAsset(ctx, "assets/a.mid"), ErrFileNotFound)
	})

	t.Run("resolver failure", func(t *testing.T) {
		c, _ := newTestController(t, newFakeBackend(), WithAssetResolver(failingResolver{}))
		require.NoError(t, c.Initialize(ctx))
		assert.ErrorIs(t, c.LoadAsset(ctx, "assets/a.mid"), ErrLoadFailed)
	})
}

type failingResolver struct{}

func (failingResolver) Resolve(string) (string, error) {
	return "", errors.New("permission denied")
}

func TestPlayPauseResume(t *testing.T) {
	fb := newFakeBackend(10000)
	c, rec := loadedController(t, fb)
	ctx := context.Background()

	require.NoError(t, c.Play(ctx))
	assert.Equal(t, StatePlaying, c.State())
	assert.True(t, c.reporter.Running())

	require.NoError(t, c.Play(ctx))
	assert.Equal(t, 1, countCalls(fb.Calls(), "start"))

	fb.set(func(f *fakeBackend) { f.position = 2500 })
	require.NoError(t, c.Pause(ctx))
	assert.Equal(t, StatePaused, c.State())
	assert.False(t, c.reporter.Running())
	assert.Equal(t, int64(2500), c.Info(ctx).CurrentPositionMs)

	require.NoError(t, c.Play(ctx))
	assert.Equal(t, StatePlaying, c.State())

	c.Flush()
	var states []string
	for _, ev := range rec.Events() {
		if ev[:6] == "state:" {
			states = append(states, ev)
		}
	}
	assert.Equal(t, []string{"state:playing", "state:paused", "state:playing"}, states)
}

func TestPauseAndStopAreIdempotent(t *testing.T) {
	fb := newFakeBackend(10000)
	c, rec := loadedController(t, fb)
	ctx := context.Background()

	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Pause(ctx))
	assert.Equal(t, StateStopped, c.State())

	require.NoError(t, c.Play(ctx))
	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Pause(ctx))
	assert.Equal(t, StatePaused, c.State())

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, int64(0), c.Info(ctx).CurrentPositionMs)

	c.Flush()
	assert.Equal(t, []string{"state:playing", "state:paused", "state:stopped"}, withoutProgress(rec.Events()))
}

func TestSeekWhileStopped(t *testing.T) {
	backends := map[string]Backend{
		"milliseconds":  newFakeBackend(10000),
		"beats":         newFakeBeatBackend(0.4, 25),
		"beat fallback": newFakeBeatBackend(0, 20),
	}

	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			c, rec := loadedController(t, b)
			ctx := context.Background()

			require.NoError(t, c.SeekTo(ctx, 5000))

			assert.Equal(t, StateStopped, c.State())
			info := c.Info(ctx)
			require.NotNil(t, info)
			assert.Equal(t, int64(5000), info.CurrentPositionMs)
			assert.Equal(t, int64(10000), info.DurationMs)
			assert.InDelta(t, 0.5, info.Progress, 1e-9)

			c.Flush()
			assert.Empty(t, rec.Events())
		})
	}
}

func TestSeekWhilePlayingEmitsProgress(t *testing.T) {
	c, rec := loadedController(t, newFakeBackend(10000))
	ctx := context.Background()

	require.NoError(t, c.Play(ctx))
	require.NoError(t, c.SeekTo(ctx, 4000))
	assert.Equal(t, StatePlaying, c.State())

	c.Flush()
	assert.Contains(t, rec.Events(), "progress:4000")
}

func TestSeekValidation(t *testing.T) {
	fb := newFakeBackend(10000)
	c, _ := loadedController(t, fb)

	assert.ErrorIs(t, c.SeekTo(context.Background(), -1), ErrInvalidArgument)
	assert.NotContains(t, fb.Calls(), "setPosition")
}

func TestTransportFailureMovesToError(t *testing.T) {
	fb := newFakeBackend(10000)
	fb.startErr = errBackend
	c, rec := loadedController(t, fb)
	ctx := context.Background()

	err := c.Play(ctx)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "PLAY_ERROR", pe.Code())
	assert.Equal(t, StateError, c.State())

	fb.set(func(f *fakeBackend) { f.startErr = nil })
	require.NoError(t, c.Play(ctx))
	assert.Equal(t, StatePlaying, c.State())

	fb.set(func(f *fakeBackend) { f.setPosErr = errBackend })
	err = c.SeekTo(ctx, 1000)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "SEEK_ERROR", pe.Code())
	assert.Equal(t, StateError, c.State())
	assert.False(t, c.reporter.Running())

	c.Flush()
	assert.Equal(t, []string{"state:error", "state:playing", "state:error"}, withoutProgress(rec.Events()))
}

func TestSetSpeed(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid", func(t *testing.T) {
		fb := newFakeBackend(10000)
		c, _ := loadedController(t, fb)
		for _, speed := range []float64{0, -1} {
			assert.ErrorIs(t, c.SetSpeed(ctx, speed), ErrInvalidArgument)
		}
		assert.NotContains(t, fb.Calls(), "setRate")
	})

	t.Run("applied", func(t *testing.T) {
		fb := newFakeBackend(10000)
		c, _ := loadedController(t, fb)
		require.NoError(t, c.SetSpeed(ctx, 1.5))
		assert.Equal(t, 1.5, fb.rate)
		assert.Equal(t, StateStopped, c.State())
	})

	t.Run("unsupported", func(t *testing.T) {
		fb := newFakeBackend(10000)
		fb.rateErr = fmt.Errorf("no rate control: %w", ErrUnsupported)
		c, _ := loadedController(t, fb)
		require.NoError(t, c.SetSpeed(ctx, 2))
		assert.Equal(t, StateStopped, c.State())
	})

	t.Run("failure", func(t *testing.T) {
		fb := newFakeBackend(10000)
		fb.rateErr = errBackend
		c, _ := loadedController(t, fb)
		var pe *Error
		require.ErrorAs(t, c.SetSpeed(ctx, 2), &pe)
		assert.Equal(t, "SPEED_ERROR", pe.Code())
		assert.Equal(t, StateError, c.State())
	})
}

func TestSetVolume(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid", func(t *testing.T) {
		fb := newFakeBackend(10000)
		c, _ := loadedController(t, fb)
		for _, v := range []float64{-0.1, 1.01} {
			assert.ErrorIs(t, c.SetVolume(ctx, v), ErrInvalidArgument)
		}
		assert.NotContains(t, fb.Calls(), "setVolume")
	})

	t.Run("bounds accepted", func(t *testing.T) {
		fb := newFakeBackend(10000)
		c, _ := loadedController(t, fb)
		require.NoError(t, c.SetVolume(ctx, 0))
		require.NoError(t, c.SetVolume(ctx, 1))
		assert.Equal(t, 2, countCalls(fb.Calls(), "setVolume"))
	})

	t.Run("unsupported is silent", func(t *testing.T) {
		fb := newFakeBackend(10000)
		fb.volumeErr = ErrUnsupported
		c, _ := loadedController(t, fb)
		require.NoError(t, c.SetVolume(ctx, 0.3))
		assert.Equal(t, StateStopped, c.State())
	})
}

func TestPlaybackCompletes(t *testing.T) {
	fb := newFakeBackend(1000)
	fb.advance = 250
	obs := &recorder{}
	c, rec := loadedController(t, fb, WithSampleInterval(2*time.Millisecond), WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, c.Play(ctx))
	require.Eventually(t, func() bool { return c.State() == StateStopped }, 2*time.Second, time.Millisecond)
	c.Flush()

	events := rec.Events()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "state:playing", events[0])
	assert.Equal(t, "progress:1000", events[len(events)-2])
	assert.Equal(t, "state:stopped", events[len(events)-1])

	assert.Equal(t, &ProgressSnapshot{DurationMs: 1000}, c.Info(ctx))
	assert.False(t, c.reporter.Running())

	time.Sleep(20 * time.Millisecond)
	c.Flush()
	assert.Equal(t, events, rec.Events())
	assert.Contains(t, obs.Events(), "completed:/music/a.mid")
}

func TestNoProgressAfterStop(t *testing.T) {
	fb := newFakeBackend(1e9)
	fb.advance = 1
	c, rec := loadedController(t, fb, WithSampleInterval(time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, c.Play(ctx))
		time.Sleep(time.Duration(i%3) * time.Millisecond)
		require.NoError(t, c.Stop(ctx))
		c.Flush()

		events := rec.Events()
		require.NotEmpty(t, events)
		assert.Equal(t, "state:stopped", events[len(events)-1], "iteration %d", i)

		time.Sleep(3 * time.Millisecond)
		c.Flush()
		assert.Equal(t, events, rec.Events(), "event after stop in iteration %d", i)
		rec.reset()
	}
}

func TestSamplingErrorsAreSwallowed(t *testing.T) {
	fb := newFakeBackend(10000)
	fb.posErr = errBackend
	c, rec := loadedController(t, fb, WithSampleInterval(time.Millisecond))
	ctx := context.Background()

	require.NoError(t, c.Play(ctx))
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, StatePlaying, c.State())
	c.Flush()
	assert.Empty(t, rec.progressEvents())
}

func TestDispose(t *testing.T) {
	fb := newFakeBackend(10000)
	c, rec := loadedController(t, fb)
	ctx := context.Background()
	require.NoError(t, c.Play(ctx))

	require.NoError(t, c.Dispose(ctx))

	assert.Equal(t, StateUninitialized, c.State())
	assert.Nil(t, c.Info(ctx))
	assert.False(t, c.reporter.Running())
	assert.ErrorIs(t, c.Play(ctx), ErrNoFileLoaded)
	assert.ErrorIs(t, c.LoadFile(ctx, "/music/a.mid"), ErrNotInitialized)
	assert.Contains(t, fb.Calls(), "release")
	assert.Contains(t, fb.Calls(), "close")

	require.NoError(t, c.Dispose(ctx))
	assert.Equal(t, 1, countCalls(fb.Calls(), "close"))

	assert.Equal(t, "state:uninitialized", rec.Events()[len(rec.Events())-1])

	// A disposed controller can be initialized again
	require.NoError(t, c.Initialize(ctx))
	require.NoError(t, c.LoadFile(ctx, "/music/b.mid"))
}

func TestDisposeReportsBackendFailure(t *testing.T) {
	fb := newFakeBackend(10000)
	fb.closeErr = errBackend
	c, _ := loadedController(t, fb)
	ctx := context.Background()

	err := c.Dispose(ctx)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "DISPOSE_ERROR", pe.Code())
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateUninitialized, c.State())
}

func TestListenerReplacement(t *testing.T) {
	c, first := newTestController(t, newFakeBackend(10000))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	second := &recorder{}
	c.SetStateListener(second.state)
	require.NoError(t, c.LoadFile(ctx, "/music/a.mid"))

	c.SetStateListener(nil)
	require.NoError(t, c.Play(ctx))
	c.Flush()

	assert.Equal(t, []string{"state:stopped"}, withoutProgress(first.Events()))
	assert.Equal(t, []string{"state:stopped"}, second.Events())
}

func TestObserverSeesLifecycle(t *testing.T) {
	obs := &recorder{}
	c, _ := newTestController(t, newFakeBackend(10000), WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx))
	require.NoError(t, c.LoadFile(ctx, "/music/a.mid"))
	require.NoError(t, c.Play(ctx))
	require.NoError(t, c.Stop(ctx))
	c.Flush()

	assert.Equal(t, []string{
		"changed:uninitialized->stopped",
		"loaded:/music/a.mid",
		"changed:stopped->stopped",
		"changed:stopped->playing",
		"changed:playing->stopped",
	}, obs.Events())
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func withoutProgress(events []string) []string {
	var out []string
	for _, ev := range events {
		if len(ev) < 9 || ev[:9] != "progress:" {
			out = append(out, ev)
		}
	}
	return out
}
