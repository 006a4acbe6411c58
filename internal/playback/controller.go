package playback

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Track is the currently loaded media and its derived metadata
type Track struct {
	Source   string  // Identifier the caller loaded (file path or asset key)
	Path     string  // Resolved path handed to the backend
	Duration float64 // Playable duration in seconds
}

// AssetResolver maps an asset key to a file path. A key that cannot be found
// must produce an error wrapping fs.ErrNotExist.
type AssetResolver interface {
	Resolve(asset string) (string, error)
}

// Observer is notified of lifecycle events independently of the single
// progress/state listener slots. Calls are delivered in order, off the lock.
type Observer interface {
	TrackLoaded(t Track)
	StateChanged(from, to State)
	TrackCompleted(t Track)
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger.With().Str("component", "controller").Logger()
	}
}

// WithSampleInterval overrides the sampler period
func WithSampleInterval(d time.Duration) Option {
	return func(c *Controller) {
		c.interval = d
	}
}

// WithFs sets the filesystem used to check that loaded files exist
func WithFs(fsys afero.Fs) Option {
	return func(c *Controller) {
		c.fs = fsys
	}
}

// WithAssetResolver sets the resolver used by LoadAsset
func WithAssetResolver(r AssetResolver) Option {
	return func(c *Controller) {
		c.assets = r
	}
}

// WithObserver registers an observer
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, o)
	}
}

// Controller owns the playback state machine for one backend.
//
// Every command and every sampler tick runs under mu, so a command that leaves
// Playing can never be followed by a sample from the run it cancelled.
type Controller struct {
	backend  Backend
	clock    *Clock
	reporter *Reporter
	events   *emitter
	fs       afero.Fs
	assets   AssetResolver
	interval time.Duration
	logger   zerolog.Logger

	observers []Observer

	mu       sync.Mutex
	state    State
	track    *Track
	position float64 // seconds

	progressListener ProgressListener
	stateListener    StateListener
}

// NewController creates a controller in the Uninitialized state
func NewController(backend Backend, opts ...Option) *Controller {
	c := &Controller{
		backend:  backend,
		clock:    NewClock(backend),
		events:   newEmitter(),
		fs:       afero.NewOsFs(),
		interval: SampleInterval,
		logger:   zerolog.Nop(),
		state:    StateUninitialized,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reporter = NewReporter(c.interval, c.sample, c.logger)
	return c
}

// Backend returns the backend this controller drives
func (c *Controller) Backend() Backend {
	return c.backend
}

// Initialize opens the backend. Calling it again once initialized is a no-op.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUninitialized {
		return nil
	}

	if err := c.backend.Open(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Backend initialization failed")
		return transportError("init", err)
	}

	c.logger.Info().
		Str("backend", c.backend.Name()).
		Str("clock", c.clock.Kind().String()).
		Msg("Backend initialized")
	c.setState(StateStopped)
	return nil
}

// LoadFile loads media from a file path
func (c *Controller) LoadFile(ctx context.Context, filePath string) error {
	if strings.TrimSpace(filePath) == "" {
		return invalidArgument("loadFile", "file path must not be empty")
	}

	return c.load(ctx, "loadFile", filePath, func() (string, error) {
		info, err := c.fs.Stat(filePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", &Error{Kind: KindFileNotFound, Op: "loadFile", Message: "file does not exist: " + filePath}
			}
			return "", &Error{Kind: KindLoadError, Op: "loadFile", Message: "cannot access file: " + filePath, Err: err}
		}
		if info.IsDir() {
			return "", &Error{Kind: KindLoadError, Op: "loadFile", Message: "path is a directory: " + filePath}
		}
		return filePath, nil
	})
}

// LoadAsset loads media identified by an asset key
func (c *Controller) LoadAsset(ctx context.Context, assetPath string) error {
	if strings.TrimSpace(assetPath) == "" {
		return invalidArgument("loadAsset", "asset path must not be empty")
	}

	return c.load(ctx, "loadAsset", assetPath, func() (string, error) {
		if c.assets == nil {
			return "", &Error{Kind: KindFileNotFound, Op: "loadAsset", Message: "no asset directories configured: " + assetPath}
		}
		path, err := c.assets.Resolve(assetPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", &Error{Kind: KindFileNotFound, Op: "loadAsset", Message: "asset does not exist: " + assetPath}
			}
			return "", &Error{Kind: KindLoadError, Op: "loadAsset", Message: "cannot resolve asset: " + assetPath, Err: err}
		}
		return path, nil
	})
}

// load resolves the source, releases the previous track and loads the new one.
// Resolution failures leave the previous track and state untouched.
func (c *Controller) load(ctx context.Context, op, source string, resolve func() (string, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateUninitialized {
		return &Error{Kind: KindNotInitialized, Op: op, Message: "player not initialized"}
	}

	path, err := resolve()
	if err != nil {
		return err
	}

	c.releaseTrack(ctx)

	if err := c.backend.Load(ctx, path); err != nil {
		c.logger.Warn().Err(err).Str("source", source).Msg("Load failed")
		return &Error{Kind: KindLoadError, Op: op, Message: "failed to load " + source, Err: err}
	}

	duration := 0.0
	if lengths, err := c.backend.TrackLengths(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("Backend cannot report track length")
	} else {
		duration = c.clock.Duration(lengths)
	}

	c.track = &Track{Source: source, Path: path, Duration: duration}
	c.position = 0
	c.notify(func(o Observer, t Track) { o.TrackLoaded(t) })

	c.logger.Info().
		Str("source", source).
		Float64("duration", duration).
		Msg("Track loaded")
	c.setState(StateStopped)
	return nil
}

// releaseTrack frees the current track. Leaving Playing or Paused this way
// counts as a stop. Must be called with c.mu held.
func (c *Controller) releaseTrack(ctx context.Context) {
	if c.track == nil {
		return
	}

	c.reporter.Stop()
	if err := c.backend.Release(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("Error releasing previous track")
	}
	c.track = nil
	c.position = 0

	if c.state == StatePlaying || c.state == StatePaused {
		c.setState(StateStopped)
	}
}

// Play starts or resumes playback
func (c *Controller) Play(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.track == nil {
		return noFileLoaded("play")
	}
	if !c.state.canPlay() {
		return nil
	}

	if err := c.backend.Start(ctx); err != nil {
		return c.fail("play", err)
	}

	c.setState(StatePlaying)
	c.reporter.Start()
	return nil
}

// Pause halts playback and keeps the position. Pausing when not playing is a no-op.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.track == nil {
		return noFileLoaded("pause")
	}
	if c.state != StatePlaying {
		return nil
	}

	c.reporter.Stop()
	if err := c.backend.Stop(ctx); err != nil {
		return c.fail("pause", err)
	}
	if native, err := c.backend.Position(ctx); err == nil {
		c.position = math.Max(0, c.clock.ToSeconds(native))
	}

	c.setState(StatePaused)
	return nil
}

// Stop halts playback and rewinds to the start
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.track == nil {
		return noFileLoaded("stop")
	}

	c.reporter.Stop()
	if err := c.rewind(ctx); err != nil {
		return c.fail("stop", err)
	}

	if c.state != StateStopped {
		c.setState(StateStopped)
	}
	return nil
}

// rewind stops the backend and resets its position to zero.
// Must be called with c.mu held.
func (c *Controller) rewind(ctx context.Context) error {
	if err := c.backend.Stop(ctx); err != nil {
		return err
	}
	if err := c.backend.SetPosition(ctx, c.clock.ToNative(0)); err != nil {
		return fmt.Errorf("reset position: %w", err)
	}
	c.position = 0
	return nil
}

// SeekTo moves the playhead without changing the play/pause state
func (c *Controller) SeekTo(ctx context.Context, positionMs int64) error {
	if positionMs < 0 {
		return invalidArgument("seek", "position must not be negative, got %d", positionMs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.track == nil {
		return noFileLoaded("seek")
	}

	seconds := float64(positionMs) / 1000
	if err := c.backend.SetPosition(ctx, c.clock.ToNative(seconds)); err != nil {
		return c.fail("seek", err)
	}
	c.position = seconds

	if c.state == StatePlaying {
		c.emitProgress(NewSnapshot(c.position, c.track.Duration))
	}
	return nil
}

// SetSpeed scales the playback rate. Backends without rate control accept it as a no-op.
func (c *Controller) SetSpeed(ctx context.Context, speed float64) error {
	if !isFinite(speed) || speed <= 0 {
		return invalidArgument("speed", "speed must be a positive number, got %v", speed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.track == nil {
		return noFileLoaded("speed")
	}

	if err := c.backend.SetRate(ctx, speed); err != nil {
		if errors.Is(err, ErrUnsupported) {
			c.logger.Debug().Float64("speed", speed).Msg("Backend ignores speed changes")
			return nil
		}
		return c.fail("speed", err)
	}
	return nil
}

// SetVolume sets the output level in [0,1]. Backends without volume control
// accept it as a no-op, which callers cannot tell apart from success.
func (c *Controller) SetVolume(ctx context.Context, volume float64) error {
	if !isFinite(volume) || volume < 0 || volume > 1 {
		return invalidArgument("volume", "volume must be between 0 and 1, got %v", volume)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.track == nil {
		return noFileLoaded("volume")
	}

	if err := c.backend.SetVolume(ctx, volume); err != nil {
		if errors.Is(err, ErrUnsupported) {
			c.logger.Debug().Float64("volume", volume).Msg("Backend ignores volume changes")
			return nil
		}
		return c.fail("volume", err)
	}
	return nil
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Track returns a copy of the loaded track, or nil
func (c *Controller) Track() *Track {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.track == nil {
		return nil
	}
	t := *c.track
	return &t
}

// Info returns the current snapshot, or nil when no track is loaded.
// The position is read from the backend, falling back to the last known one.
func (c *Controller) Info(ctx context.Context) *ProgressSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.track == nil {
		return nil
	}

	if native, err := c.backend.Position(ctx); err == nil {
		if seconds := c.clock.ToSeconds(native); isFinite(seconds) {
			c.position = math.Max(0, seconds)
		}
	}

	snap := NewSnapshot(c.position, c.track.Duration)
	return &snap
}

// Dispose releases the backend and returns to Uninitialized.
// Teardown always completes; backend failures are reported afterwards.
func (c *Controller) Dispose(ctx context.Context) error {
	err := c.dispose(ctx)
	c.reporter.Wait()
	c.events.flush()
	return err
}

func (c *Controller) dispose(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reporter.Stop()

	var errs []error
	if c.track != nil {
		if err := c.backend.Release(ctx); err != nil {
			errs = append(errs, err)
		}
		c.track = nil
	}
	c.position = 0

	if c.state == StateUninitialized {
		return errors.Join(errs...)
	}

	if err := c.backend.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	c.setState(StateUninitialized)
	c.logger.Info().Msg("Player disposed")

	if err := errors.Join(errs...); err != nil {
		return &Error{Kind: KindDisposeError, Op: "dispose", Message: "failed to release resources", Err: err}
	}
	return nil
}

// SetProgressListener replaces the progress listener; nil clears it
func (c *Controller) SetProgressListener(l ProgressListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progressListener = l
}

// SetStateListener replaces the state listener; nil clears it
func (c *Controller) SetStateListener(l StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListener = l
}

// Flush blocks until every event emitted so far has been delivered
func (c *Controller) Flush() {
	c.events.flush()
}

// fail moves to Error after a backend failure in a transport command.
// Must be called with c.mu held.
func (c *Controller) fail(op string, err error) error {
	c.reporter.Stop()
	c.logger.Warn().Err(err).Str("op", op).Msg("Backend operation failed")
	if c.state != StateError {
		c.setState(StateError)
	}
	return transportError(op, err)
}

// sample is one sampler tick
func (c *Controller) sample(ctx context.Context, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.reporter.Active(gen) || c.state != StatePlaying || c.track == nil {
		return
	}

	native, err := c.backend.Position(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Error sampling position")
		return
	}
	seconds := c.clock.ToSeconds(native)
	if !isFinite(seconds) {
		c.logger.Debug().Float64("native", native).Msg("Ignoring non-finite position")
		return
	}
	c.position = math.Max(0, seconds)

	duration := c.track.Duration
	snap := NewSnapshot(c.position, duration)
	c.emitProgress(snap)

	if c.position >= duration && duration > 0 && snap.Progress >= CompletionThreshold {
		c.complete(context.WithoutCancel(ctx))
	}
}

// complete handles end of playback. The backend is stopped and rewound
// explicitly because it may keep running past the last audible sample.
// Must be called with c.mu held.
func (c *Controller) complete(ctx context.Context) {
	c.reporter.Stop()
	if err := c.rewind(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("Error resetting backend after completion")
		c.position = 0
	}

	c.logger.Info().Str("source", c.track.Source).Msg("Playback completed")
	c.notify(func(o Observer, t Track) { o.TrackCompleted(t) })
	c.setState(StateStopped)
}

// setState records a transition and emits it. Must be called with c.mu held.
func (c *Controller) setState(s State) {
	prev := c.state
	c.state = s

	c.logger.Debug().
		Str("from", prev.String()).
		Str("to", s.String()).
		Msg("State transition")

	if l := c.stateListener; l != nil {
		c.events.post(func() { l(s) })
	}
	for _, o := range c.observers {
		c.events.post(func() { o.StateChanged(prev, s) })
	}
}

// notify posts a track event to every observer. Must be called with c.mu held
// and a track loaded.
func (c *Controller) notify(fn func(Observer, Track)) {
	if c.track == nil {
		return
	}
	t := *c.track
	for _, o := range c.observers {
		c.events.post(func() { fn(o, t) })
	}
}

// emitProgress posts a snapshot to the current listener, if any.
// Must be called with c.mu held.
func (c *Controller) emitProgress(snap ProgressSnapshot) {
	if l := c.progressListener; l != nil {
		c.events.post(func() { l(snap) })
	}
}
