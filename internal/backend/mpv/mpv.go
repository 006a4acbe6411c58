// Package mpv is a millisecond-clock backend that drives an mpv process over
// its JSON IPC socket.
package mpv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/playmidi/internal/playback"
)

// Defaults for process start-up and loading
const (
	DefaultBinary      = "mpv"
	DefaultLoadTimeout = 10 * time.Second
	connectAttempts    = 50
	connectRetryDelay  = 100 * time.Millisecond
)

// Option configures a Player
type Option func(*Player)

// WithBinary sets the mpv executable
func WithBinary(path string) Option {
	return func(p *Player) {
		if path != "" {
			p.binary = path
		}
	}
}

// WithSocket sets the IPC socket path
func WithSocket(path string) Option {
	return func(p *Player) {
		if path != "" {
			p.socket = path
		}
	}
}

// WithExternal attaches to an mpv already listening on the socket instead of
// starting one
func WithExternal() Option {
	return func(p *Player) {
		p.launch = false
	}
}

// WithLoadTimeout bounds how long Load waits for mpv to open a file
func WithLoadTimeout(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.loadTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Player) {
		p.logger = logger.With().Str("component", "mpv").Logger()
	}
}

// Player implements playback.Backend with an mpv process
type Player struct {
	binary      string
	socket      string
	launch      bool
	loadTimeout time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	client *ipcClient
	loaded bool
}

var _ playback.Backend = (*Player)(nil)

// New creates a Player
func New(opts ...Option) *Player {
	p := &Player{
		binary:      DefaultBinary,
		socket:      DefaultSocketPath(),
		launch:      true,
		loadTimeout: DefaultLoadTimeout,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultSocketPath returns a per-user socket location
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "playmidi-mpv.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("playmidi-mpv-%d.sock", os.Getuid()))
}

func (p *Player) Name() string { return "mpv" }

func (p *Player) Clock() playback.ClockKind { return playback.ClockMilliseconds }

// Open starts mpv (unless external) and connects to its socket
func (p *Player) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return nil
	}

	if p.launch {
		_ = os.Remove(p.socket)
		cmd := exec.Command(p.binary,
			"--idle=yes",
			"--no-video",
			"--no-terminal",
			"--keep-open=yes",
			"--pause",
			"--input-ipc-server="+p.socket,
		)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start mpv: %w", err)
		}
		p.cmd = cmd
		p.logger.Info().Int("pid", cmd.Process.Pid).Str("socket", p.socket).Msg("Started mpv")
	}

	client := newIPCClient(p.socket, p.logger)
	if err := client.waitForConnection(ctx, connectAttempts, connectRetryDelay); err != nil {
		p.killLocked()
		return err
	}
	p.client = client
	return nil
}

// Load asks mpv to open path and waits for it to report the outcome.
// mpv loads asynchronously: file-loaded resolves the call, an end-file event
// with reason "error" rejects it.
func (p *Player) Load(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.clientLocked()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.loadTimeout)
	defer cancel()

	c.drainEvents()
	if err := c.set(ctx, "pause", true); err != nil {
		return err
	}
	if _, err := c.command(ctx, "loadfile", path, "replace"); err != nil {
		return fmt.Errorf("loadfile %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for mpv to load %s: %w", path, ctx.Err())
		case <-c.done:
			return ErrClosed
		case ev := <-c.events:
			switch ev.Event {
			case "file-loaded":
				p.loaded = true
				p.logger.Debug().Str("path", path).Msg("mpv loaded file")
				return nil
			case "end-file":
				if ev.Reason == "error" {
					reason := ev.FileError
					if reason == "" {
						reason = "unknown error"
					}
					return fmt.Errorf("mpv failed to load %s: %s", path, reason)
				}
			}
		}
	}
}

func (p *Player) Start(ctx context.Context) error {
	return p.setProperty(ctx, "pause", false)
}

func (p *Player) Stop(ctx context.Context) error {
	return p.setProperty(ctx, "pause", true)
}

// SetPosition seeks to an absolute position in milliseconds
func (p *Player) SetPosition(ctx context.Context, ms float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.loadedClientLocked()
	if err != nil {
		return err
	}
	if _, err := c.command(ctx, "seek", ms/1000, "absolute"); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	return nil
}

// Position returns time-pos in milliseconds
func (p *Player) Position(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.loadedClientLocked()
	if err != nil {
		return 0, err
	}
	seconds, err := c.getFloat(ctx, "time-pos")
	if err != nil {
		return 0, err
	}
	return seconds * 1000, nil
}

func (p *Player) SetRate(ctx context.Context, rate float64) error {
	return p.setProperty(ctx, "speed", rate)
}

// SetVolume maps [0,1] onto mpv's 0-100 volume
func (p *Player) SetVolume(ctx context.Context, level float64) error {
	return p.setProperty(ctx, "volume", level*100)
}

// TrackLengths returns the duration reported by mpv in milliseconds
func (p *Player) TrackLengths(ctx context.Context) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.loadedClientLocked()
	if err != nil {
		return nil, err
	}
	seconds, err := c.getFloat(ctx, "duration")
	if err != nil {
		return nil, err
	}
	return []float64{seconds * 1000}, nil
}

// Release stops playback of the current file
func (p *Player) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded || p.client == nil {
		return nil
	}
	p.loaded = false
	if _, err := p.client.command(ctx, "stop"); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// Close quits a launched mpv and drops the connection
func (p *Player) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	c := p.client
	p.client = nil
	p.loaded = false

	if p.cmd != nil {
		if _, err := c.command(ctx, "quit"); err != nil && !errors.Is(err, ErrClosed) {
			p.logger.Debug().Err(err).Msg("mpv quit failed")
		}
	}
	err := c.close()
	p.killLocked()
	return err
}

// setProperty sets a property on the loaded file
func (p *Player) setProperty(ctx context.Context, name string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.loadedClientLocked()
	if err != nil {
		return err
	}
	return c.set(ctx, name, value)
}

func (p *Player) clientLocked() (*ipcClient, error) {
	if p.client == nil {
		return nil, errors.New("mpv not started")
	}
	return p.client, nil
}

func (p *Player) loadedClientLocked() (*ipcClient, error) {
	c, err := p.clientLocked()
	if err != nil {
		return nil, err
	}
	if !p.loaded {
		return nil, errors.New("no file loaded in mpv")
	}
	return c, nil
}

// killLocked waits briefly for a launched mpv to exit, then kills it
func (p *Player) killLocked() {
	if p.cmd == nil {
		return
	}
	cmd := p.cmd
	p.cmd = nil

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		<-exited
	}
	p.logger.Debug().Msg("mpv exited")
}
