package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/jfmyers9/playmidi/internal/history"
	"github.com/jfmyers9/playmidi/internal/playback"
	"github.com/jfmyers9/playmidi/internal/rpc"
)

// Config holds daemon configuration
type Config struct {
	Socket          string        // Unix socket to serve on
	HistoryDB       string        // Path to the history database (empty disables history)
	HistoryMaxAge   time.Duration // Loads older than this are removed on shutdown
	CleanupInterval time.Duration // How often history is trimmed while running
	SampleInterval  time.Duration // Progress sampling period
	ShutdownTimeout time.Duration // Bound on disposing the backend at shutdown
}

// DefaultConfig returns the daemon defaults for socket
func DefaultConfig(socket, historyDB string) Config {
	return Config{
		Socket:          socket,
		HistoryDB:       historyDB,
		HistoryMaxAge:   30 * 24 * time.Hour,
		CleanupInterval: 6 * time.Hour,
		SampleInterval:  playback.SampleInterval,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Daemon owns one playback controller and serves it over a unix socket
type Daemon struct {
	config   Config
	backend  playback.Backend
	ctrl     *playback.Controller
	server   *rpc.Server
	store    *history.Store
	recorder *history.Recorder
	logger   zerolog.Logger
}

// New creates a new Daemon instance
func New(cfg Config, backend playback.Backend, resolver playback.AssetResolver, fsys afero.Fs, logger zerolog.Logger) (*Daemon, error) {
	d := &Daemon{
		config:  cfg,
		backend: backend,
		logger:  logger.With().Str("component", "daemon").Logger(),
	}

	opts := []playback.Option{
		playback.WithLogger(logger),
		playback.WithSampleInterval(cfg.SampleInterval),
		playback.WithFs(fsys),
	}
	if resolver != nil {
		opts = append(opts, playback.WithAssetResolver(resolver))
	}

	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		d.store = store
		d.recorder = history.NewRecorder(store, backend.Name(), logger)
		opts = append(opts, playback.WithObserver(d.recorder))
	}

	d.ctrl = playback.NewController(backend, opts...)
	d.server = rpc.NewServer(d.ctrl, logger)
	return d, nil
}

// Controller returns the controller the daemon serves
func (d *Daemon) Controller() *playback.Controller {
	return d.ctrl
}

// Run serves until a shutdown signal is received
func (d *Daemon) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Handle first signal gracefully, second signal forces exit
	go func() {
		if _, ok := <-sigChan; !ok {
			return
		}
		d.logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Second signal forces exit
		<-sigChan
		d.logger.Warn().Msg("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()

	if err := d.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// run serves the socket and trims history until ctx is cancelled
func (d *Daemon) run(ctx context.Context) error {
	ln, err := d.listen()
	if err != nil {
		return err
	}
	defer os.Remove(d.config.Socket)

	d.logger.Info().
		Str("socket", d.config.Socket).
		Str("backend", d.backend.Name()).
		Str("clock", d.backend.Clock().String()).
		Msg("Starting daemon")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.server.Serve(gctx, ln)
	})

	if d.store != nil && d.config.CleanupInterval > 0 {
		g.Go(func() error {
			d.trimHistory(gctx)
			return nil
		})
	}

	err = g.Wait()
	d.logger.Info().Msg("Daemon stopped")
	return err
}

// listen binds the socket, replacing a stale one left by a crashed daemon
func (d *Daemon) listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(d.config.Socket), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if _, err := os.Stat(d.config.Socket); err == nil {
		conn, dialErr := net.DialTimeout("unix", d.config.Socket, time.Second)
		if dialErr == nil {
			conn.Close()
			return nil, fmt.Errorf("another daemon is already serving %s", d.config.Socket)
		}
		d.logger.Debug().Str("socket", d.config.Socket).Msg("Removing stale socket")
		if err := os.Remove(d.config.Socket); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", d.config.Socket)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", d.config.Socket, err)
	}
	return ln, nil
}

// trimHistory periodically removes old history rows
func (d *Daemon) trimHistory(ctx context.Context) {
	ticker := time.NewTicker(d.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.cleanupHistory(ctx)
		}
	}
}

func (d *Daemon) cleanupHistory(ctx context.Context) {
	if d.store == nil || d.config.HistoryMaxAge <= 0 {
		return
	}
	deleted, err := d.store.Cleanup(ctx, d.config.HistoryMaxAge)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to cleanup history")
		return
	}
	if deleted > 0 {
		d.logger.Info().Int64("deleted", deleted).Msg("Cleaned up history")
	}
}

// Shutdown disposes the player and closes the history database
func (d *Daemon) Shutdown() error {
	d.logger.Info().Msg("Shutting down daemon")

	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
	defer cancel()

	var errs []error
	if err := d.ctrl.Dispose(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to dispose player")
		errs = append(errs, err)
	}
	d.ctrl.Flush()

	if d.store != nil {
		d.cleanupHistory(ctx)
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close history: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (d *Daemon) shutdownTimeout() time.Duration {
	if d.config.ShutdownTimeout > 0 {
		return d.config.ShutdownTimeout
	}
	return 5 * time.Second
}
