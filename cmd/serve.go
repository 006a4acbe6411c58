package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jfmyers9/playmidi/internal/assets"
	"github.com/jfmyers9/playmidi/internal/backend"
	"github.com/jfmyers9/playmidi/internal/daemon"
)

var (
	serveLogFile   string
	serveLogLevel  string
	serveDataDir   string
	serveBackend   string
	serveAssetDirs []string
	serveNoHistory bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the playback daemon",
	Long: `Run the playback daemon that owns one player and serves it on a unix socket.

The daemon will:
- Drive the configured media backend (sequencer, pcm or mpv)
- Answer client commands and push progress and state events to listeners
- Record loaded tracks in the history database
- Dispose the player and close the history on SIGINT/SIGTERM

The daemon runs in the foreground and logs to stderr by default.
Use the --log-file flag to log to a file (useful for launchd).`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "", "Log file path (default: stderr)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Data directory for history (default: ~/.local/share/playmidi)")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "Media backend: sequencer, pcm or mpv (overrides config)")
	serveCmd.Flags().StringSliceVar(&serveAssetDirs, "asset-dir", nil, "Asset root searched by load-asset (repeatable, overrides config)")
	serveCmd.Flags().BoolVar(&serveNoHistory, "no-history", false, "Do not record loaded tracks")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveDataDir != "" {
		cfg.DataDir = serveDataDir
	}
	if serveBackend != "" {
		cfg.Backend = serveBackend
	}
	if len(serveAssetDirs) > 0 {
		cfg.AssetDirs = serveAssetDirs
	}

	logger := setupLogger(serveLogFile, serveLogLevel)

	logger.Info().
		Str("version", version).
		Msg("Starting playmidi daemon")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	logger.Info().Str("data_dir", cfg.DataDir).Msg("Using data directory")

	fsys := afero.NewOsFs()

	media, err := backend.New(cfg, fsys, logger)
	if err != nil {
		return err
	}

	resolver := assets.NewResolver(fsys, cfg.AssetDirs)
	if len(resolver.Roots()) == 0 {
		logger.Info().Msg("No asset directories configured, load-asset only accepts absolute paths")
	}

	historyDB := cfg.HistoryPath()
	if serveNoHistory {
		historyDB = ""
	}

	d, err := daemon.New(daemon.DefaultConfig(cfg.Socket, historyDB), media, resolver, fsys, logger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	// Run daemon (blocks until shutdown signal)
	runErr := d.Run()

	// Graceful shutdown
	if err := d.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		return fmt.Errorf("daemon error: %w", runErr)
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}
