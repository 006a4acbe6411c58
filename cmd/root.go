package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfmyers9/playmidi/internal/config"
	"github.com/jfmyers9/playmidi/internal/rpc"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// socketFlag overrides the configured daemon socket
var socketFlag string

// callTimeout bounds a single client command
const callTimeout = 10 * time.Second

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "playmidi",
	Short: "MIDI and audio playback daemon",
	Long: `playmidi plays MIDI and audio files through a long-lived daemon.

Run 'playmidi serve' to start the daemon, then drive it with the client
commands (init, load, play, pause, stop, seek, speed, volume, ...).
'playmidi watch' and 'playmidi monitor' follow playback progress, and
'playmidi now' prints a one-line status suitable for tmux status bars.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Daemon socket path (overrides config)")
}

// loadConfig reads the configuration and applies global flag overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if socketFlag != "" {
		cfg.Socket = socketFlag
	}
	return cfg, nil
}

// dial connects to the running daemon
func dial(ctx context.Context) (*rpc.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	client, err := rpc.Dial(ctx, cfg.Socket)
	if err != nil {
		return nil, nil, fmt.Errorf("daemon not reachable (is 'playmidi serve' running?): %w", err)
	}
	return client, cfg, nil
}

// setupLogger creates a logger with the specified configuration
func setupLogger(logFile, logLevel string) zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}

	// Set up output
	var output *os.File
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			output = os.Stderr
		} else {
			output = f
		}
	} else {
		output = os.Stderr
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	// Use pretty console output if logging to stderr
	if output == os.Stderr {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return logger
}
