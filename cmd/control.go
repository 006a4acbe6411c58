package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfmyers9/playmidi/internal/playback"
	"github.com/jfmyers9/playmidi/internal/rpc"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the player",
	Long:  `Open the daemon's media backend. Calling it again once initialized does nothing.`,
	Args:  cobra.NoArgs,
	RunE:  clientCommand("initialize", (*rpc.Client).Initialize),
}

// loadCmd represents the load command
var loadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load a media file",
	Long: `Load a media file into the player, releasing the current one.

Relative paths are made absolute against the current directory before they are
sent, since the daemon resolves paths on its own filesystem.`,
	Args: cobra.ExactArgs(1),
	RunE: runLoad,
}

// loadAssetCmd represents the load-asset command
var loadAssetCmd = &cobra.Command{
	Use:   "load-asset <key>",
	Short: "Load a media file by asset key",
	Long: `Load a media file looked up in the daemon's asset directories.

Each asset directory is searched for the key as given, then without a leading
"assets/", then for its base name.`,
	Args: cobra.ExactArgs(1),
	RunE: runLoadAsset,
}

// playCmd represents the play command
var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Start or resume playback",
	Args:  cobra.NoArgs,
	RunE:  clientCommand("play", (*rpc.Client).Play),
}

// pauseCmd represents the pause command
var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause playback, keeping the position",
	Args:  cobra.NoArgs,
	RunE:  clientCommand("pause", (*rpc.Client).Pause),
}

// playpauseCmd represents the playpause command
var playpauseCmd = &cobra.Command{
	Use:   "playpause",
	Short: "Toggle between play and pause",
	Args:  cobra.NoArgs,
	RunE:  runPlayPause,
}

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop playback and rewind to the start",
	Args:  cobra.NoArgs,
	RunE:  clientCommand("stop", (*rpc.Client).Stop),
}

// seekCmd represents the seek command
var seekCmd = &cobra.Command{
	Use:   "seek <position>",
	Short: "Move the playhead",
	Long: `Move the playhead to an absolute position.

The position may be given in milliseconds (90000), as minutes and seconds
(1:30) or as a duration (1m30s).`,
	Args: cobra.ExactArgs(1),
	RunE: runSeek,
}

// speedCmd represents the speed command
var speedCmd = &cobra.Command{
	Use:   "speed <rate>",
	Short: "Set the playback speed (1.0 is normal)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpeed,
}

// volumeCmd represents the volume command
var volumeCmd = &cobra.Command{
	Use:   "volume <level>",
	Short: "Set the output volume",
	Long: `Set the output volume as a fraction between 0 and 1 (0.5) or as a
percentage (50%). Backends without volume control accept and ignore it.`,
	Args: cobra.ExactArgs(1),
	RunE: runVolume,
}

// stateCmd represents the state command
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the playback state",
	Args:  cobra.NoArgs,
	RunE:  runState,
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the current position and duration",
	Long: `Print the current position, duration and progress.

Prints "null" with --json, or nothing, when no track is loaded.`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

// disposeCmd represents the dispose command
var disposeCmd = &cobra.Command{
	Use:   "dispose",
	Short: "Release the track and close the backend",
	Args:  cobra.NoArgs,
	RunE:  clientCommand("dispose", (*rpc.Client).Dispose),
}

var infoJSON bool

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(loadAssetCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(playpauseCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(seekCmd)
	rootCmd.AddCommand(speedCmd)
	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(disposeCmd)

	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Print the snapshot as JSON")
}

// withClient runs fn against a fresh daemon connection
func withClient(fn func(ctx context.Context, c *rpc.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	client, _, err := dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}

// clientCommand adapts a no-argument client method to a cobra RunE
func clientCommand(name string, method func(*rpc.Client, context.Context) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			if err := method(c, ctx); err != nil {
				return fmt.Errorf("failed to %s: %w", name, err)
			}
			return nil
		})
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid path %s: %w", args[0], err)
	}

	return withClient(func(ctx context.Context, c *rpc.Client) error {
		if err := c.LoadFile(ctx, path); err != nil {
			return fmt.Errorf("failed to load: %w", err)
		}
		return nil
	})
}

func runLoadAsset(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		if err := c.LoadAsset(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to load asset: %w", err)
		}
		return nil
	})
}

func runPlayPause(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		state, err := c.State(ctx)
		if err != nil {
			return fmt.Errorf("failed to get state: %w", err)
		}
		if state == playback.StatePlaying {
			err = c.Pause(ctx)
		} else {
			err = c.Play(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to playpause: %w", err)
		}
		return nil
	})
}

func runSeek(cmd *cobra.Command, args []string) error {
	ms, err := parsePosition(args[0])
	if err != nil {
		return err
	}

	return withClient(func(ctx context.Context, c *rpc.Client) error {
		if err := c.SeekTo(ctx, ms); err != nil {
			return fmt.Errorf("failed to seek: %w", err)
		}
		return nil
	})
}

func runSpeed(cmd *cobra.Command, args []string) error {
	speed, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid speed: %s (must be a number such as 1.5)", args[0])
	}

	return withClient(func(ctx context.Context, c *rpc.Client) error {
		if err := c.SetSpeed(ctx, speed); err != nil {
			return fmt.Errorf("failed to set speed: %w", err)
		}
		return nil
	})
}

func runVolume(cmd *cobra.Command, args []string) error {
	volume, err := parseVolume(args[0])
	if err != nil {
		return err
	}

	return withClient(func(ctx context.Context, c *rpc.Client) error {
		if err := c.SetVolume(ctx, volume); err != nil {
			return fmt.Errorf("failed to set volume: %w", err)
		}
		return nil
	})
}

func runState(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		state, err := c.State(ctx)
		if err != nil {
			return fmt.Errorf("failed to get state: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), state)
		return nil
	})
}

func runInfo(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *rpc.Client) error {
		snap, err := c.Info(ctx)
		if err != nil {
			return fmt.Errorf("failed to get info: %w", err)
		}

		out := cmd.OutOrStdout()
		if infoJSON {
			data, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		if snap != nil {
			fmt.Fprintln(out, describeSnapshot(*snap))
		}
		return nil
	})
}

// describeSnapshot renders a snapshot as "01:30 / 03:00 (50%)"
func describeSnapshot(s playback.ProgressSnapshot) string {
	return fmt.Sprintf("%s / %s (%.0f%%)",
		formatClock(s.CurrentPositionMs),
		formatClock(s.DurationMs),
		s.Progress*100)
}

// formatClock formats milliseconds as MM:SS, or H:MM:SS past an hour
func formatClock(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	d := time.Duration(ms) * time.Millisecond
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// parsePosition accepts milliseconds, M:SS or a Go duration
func parsePosition(s string) (int64, error) {
	s = strings.TrimSpace(s)

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}

	if minutes, seconds, ok := strings.Cut(s, ":"); ok {
		m, errM := strconv.Atoi(minutes)
		sec, errS := strconv.ParseFloat(seconds, 64)
		if errM == nil && errS == nil && m >= 0 && sec >= 0 && sec < 60 {
			return int64(m)*60_000 + int64(sec*1000), nil
		}
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d.Milliseconds(), nil
	}

	return 0, fmt.Errorf("invalid position: %s (use milliseconds, M:SS or a duration like 1m30s)", s)
}

// parseVolume accepts a fraction (0.5) or a percentage (50%)
func parseVolume(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid volume: %s", s)
		}
		return v / 100, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid volume: %s (use a fraction like 0.5 or a percentage like 50%%)", s)
	}
	return v, nil
}
