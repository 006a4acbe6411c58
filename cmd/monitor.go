package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jfmyers9/playmidi/internal/history"
	"github.com/jfmyers9/playmidi/internal/rpc"
	"github.com/jfmyers9/playmidi/internal/tui"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display a terminal UI for the playback daemon",
	Long: `Display a terminal-based user interface following the daemon's playback.

The monitor listens to the progress and state streams, taking them over from
any other listener, and shows:
- The latest loaded track and the play state
- A progress bar with position and duration
- Session speed, volume and play counts
- Recently loaded tracks from the history database

Keys: space play/pause, s stop, left/right seek, -/+ speed, [/] volume, q quit.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, cfg, err := dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	state, err := client.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to get state: %w", err)
	}
	snap, err := client.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}

	for _, stream := range rpc.Streams {
		if err := client.Listen(ctx, stream); err != nil {
			return fmt.Errorf("failed to listen to %s: %w", stream, err)
		}
	}

	var recent tui.HistoryFunc
	if _, err := os.Stat(cfg.HistoryPath()); err == nil {
		store, err := history.Open(cfg.HistoryPath())
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer store.Close()
		recent = store.Recent
	}

	tuiCfg := tui.DefaultConfig()
	if cfg.Monitor.Refresh > 0 {
		tuiCfg.RefreshRate = cfg.Monitor.Refresh
	}

	app := tui.NewWithConfig(tuiCfg, client, recent)
	app.SetInitial(state, snap)

	return app.Run(ctx, forwardEvents(ctx, client))
}

// forwardEvents decodes pushed events into monitor updates. The returned
// channel closes when the connection does.
func forwardEvents(ctx context.Context, client *rpc.Client) <-chan tui.Update {
	updates := make(chan tui.Update, 16)
	go func() {
		defer close(updates)
		for ev := range client.Events() {
			var u tui.Update
			switch ev.Stream {
			case rpc.StreamProgress:
				snap, err := rpc.DecodeProgress(ev)
				if err != nil {
					continue
				}
				u.Progress = &snap
			case rpc.StreamState:
				state, err := rpc.DecodeState(ev)
				if err != nil {
					continue
				}
				u.State = &state
			default:
				continue
			}

			select {
			case updates <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updates
}
