package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/jfmyers9/playmidi/internal/rpc"
)

var (
	watchStreams []string
	watchJSON    bool
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print progress and state events as they happen",
	Long: `Subscribe to the daemon's event streams and print every event.

Each stream has a single listener: watching a stream takes it over from any
other client currently listening to it. Progress events arrive every 100ms
while playing. Press Ctrl-C to stop.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringSliceVarP(&watchStreams, "stream", "s", rpc.Streams, "Streams to follow (progress, state)")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print raw event JSON")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if unknown := lo.Without(watchStreams, rpc.Streams...); len(unknown) > 0 {
		return fmt.Errorf("unknown stream(s): %v (expected %v)", unknown, rpc.Streams)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, _, err := dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, stream := range lo.Uniq(watchStreams) {
		if err := client.Listen(ctx, stream); err != nil {
			return fmt.Errorf("failed to listen to %s: %w", stream, err)
		}
	}

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-client.Events():
			if !ok {
				return fmt.Errorf("daemon connection closed: %w", client.Err())
			}
			if err := printEvent(out, ev, watchJSON); err != nil {
				return err
			}
		}
	}
}

// printEvent writes one event line
func printEvent(w io.Writer, ev rpc.Event, raw bool) error {
	if raw {
		_, err := fmt.Fprintf(w, "{\"stream\":%q,\"data\":%s}\n", ev.Stream, ev.Data)
		return err
	}

	switch ev.Stream {
	case rpc.StreamProgress:
		snap, err := rpc.DecodeProgress(ev)
		if err != nil {
			return fmt.Errorf("bad progress event: %w", err)
		}
		_, err = fmt.Fprintf(w, "progress %s\n", describeSnapshot(snap))
		return err
	case rpc.StreamState:
		state, err := rpc.DecodeState(ev)
		if err != nil {
			return fmt.Errorf("bad state event: %w", err)
		}
		_, err = fmt.Fprintf(w, "state    %s\n", state)
		return err
	default:
		_, err := fmt.Fprintf(w, "%s %s\n", ev.Stream, ev.Data)
		return err
	}
}
