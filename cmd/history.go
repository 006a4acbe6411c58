package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jfmyers9/playmidi/internal/history"
)

var (
	historyLimit int
	historyPrune time.Duration
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently loaded tracks",
	Long: `List the tracks the daemon loaded most recently, newest first, with how
often each load was played and completed.

The history database lives in the data directory and is readable while the
daemon is running.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries to show (0 = all)")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "Delete entries older than this age before listing (e.g. 720h)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.HistoryPath()); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "No history yet")
		return nil
	}

	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	if historyPrune > 0 {
		deleted, err := store.Cleanup(ctx, historyPrune)
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s entries\n", humanize.Comma(deleted))
	}

	entries, err := store.Recent(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	return printHistory(cmd.OutOrStdout(), entries, time.Now())
}

// printHistory writes entries as an aligned table
func printHistory(w io.Writer, entries []history.Entry, now time.Time) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No history yet")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOADED\tTRACK\tLENGTH\tPLAYS\tDONE\tSTATE\tBACKEND")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			humanize.RelTime(e.LoadedAt, now, "ago", "from now"),
			filepath.Base(e.Source),
			formatClock(e.Duration.Milliseconds()),
			e.PlayCount,
			e.CompletedCount,
			e.LastState,
			e.Backend,
		)
	}
	return tw.Flush()
}
