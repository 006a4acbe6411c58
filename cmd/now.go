package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/jfmyers9/playmidi/internal/config"
	"github.com/jfmyers9/playmidi/internal/history"
	"github.com/jfmyers9/playmidi/internal/playback"
)

// errNotPlaying makes now exit with status 1 without printing an error
var errNotPlaying = errors.New("not playing")

// nowCmd represents the now command
var nowCmd = &cobra.Command{
	Use:   "now",
	Short: "Display the current playback status",
	Long: `Query the daemon and print the current playback status on one line.

The output format can be customized in ~/.config/playmidi/config.yaml
using a Go template. Available fields: .State, .Track, .Position, .Duration,
.PositionMs, .DurationMs, .Percent

Exit codes:
  0 - A track is playing (or paused, with --all)
  1 - Nothing playing, or the daemon is not running`,
	RunE: runNow,
}

func init() {
	rootCmd.AddCommand(nowCmd)

	// Add format flag to override config
	nowCmd.Flags().StringP("format", "f", "", "Output format template (overrides config)")
	// Add width flag to set fixed output width
	nowCmd.Flags().IntP("width", "w", 0, "Fixed output width (0=disabled, overrides config)")
	// Add marquee flag to enable scrolling
	nowCmd.Flags().Bool("marquee", false, "Enable marquee scrolling for long text (overrides config)")
	nowCmd.Flags().Bool("all", false, "Also print when paused or stopped")
}

// nowStatus is the data exposed to the output template
type nowStatus struct {
	State      string
	Track      string
	Position   string
	Duration   string
	PositionMs int64
	DurationMs int64
	Percent    int
}

func runNow(cmd *cobra.Command, args []string) error {
	err := printNow(cmd)
	if errors.Is(err, errNotPlaying) {
		os.Exit(1)
	}
	return err
}

func printNow(cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, cfg, err := dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	// Check for format flag override
	if formatFlag, _ := cmd.Flags().GetString("format"); formatFlag != "" {
		cfg.OutputFormat = formatFlag
	}

	state, err := client.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to get state: %w", err)
	}

	all, _ := cmd.Flags().GetBool("all")
	if state != playback.StatePlaying && !all {
		return errNotPlaying
	}

	snap, err := client.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}

	status := buildStatus(state, snap, latestTrack(ctx, cfg))

	output, err := formatStatus(status, cfg.OutputFormat)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}

	// Apply width padding/marquee if requested
	width, _ := cmd.Flags().GetInt("width")
	if width == 0 {
		width = cfg.OutputWidth
	}

	marquee, _ := cmd.Flags().GetBool("marquee")
	if !cmd.Flags().Changed("marquee") {
		marquee = cfg.MarqueeEnabled
	}

	if width > 0 {
		if marquee {
			output = marqueeText(output, width, cfg.MarqueeSpeed, cfg.MarqueeSeparator, time.Now())
		} else {
			output = padToWidth(output, width)
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), output)
	return nil
}

// latestTrack names the most recently loaded track from the history database,
// or returns "" when there is none
func latestTrack(ctx context.Context, cfg *config.Config) string {
	if _, err := os.Stat(cfg.HistoryPath()); err != nil {
		return ""
	}
	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return ""
	}
	defer store.Close()

	entries, err := store.Recent(ctx, 1)
	if err != nil || len(entries) == 0 {
		return ""
	}
	return filepath.Base(entries[0].Source)
}

// buildStatus assembles template data; snap may be nil
func buildStatus(state playback.State, snap *playback.ProgressSnapshot, track string) nowStatus {
	s := nowStatus{
		State:    state.String(),
		Track:    track,
		Position: formatClock(0),
		Duration: formatClock(0),
	}
	if snap != nil {
		s.PositionMs = snap.CurrentPositionMs
		s.DurationMs = snap.DurationMs
		s.Position = formatClock(snap.CurrentPositionMs)
		s.Duration = formatClock(snap.DurationMs)
		s.Percent = int(snap.Progress * 100)
	}
	return s
}

// formatStatus applies the template to the status data
func formatStatus(status nowStatus, templateStr string) (string, error) {
	tmpl, err := template.New("output").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, status); err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}

	return buf.String(), nil
}

// padToWidth pads or truncates text to exactly width display columns,
// marking truncation with "...". A non-positive width disables it.
func padToWidth(text string, width int) string {
	if width <= 0 {
		return text
	}
	if runewidth.StringWidth(text) > width {
		if width <= 3 {
			return runewidth.Truncate("...", width, "")
		}
		text = runewidth.Truncate(text, width, "...")
	}
	return runewidth.FillRight(text, width)
}

// marqueeText scrolls text longer than width through a fixed window.
// The window position is derived from the wall clock at speed columns per
// second, so successive status bar refreshes show the text advancing without
// any persisted state. Text that fits is padded like padToWidth.
func marqueeText(text string, width, speed int, separator string, now time.Time) string {
	if width <= 0 {
		return text
	}
	if runewidth.StringWidth(text) <= width {
		return padToWidth(text, width)
	}

	loop := []rune(text + separator)
	offset := int(now.Unix()*int64(max(speed, 0))) % len(loop)

	var sb strings.Builder
	used := 0
	for i := 0; used < width && i < len(loop)+width; i++ {
		r := loop[(offset+i)%len(loop)]
		rw := runewidth.RuneWidth(r)
		if used+rw > width {
			break
		}
		sb.WriteRune(r)
		used += rw
	}
	return runewidth.FillRight(sb.String(), width)
}
