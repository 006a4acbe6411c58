package tui

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/jfmyers9/playmidi/internal/history"
	"github.com/jfmyers9/playmidi/internal/playback"
)

const (
	maxRecentTracks = 5
	seekStep        = 5 * time.Second
	speedStep       = 0.25
	minSpeed        = 0.25
	maxSpeed        = 4.0
	volumeStep      = 0.1
	commandTimeout  = 2 * time.Second
)

// Config holds TUI configuration options
type Config struct {
	RefreshRate    time.Duration // How often to refresh the display
	HistoryRefresh time.Duration // How often to reload the recent panel
}

// DefaultConfig returns the default TUI configuration
func DefaultConfig() Config {
	return Config{
		RefreshRate:    250 * time.Millisecond,
		HistoryRefresh: 5 * time.Second,
	}
}

// Transport is the command surface the keyboard controls drive
type Transport interface {
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	SeekTo(ctx context.Context, positionMs int64) error
	SetSpeed(ctx context.Context, speed float64) error
	SetVolume(ctx context.Context, volume float64) error
}

// HistoryFunc returns the most recent loads, newest first
type HistoryFunc func(ctx context.Context, limit int) ([]history.Entry, error)

// Update is one pushed event. Exactly one field is set.
type Update struct {
	State    *playback.State
	Progress *playback.ProgressSnapshot
}

// App is the terminal monitor for a playback daemon
type App struct {
	app        *tview.Application
	nowPlaying *tview.TextView
	progress   *tview.TextView
	status     *tview.TextView
	session    *tview.TextView
	recent     *tview.TextView

	config    Config
	transport Transport
	history   HistoryFunc

	// Mutex protects state shared by the update consumer, the ticker and
	// key handlers.
	mu sync.Mutex

	state    playback.State
	snapshot *playback.ProgressSnapshot
	speed    float64
	volume   float64
	lastErr  string
	entries  []history.Entry

	sessionStart time.Time
	plays        int
	completions  int

	// Last-rendered content for change detection
	lastNowPlaying string
	lastProgress   string
	lastSession    string
	lastRecent     string

	// Cached progress bar width to stabilize change detection.
	// Updated only when GetInnerRect returns a positive value.
	lastBarWidth int

	cancelFunc context.CancelFunc
}

// New creates a monitor with default config
func New(transport Transport, hist HistoryFunc) *App {
	return NewWithConfig(DefaultConfig(), transport, hist)
}

// NewWithConfig creates a monitor with the given config
func NewWithConfig(cfg Config, transport Transport, hist HistoryFunc) *App {
	a := &App{
		app:          tview.NewApplication(),
		config:       cfg,
		transport:    transport,
		history:      hist,
		speed:        1,
		volume:       1,
		sessionStart: time.Now(),
	}
	a.setupUI()
	return a
}

// SetInitial seeds the display before the first pushed event arrives
func (a *App) SetInitial(state playback.State, snap *playback.ProgressSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
	a.snapshot = snap
}

func (a *App) setupUI() {
	a.nowPlaying = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.nowPlaying.SetBorder(true).
		SetTitle(" Now Playing ").
		SetTitleAlign(tview.AlignLeft)

	a.progress = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.progress.SetBorder(true)

	a.session = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	a.session.SetBorder(true).
		SetTitle(" Session ").
		SetTitleAlign(tview.AlignLeft)

	a.recent = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	a.recent.SetBorder(true).
		SetTitle(" Recent ").
		SetTitleAlign(tview.AlignLeft)

	a.status = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]q:quit  space:play/pause  s:stop  ←→:seek  -/+:speed  [/]:volume[-]")

	bottomRow := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.session, 0, 1, false).
		AddItem(a.recent, 0, 1, false)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.nowPlaying, 0, 3, false).
		AddItem(a.progress, 3, 1, false).
		AddItem(bottomRow, 8, 1, false).
		AddItem(a.status, 1, 1, false)

	a.app.SetInputCapture(a.handleKeyEvent)
	a.app.SetRoot(flex, true)
}

// handleKeyEvent maps keys to transport commands
func (a *App) handleKeyEvent(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyLeft:
		a.seekBy(-seekStep)
		return nil
	case tcell.KeyRight:
		a.seekBy(seekStep)
		return nil
	}

	switch event.Rune() {
	case 'q', 'Q':
		a.app.Stop()
		return nil
	case ' ':
		a.mu.Lock()
		playing := a.state == playback.StatePlaying
		a.mu.Unlock()
		if playing {
			a.command("pause", a.transport.Pause)
		} else {
			a.command("play", a.transport.Play)
		}
		return nil
	case 's', 'S':
		a.command("stop", a.transport.Stop)
		return nil
	case '+', '=':
		a.changeSpeed(speedStep)
		return nil
	case '-', '_':
		a.changeSpeed(-speedStep)
		return nil
	case ']':
		a.changeVolume(volumeStep)
		return nil
	case '[':
		a.changeVolume(-volumeStep)
		return nil
	}
	return event
}

func (a *App) command(name string, fn func(ctx context.Context) error) {
	if a.transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	a.recordResult(name, fn(ctx))
}

func (a *App) recordResult(name string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastErr = fmt.Sprintf("%s: %v", name, err)
	} else {
		a.lastErr = ""
	}
}

func (a *App) seekBy(delta time.Duration) {
	a.mu.Lock()
	snap := a.snapshot
	a.mu.Unlock()
	if snap == nil {
		return
	}

	target := seekTarget(*snap, delta)
	a.command("seek", func(ctx context.Context) error {
		return a.transport.SeekTo(ctx, target)
	})
}

func (a *App) changeSpeed(delta float64) {
	a.mu.Lock()
	speed := nextSpeed(a.speed, delta)
	a.mu.Unlock()

	a.command("speed", func(ctx context.Context) error {
		err := a.transport.SetSpeed(ctx, speed)
		if err == nil {
			a.mu.Lock()
			a.speed = speed
			a.mu.Unlock()
		}
		return err
	})
}

func (a *App) changeVolume(delta float64) {
	a.mu.Lock()
	volume := nextVolume(a.volume, delta)
	a.mu.Unlock()

	a.command("volume", func(ctx context.Context) error {
		err := a.transport.SetVolume(ctx, volume)
		if err == nil {
			a.mu.Lock()
			a.volume = volume
			a.mu.Unlock()
		}
		return err
	})
}

// Run shows the monitor until the user quits or ctx is cancelled
func (a *App) Run(ctx context.Context, updates <-chan Update) error {
	ctx, a.cancelFunc = context.WithCancel(ctx)
	defer a.cancelFunc()

	go a.handleUpdates(ctx, updates)

	if err := a.app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// handleUpdates applies pushed events as they arrive and redraws on a single
// ticker so queued redraws never pile up.
func (a *App) handleUpdates(ctx context.Context, updates <-chan Update) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					a.recordResult("connection", fmt.Errorf("daemon went away"))
					return
				}
				a.apply(u)
			}
		}
	}()

	refreshRate := a.config.RefreshRate
	if refreshRate <= 0 {
		refreshRate = 250 * time.Millisecond
	}
	ticker := time.NewTicker(refreshRate)
	defer ticker.Stop()

	a.loadHistory(ctx)
	lastHistory := time.Now()

	for {
		select {
		case <-ctx.Done():
			a.app.Stop()
			return
		case <-ticker.C:
			if a.config.HistoryRefresh > 0 && time.Since(lastHistory) >= a.config.HistoryRefresh {
				a.loadHistory(ctx)
				lastHistory = time.Now()
			}
			a.refresh()
		}
	}
}

// apply folds one update into the displayed state
func (a *App) apply(u Update) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if u.State != nil {
		if *u.State == playback.StatePlaying && a.state != playback.StatePlaying {
			a.plays++
		}
		if *u.State == playback.StateStopped && a.state == playback.StatePlaying &&
			a.snapshot != nil && a.snapshot.Progress >= playback.CompletionThreshold {
			a.completions++
		}
		a.state = *u.State
		if a.state == playback.StateUninitialized {
			a.snapshot = nil
		}
	}
	if u.Progress != nil {
		snap := *u.Progress
		a.snapshot = &snap
	}
}

func (a *App) loadHistory(ctx context.Context) {
	if a.history == nil {
		return
	}
	entries, err := a.history(ctx, maxRecentTracks)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.entries = entries
	a.mu.Unlock()
}

func (a *App) refresh() {
	a.app.QueueUpdateDraw(func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		a.updateNowPlaying()
		a.updateProgress()
		a.updateSession()
		a.updateRecent()
	})
}

// updateNowPlaying must be called with a.mu held
func (a *App) updateNowPlaying() {
	var text string
	if a.state == playback.StateUninitialized {
		text = "\n\n[gray]Player not initialized[-]"
	} else {
		var sb strings.Builder
		sb.WriteString("\n")
		if len(a.entries) > 0 {
			sb.WriteString(fmt.Sprintf("[white::b]%s[-:-:-]\n", tview.Escape(trackName(a.entries[0].Source))))
			sb.WriteString(fmt.Sprintf("[gray]%s[-]\n", tview.Escape(a.entries[0].Backend)))
		} else {
			sb.WriteString("[gray]No track loaded[-]\n")
		}
		sb.WriteString(fmt.Sprintf("\n%s", stateIcon(a.state)))
		text = sb.String()
	}

	if text != a.lastNowPlaying {
		a.lastNowPlaying = text
		a.nowPlaying.SetText(text)
	}
}

// updateProgress must be called with a.mu held
func (a *App) updateProgress() {
	var text string
	if a.snapshot != nil {
		_, _, width, _ := a.progress.GetInnerRect()
		barWidth := width - 14 // Account for time display
		if barWidth > 0 {
			a.lastBarWidth = barWidth
		}
		if a.lastBarWidth < 10 {
			a.lastBarWidth = 10
		}

		position := time.Duration(a.snapshot.CurrentPositionMs) * time.Millisecond
		duration := time.Duration(a.snapshot.DurationMs) * time.Millisecond
		text = fmt.Sprintf("%s %s %s",
			formatDuration(position),
			buildProgressBar(a.snapshot.Progress, a.lastBarWidth),
			formatDuration(duration))
	}

	if text != a.lastProgress {
		a.lastProgress = text
		a.progress.SetText(text)
	}
}

// updateSession must be called with a.mu held
func (a *App) updateSession() {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("State:   %s\n", a.state))
	sb.WriteString(fmt.Sprintf("Speed:   %.2fx\n", a.speed))
	sb.WriteString(fmt.Sprintf("Volume:  %d%%\n", int(math.Round(a.volume*100))))
	sb.WriteString(fmt.Sprintf("Plays:   %d (%d completed)\n", a.plays, a.completions))
	sb.WriteString(fmt.Sprintf("Session: %s", formatDuration(time.Since(a.sessionStart))))
	if a.lastErr != "" {
		sb.WriteString(fmt.Sprintf("\n[red]%s[-]", tview.Escape(a.lastErr)))
	}

	text := sb.String()
	if text != a.lastSession {
		a.lastSession = text
		a.session.SetText(text)
	}
}

// updateRecent must be called with a.mu held
func (a *App) updateRecent() {
	text := renderRecent(a.entries, time.Now())
	if text != a.lastRecent {
		a.lastRecent = text
		a.recent.SetText(text)
	}
}

// Stop stops the TUI application
func (a *App) Stop() {
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.app.Stop()
}

func renderRecent(entries []history.Entry, now time.Time) string {
	if len(entries) == 0 {
		return "[gray]No recent tracks[-]"
	}

	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteString("\n")
		}
		if e.CompletedCount > 0 {
			sb.WriteString("[green]✓[-] ")
		} else {
			sb.WriteString("[gray]·[-] ")
		}

		name := trackName(e.Source)
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		sb.WriteString(fmt.Sprintf("[white]%s[-] [gray]%s[-]", tview.Escape(name), humanize.RelTime(e.LoadedAt, now, "ago", "from now")))
	}
	return sb.String()
}

func trackName(source string) string {
	return filepath.Base(source)
}

func stateIcon(s playback.State) string {
	switch s {
	case playback.StatePlaying:
		return "[green]▶ playing[-]"
	case playback.StatePaused:
		return "[yellow]⏸ paused[-]"
	case playback.StateError:
		return "[red]✗ error[-]"
	default:
		return "[gray]■ stopped[-]"
	}
}

// seekTarget moves snap's position by delta, clamped to the track
func seekTarget(snap playback.ProgressSnapshot, delta time.Duration) int64 {
	target := snap.CurrentPositionMs + delta.Milliseconds()
	if snap.DurationMs > 0 && target > snap.DurationMs {
		target = snap.DurationMs
	}
	if target < 0 {
		target = 0
	}
	return target
}

func nextSpeed(current, delta float64) float64 {
	return math.Min(maxSpeed, math.Max(minSpeed, current+delta))
}

func nextVolume(current, delta float64) float64 {
	v := math.Round((current+delta)*100) / 100
	return math.Min(1, math.Max(0, v))
}

// buildProgressBar creates a text-based progress bar
func buildProgressBar(progress float64, width int) string {
	if width <= 0 {
		return ""
	}
	progress = math.Min(1, math.Max(0, progress))

	filled := int(progress * float64(width))
	empty := width - filled

	return "[green]" + strings.Repeat("█", filled) + "[-]" +
		"[gray]" + strings.Repeat("░", empty) + "[-]"
}

// formatDuration formats a duration as MM:SS or HH:MM:SS for longer durations
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
