// Package sequencer is a beat-clock backend that plays Standard MIDI Files.
//
// Positions and track lengths are expressed in quarter-note beats. When a
// device is configured, channel messages are written to it as raw MIDI bytes
// while the clock runs.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gitlab.com/gomidi/midi/v2"

	"github.com/jfmyers9/playmidi/internal/playback"
)

// dispatchInterval is how often due events are written to the device
const dispatchInterval = 5 * time.Millisecond

const allNotesOffController = 123

// Option configures a Sequencer
type Option func(*Sequencer)

// WithFs sets the filesystem MIDI files and the device are opened on
func WithFs(fsys afero.Fs) Option {
	return func(s *Sequencer) {
		s.fs = fsys
	}
}

// WithDevice sets a raw MIDI output device (e.g. /dev/snd/midiC1D0)
func WithDevice(path string) Option {
	return func(s *Sequencer) {
		s.device = path
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sequencer) {
		s.logger = logger.With().Str("component", "sequencer").Logger()
	}
}

// withNow replaces the wall clock in tests
func withNow(now func() time.Time) Option {
	return func(s *Sequencer) {
		s.now = now
	}
}

// Sequencer implements playback.Backend on a beat clock
type Sequencer struct {
	fs     afero.Fs
	device string
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	opened   bool
	out      io.WriteCloser
	song     *song
	running  bool
	rate     float64
	anchor   float64 // beat position at anchorAt
	anchorAt time.Time
	cursor   int // next event to dispatch
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var (
	_ playback.Backend       = (*Sequencer)(nil)
	_ playback.BeatConverter = (*Sequencer)(nil)
)

// New creates a Sequencer
func New(opts ...Option) *Sequencer {
	s := &Sequencer{
		fs:     afero.NewOsFs(),
		logger: zerolog.Nop(),
		now:    time.Now,
		rate:   1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sequencer) Name() string { return "sequencer" }

func (s *Sequencer) Clock() playback.ClockKind { return playback.ClockBeats }

// Open prepares the sequencer and opens the output device, if any
func (s *Sequencer) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil
	}
	if s.device != "" {
		out, err := s.fs.OpenFile(s.device, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open MIDI device %s: %w", s.device, err)
		}
		s.out = out
		s.logger.Info().Str("device", s.device).Msg("MIDI output opened")
	}
	s.opened = true
	return nil
}

// Load parses the file at path, replacing any loaded song
func (s *Sequencer) Load(ctx context.Context, path string) error {
	f, err := s.fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	parsed, err := parseSong(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return errors.New("sequencer not open")
	}
	s.haltLocked()
	s.song = parsed
	s.anchor = 0
	s.cursor = 0

	s.logger.Debug().
		Str("path", path).
		Int("tracks", len(parsed.lengths)).
		Int("events", len(parsed.events)).
		Bool("metric", parsed.metric).
		Msg("MIDI file loaded")
	return nil
}

// Start runs the beat clock from the current position
func (s *Sequencer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.song == nil {
		return errors.New("no song loaded")
	}
	if s.running {
		return nil
	}

	s.running = true
	s.anchorAt = s.now()
	s.cursor = s.song.eventIndex(s.anchor)

	if s.out != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.dispatch(ctx)
	}
	return nil
}

// Stop halts the clock and silences the output
func (s *Sequencer) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.haltLocked()
	s.mu.Unlock()

	s.wg.Wait()
	if running {
		return s.allNotesOff()
	}
	return nil
}

// haltLocked freezes the clock at the current position. Must be called with
// s.mu held; the dispatcher exits once it observes the cancellation.
func (s *Sequencer) haltLocked() {
	if !s.running {
		return
	}
	s.anchor = s.positionLocked()
	s.running = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// SetPosition moves the clock to beats
func (s *Sequencer) SetPosition(ctx context.Context, beats float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.song == nil {
		return errors.New("no song loaded")
	}
	if math.IsNaN(beats) || beats < 0 {
		beats = 0
	}
	s.anchor = beats
	s.anchorAt = s.now()
	s.cursor = s.song.eventIndex(beats)
	return nil
}

// Position returns the current position in beats
func (s *Sequencer) Position(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.song == nil {
		return 0, errors.New("no song loaded")
	}
	return s.positionLocked(), nil
}

// positionLocked advances the anchor by elapsed wall time scaled by the rate,
// following the tempo map. Must be called with s.mu held.
func (s *Sequencer) positionLocked() float64 {
	if !s.running {
		return s.anchor
	}
	elapsed := s.now().Sub(s.anchorAt).Seconds() * s.rate
	return s.song.beatsAt(s.song.secondsAt(s.anchor) + elapsed)
}

// SetRate scales the clock speed
func (s *Sequencer) SetRate(ctx context.Context, rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.anchor = s.positionLocked()
		s.anchorAt = s.now()
	}
	s.rate = rate
	return nil
}

// SetVolume is not supported; MIDI output levels belong to the synthesizer
func (s *Sequencer) SetVolume(ctx context.Context, level float64) error {
	return playback.ErrUnsupported
}

// TrackLengths returns the length of each track in beats
func (s *Sequencer) TrackLengths(ctx context.Context) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.song == nil {
		return nil, errors.New("no song loaded")
	}
	return append([]float64(nil), s.song.lengths...), nil
}

// Release drops the loaded song
func (s *Sequencer) Release(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Error silencing output on release")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.song = nil
	s.anchor = 0
	s.cursor = 0
	return nil
}

// Close releases the song and the output device
func (s *Sequencer) Close(ctx context.Context) error {
	_ = s.Release(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.opened = false
	s.rate = 1
	if s.out != nil {
		err := s.out.Close()
		s.out = nil
		if err != nil {
			return fmt.Errorf("failed to close MIDI device: %w", err)
		}
	}
	return nil
}

// SecondsForBeats converts beats through the tempo map of the loaded song
func (s *Sequencer) SecondsForBeats(beats float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.song == nil || !s.song.metric {
		return 0, ErrNoTempoMap
	}
	return s.song.secondsAt(beats), nil
}

// BeatsForSeconds converts wall time through the tempo map of the loaded song
func (s *Sequencer) BeatsForSeconds(seconds float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.song == nil || !s.song.metric {
		return 0, ErrNoTempoMap
	}
	return s.song.beatsAt(seconds), nil
}

// dispatch writes due events to the output until ctx is cancelled
func (s *Sequencer) dispatch(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.flushDue(); err != nil {
				s.logger.Warn().Err(err).Msg("MIDI output write failed")
			}
		}
	}
}

// flushDue writes every event at or before the current position
func (s *Sequencer) flushDue() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.song == nil || s.out == nil {
		return nil
	}
	pos := s.positionLocked()
	for s.cursor < len(s.song.events) && s.song.events[s.cursor].beat <= pos {
		if _, err := s.out.Write(s.song.events[s.cursor].msg); err != nil {
			return err
		}
		s.cursor++
	}
	return nil
}

// allNotesOff sends controller 123 on every channel
func (s *Sequencer) allNotesOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out == nil {
		return nil
	}
	buf := make([]byte, 0, 16*3)
	for ch := uint8(0); ch < 16; ch++ {
		buf = append(buf, midi.ControlChange(ch, allNotesOffController, 0)...)
	}
	_, err := s.out.Write(buf)
	return err
}
