// Package pcm is a millisecond-clock backend that decodes audio files with
// beep and plays them on the system speaker.
package pcm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/jfmyers9/playmidi/internal/playback"
)

// Default output settings
const (
	DefaultSampleRate = beep.SampleRate(44100)
	DefaultBuffer     = 100 * time.Millisecond
	resampleQuality   = 4
)

// ErrUnsupportedFormat is returned for files with an unknown extension
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Option configures a Player
type Option func(*Player)

// WithFs sets the filesystem audio files are read from
func WithFs(fsys afero.Fs) Option {
	return func(p *Player) {
		p.fs = fsys
	}
}

// WithOutput replaces the speaker
func WithOutput(out Output) Option {
	return func(p *Player) {
		p.out = out
	}
}

// WithSampleRate sets the output sample rate
func WithSampleRate(rate int) Option {
	return func(p *Player) {
		if rate > 0 {
			p.sampleRate = beep.SampleRate(rate)
		}
	}
}

// WithBuffer sets the output buffer duration
func WithBuffer(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.buffer = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Player) {
		p.logger = logger.With().Str("component", "pcm").Logger()
	}
}

// trackState bundles the resources of the loaded file
type trackState struct {
	file      afero.File
	streamer  beep.StreamSeekCloser
	format    beep.Format
	resampler *beep.Resampler
	ctrl      *beep.Ctrl
	volume    *effects.Volume
}

func (t *trackState) close() {
	if t.streamer != nil {
		t.streamer.Close()
	}
	if t.file != nil {
		t.file.Close()
	}
}

// Player implements playback.Backend on a millisecond clock
type Player struct {
	fs         afero.Fs
	out        Output
	sampleRate beep.SampleRate
	buffer     time.Duration
	logger     zerolog.Logger

	mu     sync.Mutex
	opened bool
	track  *trackState
	rate   float64
	level  float64
	queued atomic.Bool // track streamer is in the output mixer
}

var _ playback.Backend = (*Player)(nil)

// New creates a Player
func New(opts ...Option) *Player {
	p := &Player{
		fs:         afero.NewOsFs(),
		out:        Speaker(),
		sampleRate: DefaultSampleRate,
		buffer:     DefaultBuffer,
		logger:     zerolog.Nop(),
		rate:       1,
		level:      1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Player) Name() string { return "pcm" }

func (p *Player) Clock() playback.ClockKind { return playback.ClockMilliseconds }

// Open initializes the output device
func (p *Player) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opened {
		return nil
	}
	if err := p.out.Init(p.sampleRate, p.sampleRate.N(p.buffer)); err != nil {
		return fmt.Errorf("failed to initialize audio output: %w", err)
	}
	p.opened = true
	p.logger.Info().
		Int("sample_rate", int(p.sampleRate)).
		Dur("buffer", p.buffer).
		Msg("Audio output initialized")
	return nil
}

// Load decodes the file at path, replacing any loaded track
func (p *Player) Load(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.opened {
		return errors.New("audio output not initialized")
	}
	p.releaseLocked()

	f, err := p.fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	streamer, format, err := decode(path, f)
	if err != nil {
		f.Close()
		return err
	}

	t := &trackState{file: f, streamer: streamer, format: format}
	p.buildChain(t)
	p.track = t

	p.logger.Debug().
		Str("path", path).
		Int("sample_rate", int(format.SampleRate)).
		Int("channels", format.NumChannels).
		Dur("length", format.SampleRate.D(streamer.Len())).
		Msg("Audio file decoded")
	return nil
}

// decode picks a decoder by file extension
func decode(path string, f afero.File) (beep.StreamSeekCloser, beep.Format, error) {
	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		s, format, err = wav.Decode(f)
	case ".mp3":
		s, format, err = mp3.Decode(f)
	case ".flac":
		s, format, err = flac.Decode(f)
	case ".ogg", ".oga":
		s, format, err = vorbis.Decode(f)
	default:
		err = ErrUnsupportedFormat
	}
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return s, format, nil
}

// buildChain wraps the decoder in a fresh resampler, pause control and volume.
// A resampler that reached the end of its source stays drained, so the chain
// is rebuilt every time the track is queued on the output.
func (p *Player) buildChain(t *trackState) {
	t.resampler = beep.ResampleRatio(resampleQuality, p.ratio(t.format), t.streamer)
	t.ctrl = &beep.Ctrl{Streamer: t.resampler, Paused: true}
	t.volume = &effects.Volume{Streamer: t.ctrl, Base: 2}
	applyLevel(t.volume, p.level)
}

// ratio is the resampling ratio from the source rate to the output rate,
// scaled by the play rate
func (p *Player) ratio(format beep.Format) float64 {
	return float64(format.SampleRate) / float64(p.sampleRate) * p.rate
}

// Start resumes the track, queueing it on the output if it finished or was
// never played
func (p *Player) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.track
	if t == nil {
		return errors.New("no track loaded")
	}

	if p.queued.CompareAndSwap(false, true) {
		p.buildChain(t)
		t.ctrl.Paused = false
		p.out.Play(beep.Seq(t.volume, beep.Callback(func() {
			p.queued.Store(false)
		})))
		return nil
	}

	p.out.Lock()
	t.ctrl.Paused = false
	p.out.Unlock()
	return nil
}

// Stop pauses the track at its current position
func (p *Player) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.track == nil {
		return nil
	}
	p.out.Lock()
	p.track.ctrl.Paused = true
	p.out.Unlock()
	return nil
}

// SetPosition seeks to ms, clamped to the track length
func (p *Player) SetPosition(ctx context.Context, ms float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.track
	if t == nil {
		return errors.New("no track loaded")
	}

	frame := t.format.SampleRate.N(time.Duration(ms * float64(time.Millisecond)))
	frame = max(0, min(frame, t.streamer.Len()))

	p.out.Lock()
	defer p.out.Unlock()
	if err := t.streamer.Seek(frame); err != nil {
		return fmt.Errorf("seek failed: %w", err)
	}
	return nil
}

// Position returns the decode position in milliseconds
func (p *Player) Position(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.track
	if t == nil {
		return 0, errors.New("no track loaded")
	}

	p.out.Lock()
	frame := t.streamer.Position()
	p.out.Unlock()
	return framesToMillis(t.format.SampleRate, frame), nil
}

// SetRate changes the playback speed by rescaling the resampler
func (p *Player) SetRate(ctx context.Context, rate float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rate = rate
	if t := p.track; t != nil {
		p.out.Lock()
		t.resampler.SetRatio(p.ratio(t.format))
		p.out.Unlock()
	}
	return nil
}

// SetVolume sets the output level in [0,1] on a logarithmic scale
func (p *Player) SetVolume(ctx context.Context, level float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.level = level
	if t := p.track; t != nil {
		p.out.Lock()
		applyLevel(t.volume, level)
		p.out.Unlock()
	}
	return nil
}

func applyLevel(v *effects.Volume, level float64) {
	if level <= 0 {
		v.Silent = true
		return
	}
	v.Silent = false
	v.Volume = math.Log2(level)
}

// TrackLengths returns the decoded length in milliseconds
func (p *Player) TrackLengths(ctx context.Context) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.track
	if t == nil {
		return nil, errors.New("no track loaded")
	}
	return []float64{framesToMillis(t.format.SampleRate, t.streamer.Len())}, nil
}

// Release removes the track from the output and closes it
func (p *Player) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked()
	return nil
}

func (p *Player) releaseLocked() {
	if p.track == nil {
		return
	}
	p.out.Clear()
	p.queued.Store(false)
	p.track.close()
	p.track = nil
}

// Close releases the track and shuts down the output
func (p *Player) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseLocked()
	if p.opened {
		p.out.Close()
		p.opened = false
	}
	p.rate = 1
	return nil
}

func framesToMillis(rate beep.SampleRate, frames int) float64 {
	return float64(frames) / float64(rate) * 1000
}
