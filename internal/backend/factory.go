// Package backend builds the media backend selected in the configuration.
package backend

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/jfmyers9/playmidi/internal/backend/mpv"
	"github.com/jfmyers9/playmidi/internal/backend/pcm"
	"github.com/jfmyers9/playmidi/internal/backend/sequencer"
	"github.com/jfmyers9/playmidi/internal/config"
	"github.com/jfmyers9/playmidi/internal/playback"
)

// Names lists the supported backends
var Names = []string{"sequencer", "pcm", "mpv"}

// New creates the backend named in cfg
func New(cfg *config.Config, fsys afero.Fs, logger zerolog.Logger) (playback.Backend, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))
	logger.Info().Str("backend", name).Msg("Creating media backend")

	switch name {
	case "", "sequencer":
		return sequencer.New(
			sequencer.WithFs(fsys),
			sequencer.WithDevice(cfg.Sequencer.Device),
			sequencer.WithLogger(logger),
		), nil
	case "pcm":
		return pcm.New(
			pcm.WithFs(fsys),
			pcm.WithSampleRate(cfg.PCM.SampleRate),
			pcm.WithBuffer(cfg.PCM.Buffer),
			pcm.WithLogger(logger),
		), nil
	case "mpv":
		return mpv.New(
			mpv.WithBinary(cfg.MPV.Path),
			mpv.WithSocket(cfg.MPV.Socket),
			mpv.WithLogger(logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (expected one of %s)", cfg.Backend, strings.Join(Names, ", "))
	}
}
