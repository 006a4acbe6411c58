// Package history records which tracks were loaded, played and completed.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfmyers9/playmidi/internal/playback"
)

const writeTimeout = 5 * time.Second

// Recorder writes controller lifecycle events to a Store.
// Write failures are logged and never reach the controller.
type Recorder struct {
	store   *Store
	session string
	backend string
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	current int64 // id of the loaded track's row, 0 when none
}

var _ playback.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder with a fresh session id
func NewRecorder(store *Store, backend string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		session: uuid.NewString(),
		backend: backend,
		logger:  logger.With().Str("component", "history").Logger(),
		now:     time.Now,
	}
}

// Session returns the id shared by every row this recorder writes
func (r *Recorder) Session() string {
	return r.session
}

// TrackLoaded adds a row for the new track
func (r *Recorder) TrackLoaded(t playback.Track) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	id, err := r.store.Add(ctx, Entry{
		SessionID: r.session,
		Source:    t.Source,
		Backend:   r.backend,
		Duration:  time.Duration(t.Duration * float64(time.Second)),
		LoadedAt:  r.now(),
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("source", t.Source).Msg("Failed to record load")
		id = 0
	}

	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
}

// StateChanged counts plays and tracks the latest state
func (r *Recorder) StateChanged(from, to playback.State) {
	r.mu.Lock()
	id := r.current
	if to == playback.StateUninitialized {
		r.current = 0
	}
	r.mu.Unlock()

	if id == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	if to == playback.StatePlaying && from != playback.StatePlaying {
		err = r.store.MarkPlayed(ctx, id)
	} else {
		err = r.store.SetState(ctx, id, to.String())
	}
	if err != nil {
		r.logger.Warn().Err(err).Int64("id", id).Msg("Failed to record state")
	}
}

// TrackCompleted counts a completion
func (r *Recorder) TrackCompleted(t playback.Track) {
	r.mu.Lock()
	id := r.current
	r.mu.Unlock()

	if id == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.MarkCompleted(ctx, id); err != nil {
		r.logger.Warn().Err(err).Int64("id", id).Msg("Failed to record completion")
	}
}
