package history

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfmyers9/playmidi/internal/playback"
)

func TestRecorderLifecycle(t *testing.T) {
	store := createTestStore(t)
	r := NewRecorder(store, "sequencer", zerolog.Nop())
	ctx := context.Background()

	if _, err := uuid.Parse(r.Session()); err != nil {
		t.Fatalf("session id is not a uuid: %v", err)
	}

	track := playback.Track{Source: "assets/theme.mid", Path: "/www/theme.mid", Duration: 90.5}
	r.TrackLoaded(track)
	r.StateChanged(playback.StateStopped, playback.StateStopped)
	r.StateChanged(playback.StateStopped, playback.StatePlaying)
	r.StateChanged(playback.StatePlaying, playback.StatePaused)
	r.StateChanged(playback.StatePaused, playback.StatePlaying)
	r.TrackCompleted(track)
	r.StateChanged(playback.StatePlaying, playback.StateStopped)

	entries, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("failed to get recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	e := entries[0]
	if e.Source != "assets/theme.mid" || e.Backend != "sequencer" || e.SessionID != r.Session() {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Duration.Milliseconds() != 90500 {
		t.Errorf("expected duration 90.5s, got %v", e.Duration)
	}
	if e.PlayCount != 2 {
		t.Errorf("expected 2 plays, got %d", e.PlayCount)
	}
	if e.CompletedCount != 1 {
		t.Errorf("expected 1 completion, got %d", e.CompletedCount)
	}
	if e.LastState != "stopped" {
		t.Errorf("expected last state stopped, got %q", e.LastState)
	}
}

func TestRecorderIgnoresEventsWithoutTrack(t *testing.T) {
	store := createTestStore(t)
	r := NewRecorder(store, "pcm", zerolog.Nop())

	r.StateChanged(playback.StateUninitialized, playback.StateStopped)
	r.TrackCompleted(playback.Track{Source: "x"})

	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no rows, got %d", count)
	}
}

func TestRecorderForgetsTrackOnDispose(t *testing.T) {
	store := createTestStore(t)
	r := NewRecorder(store, "pcm", zerolog.Nop())

	r.TrackLoaded(playback.Track{Source: "a.wav"})
	r.StateChanged(playback.StateStopped, playback.StateUninitialized)
	r.StateChanged(playback.StateUninitialized, playback.StateStopped)

	entries, err := store.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("failed to get recent: %v", err)
	}
	if entries[0].LastState != "uninitialized" {
		t.Errorf("expected last state uninitialized, got %q", entries[0].LastState)
	}
}
