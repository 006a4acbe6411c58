package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store keeps a persistent log of loaded tracks using SQLite
type Store struct {
	db *sql.DB
}

// Entry is one load of a track
type Entry struct {
	ID             int64
	SessionID      string
	Source         string
	Backend        string
	Duration       time.Duration
	LoadedAt       time.Time
	PlayCount      int
	CompletedCount int
	LastState      string
}

// Open opens or creates a history database
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps in-memory databases consistent
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000", // Wait up to 10 seconds on lock
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL", // The CLI reads while the daemon writes
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS plays (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			source TEXT NOT NULL,
			backend TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			loaded_at INTEGER NOT NULL,
			play_count INTEGER NOT NULL DEFAULT 0,
			completed_count INTEGER NOT NULL DEFAULT 0,
			last_state TEXT NOT NULL DEFAULT 'stopped'
		);

		CREATE INDEX IF NOT EXISTS idx_loaded_at ON plays(loaded_at);
		CREATE INDEX IF NOT EXISTS idx_source ON plays(source);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Add records a load and returns its id
func (s *Store) Add(ctx context.Context, e Entry) (int64, error) {
	query := `
		INSERT INTO plays (session_id, source, backend, duration_ms, loaded_at, last_state)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	lastState := e.LastState
	if lastState == "" {
		lastState = "stopped"
	}

	result, err := s.db.ExecContext(ctx, query,
		e.SessionID,
		e.Source,
		e.Backend,
		e.Duration.Milliseconds(),
		e.LoadedAt.UnixMilli(),
		lastState,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert play: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get insert id: %w", err)
	}

	return id, nil
}

// MarkPlayed increments the play count and records the playing state
func (s *Store) MarkPlayed(ctx context.Context, id int64) error {
	return s.update(ctx, id, "play_count = play_count + 1, last_state = 'playing'")
}

// MarkCompleted increments the completion count
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	return s.update(ctx, id, "completed_count = completed_count + 1")
}

// SetState records the latest state of a load
func (s *Store) SetState(ctx context.Context, id int64, state string) error {
	query := `UPDATE plays SET last_state = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, state, id)
	if err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}
	return checkAffected(result, id)
}

func (s *Store) update(ctx context.Context, id int64, set string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE plays SET "+set+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to update play: %w", err)
	}
	return checkAffected(result, id)
}

func checkAffected(result sql.Result, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("play with id %d not found", id)
	}

	return nil
}

// Recent returns the latest loads, newest first
// Optionally limits the number of results
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	query := `
		SELECT id, session_id, source, backend, duration_ms, loaded_at,
			play_count, completed_count, last_state
		FROM plays
		ORDER BY loaded_at DESC, id DESC
	`

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query plays: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var durationMs int64
		var loadedAtMs int64

		err := rows.Scan(
			&e.ID,
			&e.SessionID,
			&e.Source,
			&e.Backend,
			&durationMs,
			&loadedAtMs,
			&e.PlayCount,
			&e.CompletedCount,
			&e.LastState,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan play: %w", err)
		}

		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.LoadedAt = time.UnixMilli(loadedAtMs)

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plays: %w", err)
	}

	return entries, nil
}

// Cleanup removes loads older than maxAge to prevent unbounded growth
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	result, err := s.db.ExecContext(ctx, `DELETE FROM plays WHERE loaded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old plays: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

// Count returns the number of recorded loads
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM plays").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count plays: %w", err)
	}
	return count, nil
}
