package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmatts/parley/internal/domain"
	"github.com/jmatts/parley/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS channel_activity (
		channel_id TEXT PRIMARY KEY,
		last_bot_post INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		status TEXT NOT NULL,
		prompt_chars INTEGER NOT NULL,
		units INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_responses_created ON responses(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetChannelActivity retrieves the activity record for a channel.
func (s *SQLiteStore) GetChannelActivity(ctx context.Context, channelID string) (*domain.ChannelActivity, error) {
	query := `SELECT channel_id, last_bot_post, updated_at FROM channel_activity WHERE channel_id = ?`

	row := s.db.QueryRowContext(ctx, query, channelID)

	var activity domain.ChannelActivity
	var lastBotPost, updatedAt int64

	err := row.Scan(&activity.ChannelID, &lastBotPost, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel activity row: %w", err)
	}

	activity.LastBotPost = time.Unix(lastBotPost, 0)
	activity.UpdatedAt = time.Unix(updatedAt, 0)

	return &activity, nil
}

// UpsertChannelActivity creates or updates a channel's activity record.
// Retries on SQLITE_BUSY since it is called from delivery goroutines.
func (s *SQLiteStore) UpsertChannelActivity(ctx context.Context, activity *domain.ChannelActivity) error {
	query := `
	INSERT INTO channel_activity (channel_id, last_bot_post, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(channel_id) DO UPDATE SET
		last_bot_post = excluded.last_bot_post,
		updated_at = excluded.updated_at`

	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		_, err := s.db.ExecContext(ctx, query,
			activity.ChannelID, activity.LastBotPost.Unix(), time.Now().Unix(),
		)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
				slog.Debug("UpsertChannelActivity failed with SQLITE_BUSY, retrying",
					"channel_id", activity.ChannelID,
					"attempt", i+1,
					"delay", delay)
				time.Sleep(delay)
				continue
			}
		}

		return fmt.Errorf("upsert channel activity: %w", err)
	}

	return nil
}

// ListChannelActivity returns all known activity records.
func (s *SQLiteStore) ListChannelActivity(ctx context.Context) ([]*domain.ChannelActivity, error) {
	query := `SELECT channel_id, last_bot_post, updated_at FROM channel_activity`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query channel activity: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close channel activity rows", "error", closeErr)
		}
	}()

	var activities []*domain.ChannelActivity
	for rows.Next() {
		var activity domain.ChannelActivity
		var lastBotPost, updatedAt int64

		if err := rows.Scan(&activity.ChannelID, &lastBotPost, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan channel activity row: %w", err)
		}

		activity.LastBotPost = time.Unix(lastBotPost, 0)
		activity.UpdatedAt = time.Unix(updatedAt, 0)
		activities = append(activities, &activity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel activity: %w", err)
	}

	return activities, nil
}

// RecordResponse appends one response outcome.
func (s *SQLiteStore) RecordResponse(ctx context.Context, record *domain.ResponseRecord) error {
	query := `
	INSERT INTO responses (channel_id, status, prompt_chars, units, latency_ms, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		record.ChannelID, record.Status, record.PromptChars,
		record.Units, record.LatencyMS, record.DurationMS,
		createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record response: %w", err)
	}
	return nil
}

// PruneResponses deletes response records older than the retention window.
func (s *SQLiteStore) PruneResponses(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM responses WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune responses: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
