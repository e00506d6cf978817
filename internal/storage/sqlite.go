package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStorageService implements StorageService using SQLite.
type SQLiteStorageService struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStorageService creates a new SQLite storage service.
func NewSQLiteStorageService(dbPath string) *SQLiteStorageService {
	return &SQLiteStorageService{dbPath: dbPath}
}

// Initialize sets up the database connection and creates necessary tables.
func (s *SQLiteStorageService) Initialize(ctx context.Context) error {
	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", s.dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=1")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(time.Hour)

	if err := s.createTables(ctx); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

func (s *SQLiteStorageService) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS channel_state (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL UNIQUE,
		last_message_id TEXT NOT NULL,
		last_seen_timestamp INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_channel_state_updated_at ON channel_state(updated_at);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStorageService) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetChannelState retrieves the last seen message state for a channel.
func (s *SQLiteStorageService) GetChannelState(ctx context.Context, channelID string) (*ChannelState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, last_message_id, last_seen_timestamp, created_at, updated_at
		 FROM channel_state WHERE channel_id = ?`, channelID)

	state := &ChannelState{}
	err := row.Scan(&state.ID, &state.ChannelID, &state.LastMessageID,
		&state.LastSeenTimestamp, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query channel state: %w", err)
	}
	return state, nil
}

// UpsertChannelState creates or updates the message state for a channel.
func (s *SQLiteStorageService) UpsertChannelState(ctx context.Context, state *ChannelState) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_state (channel_id, last_message_id, last_seen_timestamp, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_seen_timestamp = excluded.last_seen_timestamp,
			updated_at = excluded.updated_at`,
		state.ChannelID, state.LastMessageID, state.LastSeenTimestamp, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert channel state: %w", err)
	}
	return nil
}

// GetChannelStatesWithinWindow retrieves states updated within the window.
func (s *SQLiteStorageService) GetChannelStatesWithinWindow(ctx context.Context, window time.Duration) ([]*ChannelState, error) {
	cutoff := time.Now().Add(-window).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, last_message_id, last_seen_timestamp, created_at, updated_at
		 FROM channel_state WHERE updated_at >= ? ORDER BY updated_at DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel states: %w", err)
	}
	defer rows.Close()

	var states []*ChannelState
	for rows.Next() {
		state := &ChannelState{}
		if err := rows.Scan(&state.ID, &state.ChannelID, &state.LastMessageID,
			&state.LastSeenTimestamp, &state.CreatedAt, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel state: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channel states: %w", err)
	}
	return states, nil
}

// HealthCheck verifies that the database connection is working.
func (s *SQLiteStorageService) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
