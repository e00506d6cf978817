package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLConfig holds MySQL connection parameters.
type MySQLConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

// DSN builds the driver connection string.
func (c MySQLConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Timeout = c.Timeout
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// MySQLStorageService implements StorageService using MySQL, for
// deployments where the bot's state must survive container replacement.
type MySQLStorageService struct {
	db     *sql.DB
	config MySQLConfig
}

// NewMySQLStorageService creates a new MySQL storage service.
func NewMySQLStorageService(config MySQLConfig) *MySQLStorageService {
	return &MySQLStorageService{config: config}
}

// Initialize sets up the database connection and creates necessary tables.
func (s *MySQLStorageService) Initialize(ctx context.Context) error {
	db, err := sql.Open("mysql", s.config.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(time.Hour)

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := s.createTables(ctx); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

func (s *MySQLStorageService) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS channel_state (
		id BIGINT PRIMARY KEY AUTO_INCREMENT,
		channel_id VARCHAR(32) NOT NULL UNIQUE,
		last_message_id VARCHAR(32) NOT NULL,
		last_seen_timestamp BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		INDEX idx_channel_state_updated_at (updated_at)
	)`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *MySQLStorageService) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetChannelState retrieves the last seen message state for a channel.
func (s *MySQLStorageService) GetChannelState(ctx context.Context, channelID string) (*ChannelState, error) {
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
func (s *MySQLStorageService) UpsertChannelState(ctx context.Context, state *ChannelState) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_state (channel_id, last_message_id, last_seen_timestamp, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
			last_message_id = VALUES(last_message_id),
			last_seen_timestamp = VALUES(last_seen_timestamp),
			updated_at = VALUES(updated_at)`,
		state.ChannelID, state.LastMessageID, state.LastSeenTimestamp, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert channel state: %w", err)
	}
	return nil
}

// GetChannelStatesWithinWindow retrieves states updated within the window.
func (s *MySQLStorageService) GetChannelStatesWithinWindow(ctx context.Context, window time.Duration) ([]*ChannelState, error) {
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
func (s *MySQLStorageService) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
