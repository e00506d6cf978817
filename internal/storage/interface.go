package storage

import (
	"context"
	"time"
)

// ChannelState records the last processed message for a Discord channel,
// used on startup to recover messages missed during downtime.
type ChannelState struct {
	ID                int64  `db:"id"`                  // Primary key, auto-increment
	ChannelID         string `db:"channel_id"`          // Discord channel ID (required)
	LastMessageID     string `db:"last_message_id"`     // ID of the last processed message
	LastSeenTimestamp int64  `db:"last_seen_timestamp"` // Unix timestamp of last processed message
	CreatedAt         int64  `db:"created_at"`          // Record creation timestamp
	UpdatedAt         int64  `db:"updated_at"`          // Record last update timestamp
}

// StorageService defines the interface for channel state persistence.
type StorageService interface {
	// Initialize sets up the database connection and creates necessary tables
	Initialize(ctx context.Context) error

	// Close closes the database connection
	Close() error

	// GetChannelState retrieves the last seen message state for a channel
	GetChannelState(ctx context.Context, channelID string) (*ChannelState, error)

	// UpsertChannelState creates or updates the message state for a channel
	UpsertChannelState(ctx context.Context, state *ChannelState) error

	// GetChannelStatesWithinWindow retrieves states updated within the window,
	// for startup message recovery
	GetChannelStatesWithinWindow(ctx context.Context, window time.Duration) ([]*ChannelState, error)

	// HealthCheck verifies that the database connection is working
	HealthCheck(ctx context.Context) error
}
