package bot

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// PresenceUpdater is the subset of the Discord session used for presence
// management. *discordgo.Session satisfies it.
type PresenceUpdater interface {
	UpdateStatusComplex(data discordgo.UpdateStatusData) error
}

// StatusManager surfaces API health through the bot's Discord presence.
type StatusManager interface {
	// SetOnline sets the bot status to Online (green) with custom activity
	SetOnline(activity string) error

	// SetIdle sets the bot status to Idle (yellow) with custom activity
	SetIdle(activity string) error

	// SetDoNotDisturb sets the bot status to Do Not Disturb (red) with custom activity
	SetDoNotDisturb(activity string) error
}

// DiscordStatusManager implements StatusManager with debounced presence
// updates so quota churn does not spam the gateway.
type DiscordStatusManager struct {
	session          PresenceUpdater
	logger           *slog.Logger
	mutex            sync.Mutex
	currentStatus    discordgo.Status
	lastUpdate       time.Time
	debounceInterval time.Duration
}

// NewDiscordStatusManager creates a new Discord status manager.
func NewDiscordStatusManager(session PresenceUpdater, logger *slog.Logger) *DiscordStatusManager {
	return &DiscordStatusManager{
		session:          session,
		logger:           logger,
		currentStatus:    discordgo.StatusOnline,
		debounceInterval: 30 * time.Second,
	}
}

// SetDebounceInterval configures the minimum time between presence updates.
func (dsm *DiscordStatusManager) SetDebounceInterval(interval time.Duration) {
	dsm.mutex.Lock()
	defer dsm.mutex.Unlock()
	dsm.debounceInterval = interval
}

// SetOnline sets the bot status to Online (green) with custom activity.
func (dsm *DiscordStatusManager) SetOnline(activity string) error {
	return dsm.update(discordgo.StatusOnline, activity)
}

// SetIdle sets the bot status to Idle (yellow) with custom activity.
func (dsm *DiscordStatusManager) SetIdle(activity string) error {
	return dsm.update(discordgo.StatusIdle, activity)
}

// SetDoNotDisturb sets the bot status to Do Not Disturb (red) with custom activity.
func (dsm *DiscordStatusManager) SetDoNotDisturb(activity string) error {
	return dsm.update(discordgo.StatusDoNotDisturb, activity)
}

func (dsm *DiscordStatusManager) update(status discordgo.Status, activity string) error {
	dsm.mutex.Lock()
	defer dsm.mutex.Unlock()

	// Same status within the debounce window is a no-op.
	if status == dsm.currentStatus && time.Since(dsm.lastUpdate) < dsm.debounceInterval {
		dsm.logger.Debug("Presence update debounced",
			"status", status,
			"time_since_last", time.Since(dsm.lastUpdate))
		return nil
	}

	err := dsm.session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status: string(status),
		Activities: []*discordgo.Activity{{
			Name: activity,
			Type: discordgo.ActivityTypeGame,
		}},
	})
	if err != nil {
		dsm.logger.Error("Failed to update Discord presence",
			"status", status,
			"activity", activity,
			"error", err)
		return fmt.Errorf("failed to update Discord presence: %w", err)
	}

	dsm.currentStatus = status
	dsm.lastUpdate = time.Now()
	dsm.logger.Info("Discord presence updated",
		"status", status,
		"activity", activity)
	return nil
}
