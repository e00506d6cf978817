package monitor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
)

// Time windows tracked per user.
const (
	windowMinute = time.Minute
	windowDay    = 24 * time.Hour
)

// RateLimitResult represents the result of a rate limit check.
type RateLimitResult struct {
	Allowed           bool
	TimeWindow        string
	CurrentCount      int
	WindowLimit       int
	NextAvailableTime time.Time
	UserFriendlyMsg   string
}

// UserRateLimiter enforces per-user request caps over fixed windows. The
// counters live in an expiring in-memory cache and reset on restart.
type UserRateLimiter struct {
	counters    *cache.Cache
	logger      *slog.Logger
	minuteLimit int
	dayLimit    int
}

// NewUserRateLimiter creates a user rate limiter with the given per-minute
// and per-day limits.
func NewUserRateLimiter(logger *slog.Logger, minuteLimit, dayLimit int) *UserRateLimiter {
	return &UserRateLimiter{
		counters:    cache.New(windowDay, 10*time.Minute),
		logger:      logger,
		minuteLimit: minuteLimit,
		dayLimit:    dayLimit,
	}
}

// Check records one request for the user and reports whether it is within
// both window limits. The request is counted even when denied, matching a
// fixed-window policy.
func (l *UserRateLimiter) Check(userID string) *RateLimitResult {
	windows := []struct {
		name   string
		window time.Duration
		limit  int
	}{
		{"minute", windowMinute, l.minuteLimit},
		{"day", windowDay, l.dayLimit},
	}

	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}

		count := l.increment(w.name+":"+userID, w.window)
		if count > w.limit {
			reset := time.Now().Add(w.window)
			l.logger.Debug("User rate limit exceeded",
				"user_id", userID,
				"window", w.name,
				"current_count", count,
				"limit", w.limit)

			return &RateLimitResult{
				Allowed:           false,
				TimeWindow:        w.name,
				CurrentCount:      count,
				WindowLimit:       w.limit,
				NextAvailableTime: reset,
				UserFriendlyMsg: fmt.Sprintf(
					"You've hit the %d-requests-per-%s limit. Please wait a bit before asking again.",
					w.limit, w.name),
			}
		}
	}

	return &RateLimitResult{Allowed: true}
}

// increment bumps the window counter, creating it with the window's
// expiration on first use. Expiration is not extended on increment, which
// is what makes the window fixed rather than sliding.
func (l *UserRateLimiter) increment(key string, window time.Duration) int {
	if err := l.counters.Add(key, 1, window); err == nil {
		return 1
	}

	count, err := l.counters.IncrementInt(key, 1)
	if err != nil {
		// Counter expired between Add and Increment; start a new window.
		l.counters.Set(key, 1, window)
		return 1
	}
	return count
}

// UpdateLimits replaces the configured limits.
func (l *UserRateLimiter) UpdateLimits(minuteLimit, dayLimit int) {
	l.minuteLimit = minuteLimit
	l.dayLimit = dayLimit
	l.logger.Info("Updated user rate limits",
		"minute_limit", minuteLimit,
		"day_limit", dayLimit)
}
