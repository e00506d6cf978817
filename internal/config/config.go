package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, read from environment variables
// (optionally seeded from a .env file).
type Config struct {
	// Discord
	DiscordToken      string
	AllowedChannelIDs []string

	// Gemini
	GeminiAPIKey   string
	GeminiModel    string
	RequestTimeout time.Duration

	// Reply-chain reconstruction
	MaxChainDepth int

	// Per-user rate limiting
	RateLimitPerMinute int
	RateLimitPerDay    int

	// Storage
	DatabaseType          string // "sqlite" or "mysql"
	DatabasePath          string
	MySQLHost             string
	MySQLPort             int
	MySQLDatabase         string
	MySQLUsername         string
	MySQLPassword         string
	RecoveryWindowMinutes int

	// System prompt refresh
	PromptRemoteURL       string
	PromptLocalPath       string
	PromptRefreshInterval time.Duration
	PromptRefreshEnabled  bool

	// Presence management
	StatusUpdateEnabled  bool
	StatusUpdateInterval time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.DiscordToken = os.Getenv("BOT_TOKEN")
	if err := ValidateToken(cfg.DiscordToken); err != nil {
		return nil, fmt.Errorf("invalid BOT_TOKEN: %w", err)
	}

	cfg.GeminiAPIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	cfg.GeminiModel = envString("GEMINI_MODEL", "gemini-2.0-flash")

	var err error
	if cfg.RequestTimeout, err = envDuration("GEMINI_REQUEST_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}

	if cfg.MaxChainDepth, err = envPositiveInt("MAX_CHAIN_DEPTH", 50); err != nil {
		return nil, err
	}

	if cfg.RateLimitPerMinute, err = envPositiveInt("USER_RATE_LIMIT_PER_MINUTE", 5); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerDay, err = envPositiveInt("USER_RATE_LIMIT_PER_DAY", 100); err != nil {
		return nil, err
	}

	if raw := strings.TrimSpace(os.Getenv("ALLOWED_CHANNEL_IDS")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.AllowedChannelIDs = append(cfg.AllowedChannelIDs, id)
			}
		}
	}

	cfg.DatabaseType = envString("DATABASE_TYPE", "sqlite")
	switch cfg.DatabaseType {
	case "sqlite":
		cfg.DatabasePath = envString("DATABASE_PATH", "./data/bot_state.db")
	case "mysql":
		cfg.MySQLHost = envString("MYSQL_HOST", "localhost")
		if cfg.MySQLPort, err = envPositiveInt("MYSQL_PORT", 3306); err != nil {
			return nil, err
		}
		cfg.MySQLDatabase = os.Getenv("MYSQL_DATABASE")
		cfg.MySQLUsername = os.Getenv("MYSQL_USERNAME")
		cfg.MySQLPassword = os.Getenv("MYSQL_PASSWORD")
		if cfg.MySQLDatabase == "" || cfg.MySQLUsername == "" {
			return nil, fmt.Errorf("MYSQL_DATABASE and MYSQL_USERNAME are required when DATABASE_TYPE=mysql")
		}
	default:
		return nil, fmt.Errorf("invalid DATABASE_TYPE: %s (expected sqlite or mysql)", cfg.DatabaseType)
	}

	if cfg.RecoveryWindowMinutes, err = envNonNegativeInt("MESSAGE_RECOVERY_WINDOW_MINUTES", 5); err != nil {
		return nil, err
	}

	cfg.PromptRemoteURL = os.Getenv("SYSTEM_PROMPT_URL")
	cfg.PromptLocalPath = envString("SYSTEM_PROMPT_LOCAL_PATH", "./data/system_prompt.md")
	if cfg.PromptRefreshInterval, err = envDuration("SYSTEM_PROMPT_REFRESH_INTERVAL", 6*time.Hour); err != nil {
		return nil, err
	}
	cfg.PromptRefreshEnabled = cfg.PromptRemoteURL != ""

	if cfg.StatusUpdateEnabled, err = envBool("BOT_STATUS_UPDATE_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.StatusUpdateInterval, err = envDuration("BOT_STATUS_UPDATE_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.StatusUpdateInterval < time.Second {
		return nil, fmt.Errorf("BOT_STATUS_UPDATE_INTERVAL must be at least 1 second")
	}

	return cfg, nil
}

// ValidateToken validates the Discord bot token format and content.
func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("BOT_TOKEN environment variable is required")
	}

	token = strings.TrimSpace(token)
	if len(token) < 50 {
		return fmt.Errorf("token appears to be too short (expected at least 50 characters)")
	}

	// Discord bot tokens have 3 dot-separated parts
	if !strings.Contains(token, ".") {
		return fmt.Errorf("token format appears invalid (missing expected separators)")
	}

	return nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, raw)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive: %s", key, raw)
	}
	return v, nil
}

func envPositiveInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, raw)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive: %d", key, v)
	}
	return v, nil
}

func envNonNegativeInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must be non-negative: %d", key, v)
	}
	return v, nil
}
