package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// PromptUpdater keeps the bot's system instruction fresh from a remote source.
type PromptUpdater interface {
	SystemPromptSource

	Start(ctx context.Context) error
	Stop() error
	RefreshNow() error
	LastRefresh() time.Time
}

// PromptConfig configures an HTTPPromptUpdater.
type PromptConfig struct {
	RemoteURL       string
	LocalFilePath   string
	RefreshInterval time.Duration
	Enabled         bool
	HTTPTimeout     time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
}

// HTTPPromptUpdater periodically fetches the system prompt over HTTP and
// keeps a local copy so restarts work while the remote is unreachable.
type HTTPPromptUpdater struct {
	remoteURL       string
	localFilePath   string
	refreshInterval time.Duration
	enabled         bool
	retryAttempts   int
	retryDelay      time.Duration
	httpClient      *http.Client
	ticker          *time.Ticker
	stopChan        chan struct{}
	wg              sync.WaitGroup
	logger          *slog.Logger

	mu          sync.RWMutex
	prompt      string
	lastSuccess time.Time
}

// NewHTTPPromptUpdater creates a prompt updater from configuration.
func NewHTTPPromptUpdater(config PromptConfig, logger *slog.Logger) *HTTPPromptUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	u := &HTTPPromptUpdater{
		remoteURL:       config.RemoteURL,
		localFilePath:   config.LocalFilePath,
		refreshInterval: config.RefreshInterval,
		enabled:         config.Enabled,
		retryAttempts:   config.RetryAttempts,
		retryDelay:      config.RetryDelay,
		httpClient:      &http.Client{Timeout: config.HTTPTimeout},
		stopChan:        make(chan struct{}),
		logger:          logger,
	}

	// Seed from the local copy so the bot has an instruction before the
	// first successful fetch.
	if content, err := os.ReadFile(u.localFilePath); err == nil {
		u.prompt = strings.TrimSpace(string(content))
	}

	return u
}

// Prompt returns the current system instruction text.
func (u *HTTPPromptUpdater) Prompt() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.prompt
}

// LastRefresh returns the time of the last successful refresh.
func (u *HTTPPromptUpdater) LastRefresh() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastSuccess
}

// Start begins the periodic refresh loop.
func (u *HTTPPromptUpdater) Start(ctx context.Context) error {
	if !u.enabled {
		u.logger.Info("System prompt refresh service is disabled")
		return nil
	}

	u.logger.Info("Starting system prompt refresh service",
		slog.String("remote_url", u.remoteURL),
		slog.String("local_file", u.localFilePath),
		slog.Duration("interval", u.refreshInterval))

	u.ticker = time.NewTicker(u.refreshInterval)
	u.wg.Add(1)

	go func() {
		defer u.wg.Done()
		defer u.ticker.Stop()

		if err := u.RefreshNow(); err != nil {
			u.logger.Warn("Initial system prompt refresh failed", slog.Any("error", err))
		}

		for {
			select {
			case <-ctx.Done():
				u.logger.Info("System prompt refresh service stopping due to context cancellation")
				return
			case <-u.stopChan:
				u.logger.Info("System prompt refresh service stopping")
				return
			case <-u.ticker.C:
				if err := u.RefreshNow(); err != nil {
					u.logger.Warn("Periodic system prompt refresh failed", slog.Any("error", err))
				}
			}
		}
	}()

	return nil
}

// Stop halts the refresh loop and waits for it to exit.
func (u *HTTPPromptUpdater) Stop() error {
	if !u.enabled || u.ticker == nil {
		return nil
	}

	close(u.stopChan)
	u.wg.Wait()
	return nil
}

// RefreshNow fetches the remote prompt once and swaps it in on change.
func (u *HTTPPromptUpdater) RefreshNow() error {
	remote, err := u.fetchRemotePrompt()
	if err != nil {
		return fmt.Errorf("failed to fetch remote prompt: %w", err)
	}

	remote = strings.TrimSpace(remote)
	if remote == "" {
		return fmt.Errorf("remote prompt is empty")
	}

	u.mu.Lock()
	changed := remote != u.prompt
	u.prompt = remote
	u.lastSuccess = time.Now()
	u.mu.Unlock()

	if !changed {
		u.logger.Debug("System prompt unchanged, skipping local write")
		return nil
	}

	if err := u.writeLocalCopy(remote); err != nil {
		u.logger.Warn("Failed to persist system prompt locally", slog.Any("error", err))
	}

	u.logger.Info("System prompt updated", slog.Int("prompt_length", len(remote)))
	return nil
}

func (u *HTTPPromptUpdater) fetchRemotePrompt() (string, error) {
	var lastErr error

	for attempt := 0; attempt < u.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<attempt) * u.retryDelay
			u.logger.Info("Retrying prompt fetch after delay",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay))
			time.Sleep(delay)
		}

		resp, err := u.httpClient.Get(u.remoteURL)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			continue
		}

		return string(body), nil
	}

	return "", fmt.Errorf("failed after %d attempts: %w", u.retryAttempts, lastErr)
}

func (u *HTTPPromptUpdater) writeLocalCopy(content string) error {
	if u.localFilePath == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(u.localFilePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Atomic replace so a crash mid-write never truncates the copy.
	tmpFile := u.localFilePath + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpFile, u.localFilePath); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}
