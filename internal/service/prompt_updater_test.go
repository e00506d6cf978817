package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUpdater(t *testing.T, remoteURL string) *HTTPPromptUpdater {
	t.Helper()
	return NewHTTPPromptUpdater(PromptConfig{
		RemoteURL:       remoteURL,
		LocalFilePath:   filepath.Join(t.TempDir(), "prompt.md"),
		RefreshInterval: time.Hour,
		Enabled:         true,
		HTTPTimeout:     5 * time.Second,
		RetryAttempts:   1,
	}, nil)
}

func TestRefreshNowUpdatesPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("You are a helpful assistant.\n"))
	}))
	defer server.Close()

	u := newTestUpdater(t, server.URL)

	require.NoError(t, u.RefreshNow())
	assert.Equal(t, "You are a helpful assistant.", u.Prompt())
	assert.False(t, u.LastRefresh().IsZero())
}

func TestRefreshNowPersistsLocalCopy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("persisted prompt"))
	}))
	defer server.Close()

	u := newTestUpdater(t, server.URL)
	require.NoError(t, u.RefreshNow())

	content, err := os.ReadFile(u.localFilePath)
	require.NoError(t, err)
	assert.Equal(t, "persisted prompt", string(content))
}

func TestNewUpdaterSeedsFromLocalCopy(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "prompt.md")
	require.NoError(t, os.WriteFile(local, []byte("seeded prompt\n"), 0644))

	u := NewHTTPPromptUpdater(PromptConfig{
		RemoteURL:     "http://unused.invalid",
		LocalFilePath: local,
		Enabled:       true,
	}, nil)

	assert.Equal(t, "seeded prompt", u.Prompt())
}

func TestRefreshNowServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	u := newTestUpdater(t, server.URL)

	err := u.RefreshNow()
	assert.Error(t, err)
	assert.Empty(t, u.Prompt())
}

func TestRefreshNowRejectsEmptyPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("   \n"))
	}))
	defer server.Close()

	u := newTestUpdater(t, server.URL)
	assert.Error(t, u.RefreshNow())
}

func TestStartDisabledIsNoop(t *testing.T) {
	u := NewHTTPPromptUpdater(PromptConfig{Enabled: false}, nil)
	require.NoError(t, u.Start(context.Background()))
	require.NoError(t, u.Stop())
}

func TestStartRefreshesPeriodically(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("periodic prompt"))
	}))
	defer server.Close()

	u := NewHTTPPromptUpdater(PromptConfig{
		RemoteURL:       server.URL,
		LocalFilePath:   filepath.Join(t.TempDir(), "prompt.md"),
		RefreshInterval: 20 * time.Millisecond,
		Enabled:         true,
		HTTPTimeout:     time.Second,
		RetryAttempts:   1,
	}, nil)

	require.NoError(t, u.Start(context.Background()))
	defer u.Stop()

	assert.Eventually(t, func() bool {
		return hits.Load() >= 2 && u.Prompt() == "periodic prompt"
	}, 2*time.Second, 10*time.Millisecond)
}
