package bot

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemini-relay-bot/internal/monitor"
	"gemini-relay-bot/internal/service"
	"gemini-relay-bot/internal/storage"
)

// MockAIService implements the AIService interface for testing.
type MockAIService struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     [][]service.Turn
}

func (m *MockAIService) Generate(ctx context.Context, history []service.Turn, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, history)
	idx := len(m.calls) - 1
	if idx < len(m.errs) && m.errs[idx] != nil {
		return "", m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return "default mock response", nil
}

func (m *MockAIService) ProviderID() string { return "mock" }

// mockStorage records channel state upserts in memory.
type mockStorage struct {
	mu     sync.Mutex
	states map[string]*storage.ChannelState
}

func newMockStorage() *mockStorage {
	return &mockStorage{states: make(map[string]*storage.ChannelState)}
}

func (m *mockStorage) Initialize(ctx context.Context) error { return nil }
func (m *mockStorage) Close() error                         { return nil }
func (m *mockStorage) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *mockStorage) GetChannelState(ctx context.Context, channelID string) (*storage.ChannelState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[channelID], nil
}

func (m *mockStorage) UpsertChannelState(ctx context.Context, state *storage.ChannelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ChannelID] = state
	return nil
}

func (m *mockStorage) GetChannelStatesWithinWindow(ctx context.Context, window time.Duration) ([]*storage.ChannelState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.ChannelState
	for _, s := range m.states {
		out = append(out, s)
	}
	return out, nil
}

func newHandlerWith(t *testing.T, ai service.AIService, store storage.StorageService, cfg HandlerConfig) *Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := monitor.NewUserRateLimiter(logger, 1000, 10000)
	return NewHandler(logger, ai, store, limiter, cfg)
}

func TestExtractQueryFromMention(t *testing.T) {
	h := newHandlerWith(t, &MockAIService{}, nil, HandlerConfig{})

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain mention", "<@9000> what is Go?", "what is Go?"},
		{"nickname mention", "<@!9000> what is Go?", "what is Go?"},
		{"mention in the middle", "hey <@9000>, got a minute?", "hey , got a minute?"},
		{"mention only", "<@9000>", ""},
		{"no mention", "just text", "just text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.extractQueryFromMention(tt.content, testBotID))
		})
	}
}

func TestChannelAllowed(t *testing.T) {
	open := newHandlerWith(t, &MockAIService{}, nil, HandlerConfig{})
	assert.True(t, open.channelAllowed("anything"))

	restricted := newHandlerWith(t, &MockAIService{}, nil, HandlerConfig{
		AllowedChannelIDs: []string{"chan-a", "chan-b"},
	})
	assert.True(t, restricted.channelAllowed("chan-a"))
	assert.False(t, restricted.channelAllowed("chan-c"))
}

func TestMentionsUser(t *testing.T) {
	mentions := []*discordgo.User{{ID: "1"}, {ID: testBotID}}
	assert.True(t, mentionsUser(mentions, testBotID))
	assert.False(t, mentionsUser(mentions, "nope"))
	assert.False(t, mentionsUser(nil, testBotID))
}

func TestRecordChannelState(t *testing.T) {
	store := newMockStorage()
	h := newHandlerWith(t, &MockAIService{}, store, HandlerConfig{})

	m := &discordgo.MessageCreate{Message: userMsg("msg-42", "", "hello")}
	h.recordChannelState(m)

	state, err := store.GetChannelState(context.Background(), testChannelID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "msg-42", state.LastMessageID)
	assert.NotZero(t, state.LastSeenTimestamp)
}

func TestRecordChannelStateWithoutStorage(t *testing.T) {
	h := newHandlerWith(t, &MockAIService{}, nil, HandlerConfig{})

	// Must be a no-op, not a panic.
	h.recordChannelState(&discordgo.MessageCreate{Message: userMsg("msg-1", "", "x")})
}

func TestNewHandlerDefaults(t *testing.T) {
	h := newHandlerWith(t, &MockAIService{}, nil, HandlerConfig{})
	assert.Equal(t, 50, h.maxChainDepth)
	assert.Equal(t, 60*time.Second, h.requestTimeout)
	assert.Nil(t, h.allowedChannels)
}

func TestGenerateUsesHistory(t *testing.T) {
	ai := &MockAIService{responses: []string{"ok"}}
	h := newHandlerWith(t, ai, nil, HandlerConfig{RequestTimeout: time.Second})

	history := []service.Turn{
		{Role: service.RoleUser, Text: "earlier question"},
		{Role: service.RoleModel, Text: "earlier answer"},
	}
	resp, err := h.generate(history, "new question")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	require.Len(t, ai.calls, 1)
	assert.Equal(t, history, ai.calls[0])
}
