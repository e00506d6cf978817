package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"gemini-relay-bot/internal/monitor"
	"gemini-relay-bot/internal/service"
	"gemini-relay-bot/internal/storage"
)

// HandlerConfig tunes per-request behavior.
type HandlerConfig struct {
	MaxChainDepth     int
	RequestTimeout    time.Duration
	AllowedChannelIDs []string
}

// Handler manages Discord event handling.
type Handler struct {
	logger          *slog.Logger
	aiService       service.AIService
	storage         storage.StorageService
	rateLimiter     *monitor.UserRateLimiter
	formatter       *ResponseFormatter
	status          StatusManager
	maxChainDepth   int
	requestTimeout  time.Duration
	allowedChannels map[string]struct{}
}

// NewHandler creates a new bot event handler.
func NewHandler(logger *slog.Logger, aiService service.AIService, storageService storage.StorageService, rateLimiter *monitor.UserRateLimiter, cfg HandlerConfig) *Handler {
	if cfg.MaxChainDepth <= 0 {
		cfg.MaxChainDepth = 50
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	var allowed map[string]struct{}
	if len(cfg.AllowedChannelIDs) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedChannelIDs))
		for _, id := range cfg.AllowedChannelIDs {
			allowed[id] = struct{}{}
		}
	}

	return &Handler{
		logger:          logger,
		aiService:       aiService,
		storage:         storageService,
		rateLimiter:     rateLimiter,
		formatter:       NewResponseFormatter(logger),
		maxChainDepth:   cfg.MaxChainDepth,
		requestTimeout:  cfg.RequestTimeout,
		allowedChannels: allowed,
	}
}

// SetStatusManager wires optional presence management.
func (h *Handler) SetStatusManager(status StatusManager) {
	h.status = status
}

// HandleMessageCreate processes incoming Discord messages and responds to
// mentions and replies to the bot's own messages.
func (h *Handler) HandleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Unexpected failures must never take the process down; one event's
	// panic is logged and swallowed.
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Recovered from panic in message handler",
				"panic", r,
				"message_id", m.ID,
				"channel_id", m.ChannelID)
		}
	}()

	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	if !h.channelAllowed(m.ChannelID) {
		return
	}

	botID := s.State.User.ID
	botMentioned := mentionsUser(m.Mentions, botID)

	isReply := m.MessageReference != nil && m.MessageReference.MessageID != ""
	ref := m.ReferencedMessage
	if isReply && ref == nil {
		// The gateway omits the referenced message in some cases (e.g. it
		// was deleted); try once so the gate can classify it.
		refChannelID := m.MessageReference.ChannelID
		if refChannelID == "" {
			refChannelID = m.ChannelID
		}
		fetched, err := s.ChannelMessage(refChannelID, m.MessageReference.MessageID)
		if err == nil {
			ref = fetched
		}
	}

	replyToBot := ref != nil && ref.Author != nil && ref.Author.ID == botID
	if !botMentioned && !replyToBot {
		return
	}

	query := h.extractQueryFromMention(m.Content, botID)
	if query == "" {
		h.logger.Info("Message triggered bot but carried no query text",
			"message_id", m.ID,
			"author", m.Author.Username)
		return
	}

	h.logger.Info("Processing message",
		"author", m.Author.Username,
		"channel_id", m.ChannelID,
		"message_id", m.ID,
		"is_reply", isReply,
		"bot_mentioned", botMentioned,
		"query_length", len(query))

	if result := h.rateLimiter.Check(m.Author.ID); !result.Allowed {
		h.logger.Info("User rate limited",
			"user_id", m.Author.ID,
			"window", result.TimeWindow,
			"count", result.CurrentCount)
		h.replyNotice(s, m, apiNotice{
			Title:       "Slow down",
			Description: result.UserFriendlyMsg,
			Color:       colorWarning,
		})
		return
	}

	h.processQuery(s, m, ref, isReply, query, botID)
}

// processQuery reconstructs the reply-thread history, calls the model, and
// renders the outcome onto a single loading message.
func (h *Handler) processQuery(s *discordgo.Session, m *discordgo.MessageCreate, ref *discordgo.Message, isReply bool, query, botID string) {
	loading, err := s.ChannelMessageSendComplex(m.ChannelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Description: "Thinking...",
			Color:       colorResponse,
		}},
		Reference: m.Reference(),
	})
	if err != nil {
		h.logger.Error("Failed to send loading message", "error", err, "channel_id", m.ChannelID)
		return
	}

	var history []service.Turn
	marker := MarkerNone
	if isReply {
		marker = classifyReference(ref, botID)
		if marker == MarkerNone {
			history, marker = h.reconstructThread(s, m.Message, botID)
		}
		h.logger.Info("Thread history reconstructed",
			"message_id", m.ID,
			"turns", len(history),
			"marker", marker.String())
	}

	response, err := h.generate(history, query)
	if err != nil {
		quota := h.formatter.FormatError(s, m.ChannelID, loading.ID, err, true)
		if !quota {
			h.recordChannelState(m)
			return
		}

		// One retry after the visible countdown.
		if h.status != nil {
			if statusErr := h.status.SetDoNotDisturb("API: Throttled"); statusErr != nil {
				h.logger.Warn("Failed to update presence for quota state", "error", statusErr)
			}
		}
		response, err = h.generate(history, query)
		if err != nil {
			h.formatter.FormatError(s, m.ChannelID, loading.ID, err, false)
			h.recordChannelState(m)
			return
		}
		if h.status != nil {
			if statusErr := h.status.SetOnline("API: Ready"); statusErr != nil {
				h.logger.Warn("Failed to restore presence", "error", statusErr)
			}
		}
	}

	if err := h.formatter.FormatSuccess(s, m.ChannelID, loading.ID, response, m.Author, query, marker); err != nil {
		h.logger.Error("Failed to render response", "error", err, "message_id", m.ID)
	} else {
		h.logger.Info("Response sent",
			"message_id", m.ID,
			"response_length", len(response),
			"marker", marker.String())
	}

	h.recordChannelState(m)
}

func (h *Handler) generate(history []service.Turn, query string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()
	return h.aiService.Generate(ctx, history, query)
}

// recordChannelState persists the last processed message so startup
// recovery can catch messages missed during downtime.
func (h *Handler) recordChannelState(m *discordgo.MessageCreate) {
	if h.storage == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state := &storage.ChannelState{
		ChannelID:         m.ChannelID,
		LastMessageID:     m.ID,
		LastSeenTimestamp: time.Now().Unix(),
	}
	if err := h.storage.UpsertChannelState(ctx, state); err != nil {
		h.logger.Warn("Failed to record channel state",
			"error", err,
			"channel_id", m.ChannelID,
			"message_id", m.ID)
	}
}

// RecoverMissedMessages reprocesses messages that arrived while the bot
// was down, for channels active within the recovery window.
func (h *Handler) RecoverMissedMessages(s *discordgo.Session, windowMinutes int) error {
	if h.storage == nil || windowMinutes <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	states, err := h.storage.GetChannelStatesWithinWindow(ctx, time.Duration(windowMinutes)*time.Minute)
	if err != nil {
		return fmt.Errorf("failed to load channel states: %w", err)
	}

	var firstErr error
	recovered := 0
	for _, state := range states {
		messages, err := s.ChannelMessages(state.ChannelID, 100, "", state.LastMessageID, "")
		if err != nil {
			h.logger.Warn("Failed to fetch missed messages",
				"error", err,
				"channel_id", state.ChannelID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		// Discord returns newest first; replay oldest first.
		for i := len(messages) - 1; i >= 0; i-- {
			msg := messages[i]
			if msg.Author == nil || msg.Author.Bot {
				continue
			}
			if !mentionsUser(msg.Mentions, s.State.User.ID) {
				continue
			}
			h.logger.Info("Recovering missed message",
				"channel_id", state.ChannelID,
				"message_id", msg.ID)
			h.HandleMessageCreate(s, &discordgo.MessageCreate{Message: msg})
			recovered++
		}
	}

	h.logger.Info("Message recovery finished",
		"channels", len(states),
		"recovered_messages", recovered)
	return firstErr
}

// extractQueryFromMention strips bot mention tokens from a message.
func (h *Handler) extractQueryFromMention(content string, botID string) string {
	mentionPatterns := []string{
		"<@" + botID + ">",
		"<@!" + botID + ">",
	}

	cleaned := content
	for _, pattern := range mentionPatterns {
		cleaned = strings.ReplaceAll(cleaned, pattern, "")
	}
	return strings.TrimSpace(cleaned)
}

func (h *Handler) channelAllowed(channelID string) bool {
	if h.allowedChannels == nil {
		return true
	}
	_, ok := h.allowedChannels[channelID]
	return ok
}

func (h *Handler) replyNotice(s *discordgo.Session, m *discordgo.MessageCreate, notice apiNotice) {
	_, err := s.ChannelMessageSendComplex(m.ChannelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       notice.Title,
			Description: notice.Description,
			Color:       notice.Color,
		}},
		Reference: m.Reference(),
	})
	if err != nil {
		h.logger.Error("Failed to send notice reply", "error", err, "channel_id", m.ChannelID)
	}
}

func mentionsUser(mentions []*discordgo.User, userID string) bool {
	for _, mention := range mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}
