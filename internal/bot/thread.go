package bot

import (
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
	"gemini-relay-bot/internal/service"
)

// DeletionMarker signals why a reply-thread history could not be fully
// reconstructed. It annotates the footer of the outgoing message.
type DeletionMarker int

const (
	// MarkerNone means the full history was reconstructed.
	MarkerNone DeletionMarker = iota

	// MarkerThreadDeleted means a message in the chain was deleted or the
	// referenced message could not be trusted; history is discarded.
	MarkerThreadDeleted

	// MarkerSlashCommand means the referenced message is a slash-command
	// response, which has no walkable reply chain.
	MarkerSlashCommand

	// MarkerChainTruncated means the walk hit the configured depth cap;
	// the oldest turns are missing.
	MarkerChainTruncated
)

func (m DeletionMarker) String() string {
	switch m {
	case MarkerThreadDeleted:
		return "threadDeleted"
	case MarkerSlashCommand:
		return "slashCommand"
	case MarkerChainTruncated:
		return "chainTruncated"
	default:
		return "none"
	}
}

// Footer prefixes the bot stamps on its own rendered messages. The gate and
// the reconstructor use them to recognize and parse prior bot output.
const (
	footerResponseTo     = "Response to message by"
	footerMessageDeleted = "A message has been deleted"
	footerThreadHistory  = "Reply thread history"
)

var trustedFooterPrefixes = []string{
	footerResponseTo,
	footerMessageDeleted,
	footerThreadHistory,
}

// messageLinkPattern matches Discord message links. Bot messages whose
// content is a link are quote relays, not rendered answers.
var messageLinkPattern = regexp.MustCompile(`https://(?:ptb\.|canary\.)?discord(?:app)?\.com/channels/\d+/\d+/\d+`)

// leadingMentionPattern matches a user-mention token at the start of a
// message, as produced by Discord reply pings.
var leadingMentionPattern = regexp.MustCompile(`^<@!?\d+>\s*`)

// MessageFetcher is the subset of the Discord session used to walk reply
// chains. *discordgo.Session satisfies it.
type MessageFetcher interface {
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// classifyReference decides whether the message an inbound reply references
// is worth walking. The referenced message's own author must be the bot,
// and any embed it carries must either bear a trusted footer or be a quote
// relay (content matches the message-link pattern). Anything else is a
// foreign or untrusted reference.
func classifyReference(ref *discordgo.Message, botID string) DeletionMarker {
	if ref == nil {
		return MarkerThreadDeleted
	}

	if ref.Interaction != nil {
		return MarkerSlashCommand
	}

	if ref.Author == nil || ref.Author.ID != botID {
		return MarkerThreadDeleted
	}

	// A plain-text bot message with no embeds is a legitimate mid-chain
	// message; no footer needed.
	if len(ref.Embeds) == 0 {
		return MarkerNone
	}

	if hasTrustedFooter(ref) || messageLinkPattern.MatchString(ref.Content) {
		return MarkerNone
	}

	return MarkerThreadDeleted
}

// hasTrustedFooter reports whether the first embed's footer starts with one
// of the bot's provenance prefixes.
func hasTrustedFooter(msg *discordgo.Message) bool {
	footer := embedFooterText(msg)
	if footer == "" {
		return false
	}
	for _, prefix := range trustedFooterPrefixes {
		if strings.HasPrefix(footer, prefix) {
			return true
		}
	}
	return false
}

func embedFooterText(msg *discordgo.Message) string {
	if len(msg.Embeds) == 0 || msg.Embeds[0].Footer == nil {
		return ""
	}
	return msg.Embeds[0].Footer.Text
}

func embedDescription(msg *discordgo.Message) string {
	if len(msg.Embeds) == 0 {
		return ""
	}
	return msg.Embeds[0].Description
}

// quotedUserText extracts the quoted original user message from a
// "Response to message by" footer. The footer's third line carries the
// quote.
func quotedUserText(msg *discordgo.Message) (string, bool) {
	footer := embedFooterText(msg)
	if !strings.HasPrefix(footer, footerResponseTo) {
		return "", false
	}
	lines := strings.Split(footer, "\n")
	if len(lines) < 3 {
		return "", false
	}
	return lines[2], true
}

// stripLeadingMention removes a mention token at the front of a user
// message so the transcript records only what the user said.
func stripLeadingMention(content string) string {
	return strings.TrimSpace(leadingMentionPattern.ReplaceAllString(content, ""))
}

// reconstructThread walks the reply chain backward from start, producing
// the conversation transcript oldest first. Each recovered turn is
// prepended, so the result is chronological despite the backward walk.
//
// The walk halts when the chain ends, when the cursor is a rendered bot
// answer (its embed footer already summarizes the preceding context), when
// the depth cap is hit, or when a referenced message turns out to be
// deleted. In the deleted case the accumulated transcript is discarded.
func (h *Handler) reconstructThread(f MessageFetcher, start *discordgo.Message, botID string) ([]service.Turn, DeletionMarker) {
	var turns []service.Turn
	cursor := start

	for depth := 0; cursor.MessageReference != nil && cursor.MessageReference.MessageID != ""; depth++ {
		if depth >= h.maxChainDepth {
			h.logger.Warn("Reply chain exceeds depth cap, truncating history",
				"message_id", start.ID,
				"max_depth", h.maxChainDepth)
			return turns, MarkerChainTruncated
		}

		// A bot message rendered as an embed answer terminates the walk:
		// its footer already carries the context that preceded it.
		if cursor.Author != nil && cursor.Author.ID == botID &&
			len(cursor.Embeds) > 0 && !messageLinkPattern.MatchString(cursor.Content) {
			break
		}

		refChannelID := cursor.MessageReference.ChannelID
		if refChannelID == "" {
			refChannelID = cursor.ChannelID
		}

		ref, err := f.ChannelMessage(refChannelID, cursor.MessageReference.MessageID)
		if err != nil {
			if isUnknownMessage(err) {
				h.logger.Info("Referenced message deleted, discarding thread history",
					"channel_id", refChannelID,
					"message_id", cursor.MessageReference.MessageID)
			} else {
				h.logger.Error("Failed to fetch referenced message",
					"error", err,
					"channel_id", refChannelID,
					"message_id", cursor.MessageReference.MessageID)
			}
			return nil, MarkerThreadDeleted
		}

		if ref.Author != nil && ref.Author.ID == botID {
			if quoted, ok := quotedUserText(ref); ok {
				// The rendered answer quotes the user message it answered;
				// recover both turns from the one message.
				turns = append([]service.Turn{
					{Role: service.RoleUser, Text: quoted},
					{Role: service.RoleModel, Text: embedDescription(ref)},
				}, turns...)
			} else {
				turns = append([]service.Turn{{Role: service.RoleModel, Text: ref.Content}}, turns...)
			}
		} else {
			turns = append([]service.Turn{{Role: service.RoleUser, Text: stripLeadingMention(ref.Content)}}, turns...)
		}

		cursor = ref
	}

	return turns, MarkerNone
}

// isUnknownMessage reports whether err is Discord's "Unknown Message"
// REST error, returned when the target was deleted.
func isUnknownMessage(err error) bool {
	restErr, ok := err.(*discordgo.RESTError)
	if !ok || restErr.Message == nil {
		return false
	}
	return restErr.Message.Code == discordgo.ErrCodeUnknownMessage
}
