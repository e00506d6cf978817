package bot

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Discord message length policy. Responses longer than the limit are cut
// at truncateAt so the truncation notice still fits.
const (
	messageCharLimit = 2000
	truncateAt       = 1936
	truncationNotice = "\n\n*Response truncated to fit the message limit.*"
)

// Embed accent colors.
const (
	colorResponse = 0x5865F2
	colorWarning  = 0xFEE75C
	colorQuota    = 0xFAA61A
	colorError    = 0xED4245
)

// quotaCountdownSeconds is the visible wait before signaling the caller to
// retry a quota-limited request.
const quotaCountdownSeconds = 10

// mentionTokenPattern matches user and role mention tokens in model output.
var mentionTokenPattern = regexp.MustCompile(`<@&?\d+>`)

// apiNotice is a rendered notice for a known model-API failure signature.
type apiNotice struct {
	Title       string
	Description string
	Color       int
	Quota       bool
}

// apiNotices maps known failure signatures from the model API to
// user-facing notices. Matched by substring against the error text.
var apiNotices = []struct {
	signature string
	notice    apiNotice
}{
	{
		signature: "blocked due to SAFETY",
		notice: apiNotice{
			Title:       "Response blocked",
			Description: "The model declined to answer because the request or response tripped its safety filters. Try rephrasing your question.",
			Color:       colorWarning,
		},
	},
	{
		signature: "User location is not supported",
		notice: apiNotice{
			Title:       "Region not supported",
			Description: "The Gemini API is not available in the server's region.",
			Color:       colorError,
		},
	},
	{
		signature: "Resource has been exhausted",
		notice: apiNotice{
			Title:       "Quota exceeded",
			Description: "The Gemini API rate limit was hit. Waiting before retrying.",
			Color:       colorQuota,
			Quota:       true,
		},
	},
	{
		signature: "429",
		notice: apiNotice{
			Title:       "Quota exceeded",
			Description: "The Gemini API rate limit was hit. Waiting before retrying.",
			Color:       colorQuota,
			Quota:       true,
		},
	},
	{
		signature: "empty response",
		notice: apiNotice{
			Title:       "Empty response",
			Description: "The model returned no text for this request. Try asking again.",
			Color:       colorWarning,
		},
	},
	{
		signature: "500",
		notice: apiNotice{
			Title:       "Upstream error",
			Description: "The Gemini API hit an internal error. This is usually transient.",
			Color:       colorError,
		},
	},
}

// genericNotice renders errors that match no known signature.
var genericNotice = apiNotice{
	Title:       "Something went wrong",
	Description: "An unexpected error occurred while processing your request. Please try again later.",
	Color:       colorError,
}

var mentionMismatchNotice = apiNotice{
	Title:       "Response withheld",
	Description: "The generated response mentioned users or roles other than you, so it was not posted.",
	Color:       colorWarning,
}

// MessageEditor is the subset of the Discord session used to edit the
// loading message in place. *discordgo.Session satisfies it.
type MessageEditor interface {
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// ResponseFormatter renders model-call outcomes onto a single pre-existing
// loading message.
type ResponseFormatter struct {
	logger *slog.Logger
	sleep  func(time.Duration)
}

// NewResponseFormatter creates a response formatter.
func NewResponseFormatter(logger *slog.Logger) *ResponseFormatter {
	return &ResponseFormatter{
		logger: logger,
		sleep:  time.Sleep,
	}
}

// FormatSuccess renders the model response onto the loading message. The
// footer records provenance (requester and quoted prompt, or the deletion
// marker) so later replies can reconstruct this exchange.
func (f *ResponseFormatter) FormatSuccess(editor MessageEditor, channelID, messageID, responseText string, requester *discordgo.User, prompt string, marker DeletionMarker) error {
	if !f.mentionsAllowed(responseText, requester.ID) {
		f.logger.Warn("Response mentioned unauthorized users or roles, withholding",
			"requester_id", requester.ID)
		return f.editNotice(editor, channelID, messageID, mentionMismatchNotice, "")
	}

	responseText = truncateResponse(responseText)

	embed := &discordgo.MessageEmbed{
		Description: responseText,
		Color:       colorResponse,
		Footer: &discordgo.MessageEmbedFooter{
			Text: provenanceFooter(requester, prompt, marker),
		},
	}

	edit := discordgo.NewMessageEdit(channelID, messageID)
	empty := ""
	edit.Content = &empty
	edit.Embeds = &[]*discordgo.MessageEmbed{embed}

	if _, err := editor.ChannelMessageEditComplex(edit); err != nil {
		return fmt.Errorf("failed to edit response message: %w", err)
	}
	return nil
}

// FormatError renders a known or generic failure notice onto the loading
// message. For quota errors, when allowRetry is set it runs the visible
// countdown and reports true so the caller may retry the whole request
// once; otherwise the quota notice is rendered without a countdown.
func (f *ResponseFormatter) FormatError(editor MessageEditor, channelID, messageID string, err error, allowRetry bool) bool {
	notice := classifyError(err)

	f.logger.Info("Rendering model error notice",
		"title", notice.Title,
		"quota", notice.Quota,
		"error", err)

	if !notice.Quota || !allowRetry {
		if editErr := f.editNotice(editor, channelID, messageID, notice, ""); editErr != nil {
			f.logger.Error("Failed to edit error notice", "error", editErr)
		}
		return false
	}

	f.runQuotaCountdown(editor, channelID, messageID, notice)
	return true
}

// runQuotaCountdown edits the notice footer once per second with the
// remaining wait. The sleep between edits suspends only this request's
// goroutine; other in-flight requests are unaffected.
func (f *ResponseFormatter) runQuotaCountdown(editor MessageEditor, channelID, messageID string, notice apiNotice) {
	for remaining := quotaCountdownSeconds; remaining >= 1; remaining-- {
		footer := fmt.Sprintf("Retrying in %d seconds", remaining)
		if err := f.editNotice(editor, channelID, messageID, notice, footer); err != nil {
			f.logger.Warn("Failed to edit countdown notice", "error", err, "remaining", remaining)
		}
		f.sleep(time.Second)
	}
}

func (f *ResponseFormatter) editNotice(editor MessageEditor, channelID, messageID string, notice apiNotice, footer string) error {
	embed := &discordgo.MessageEmbed{
		Title:       notice.Title,
		Description: notice.Description,
		Color:       notice.Color,
	}
	if footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: footer}
	}

	edit := discordgo.NewMessageEdit(channelID, messageID)
	empty := ""
	edit.Content = &empty
	edit.Embeds = &[]*discordgo.MessageEmbed{embed}

	if _, err := editor.ChannelMessageEditComplex(edit); err != nil {
		return fmt.Errorf("failed to edit notice message: %w", err)
	}
	return nil
}

// mentionsAllowed reports whether every mention token in the response is
// exactly the requester's own mention. Anything else would let the model
// ping arbitrary users or roles.
func (f *ResponseFormatter) mentionsAllowed(responseText, requesterID string) bool {
	allowed := "<@" + requesterID + ">"
	for _, token := range mentionTokenPattern.FindAllString(responseText, -1) {
		if token != allowed {
			return false
		}
	}
	return true
}

// truncateResponse enforces the message length policy.
func truncateResponse(text string) string {
	runes := []rune(text)
	if len(runes) <= messageCharLimit {
		return text
	}
	return string(runes[:truncateAt]) + truncationNotice
}

// classifyError matches the error text against the known signature table.
func classifyError(err error) apiNotice {
	if err == nil {
		return genericNotice
	}
	text := err.Error()
	for _, entry := range apiNotices {
		if strings.Contains(text, entry.signature) {
			return entry.notice
		}
	}
	return genericNotice
}

// provenanceFooter builds the footer stamped on rendered answers. The
// reconstructor parses the "Response to message by" form (third line holds
// the quoted prompt); the marker forms tell the reader why history was
// incomplete.
func provenanceFooter(requester *discordgo.User, prompt string, marker DeletionMarker) string {
	switch marker {
	case MarkerThreadDeleted:
		return footerMessageDeleted + ", so the reply history could not be used."
	case MarkerSlashCommand:
		return footerThreadHistory + " is unavailable for slash-command responses."
	case MarkerChainTruncated:
		return footerThreadHistory + " was truncated to the most recent messages."
	default:
		return fmt.Sprintf("%s\n%s\n%s", footerResponseTo, requester.Username, sanitizeFooterLine(prompt))
	}
}

// sanitizeFooterLine keeps the quoted prompt on a single footer line so the
// third-line parse stays unambiguous.
func sanitizeFooterLine(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) > 180 {
		return string(runes[:177]) + "..."
	}
	return text
}
