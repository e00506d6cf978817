package bot

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEditor records every edit applied to the loading message.
type fakeEditor struct {
	edits []*discordgo.MessageEdit
}

func (f *fakeEditor) ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.edits = append(f.edits, m)
	return nil, nil
}

func (f *fakeEditor) lastEmbed(t *testing.T) *discordgo.MessageEmbed {
	t.Helper()
	require.NotEmpty(t, f.edits)
	last := f.edits[len(f.edits)-1]
	require.NotNil(t, last.Embeds)
	require.Len(t, *last.Embeds, 1)
	return (*last.Embeds)[0]
}

func newTestFormatter() *ResponseFormatter {
	f := NewResponseFormatter(slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.sleep = func(time.Duration) {}
	return f
}

func testRequester() *discordgo.User {
	return &discordgo.User{ID: "456", Username: "alice"}
}

func TestFormatSuccessShortResponse(t *testing.T) {
	f := newTestFormatter()
	editor := &fakeEditor{}

	err := f.FormatSuccess(editor, testChannelID, "load-1", "Go is fun.", testRequester(), "what is Go?", MarkerNone)
	require.NoError(t, err)

	embed := editor.lastEmbed(t)
	assert.Equal(t, "Go is fun.", embed.Description)
	require.NotNil(t, embed.Footer)
	lines := strings.Split(embed.Footer.Text, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, footerResponseTo, lines[0])
	assert.Equal(t, "alice", lines[1])
	assert.Equal(t, "what is Go?", lines[2])
}

func TestFormatSuccessTruncatesLongResponse(t *testing.T) {
	f := newTestFormatter()
	editor := &fakeEditor{}

	long := strings.Repeat("a", 2500)
	err := f.FormatSuccess(editor, testChannelID, "load-1", long, testRequester(), "q", MarkerNone)
	require.NoError(t, err)

	embed := editor.lastEmbed(t)
	assert.Equal(t, strings.Repeat("a", 1936)+truncationNotice, embed.Description)
}

func TestFormatSuccessExactLimitNotTruncated(t *testing.T) {
	f := newTestFormatter()
	editor := &fakeEditor{}

	text := strings.Repeat("b", 2000)
	err := f.FormatSuccess(editor, testChannelID, "load-1", text, testRequester(), "q", MarkerNone)
	require.NoError(t, err)

	assert.Equal(t, text, editor.lastEmbed(t).Description)
}

func TestFormatSuccessRejectsForeignMention(t *testing.T) {
	f := newTestFormatter()
	editor := &fakeEditor{}

	err := f.FormatSuccess(editor, testChannelID, "load-1", "hey <@123>!", testRequester(), "q", MarkerNone)
	require.NoError(t, err)

	embed := editor.lastEmbed(t)
	assert.Equal(t, mentionMismatchNotice.Title, embed.Title)
	assert.NotContains(t, embed.Description, "<@123>")
}

func TestFormatSuccessRejectsRoleMention(t *testing.T) {
	f := newTestFormatter()
	editor := &fakeEditor{}

	err := f.FormatSuccess(editor, testChannelID, "load-1", "ping <@&789>", testRequester(), "q", MarkerNone)
	require.NoError(t, err)

	assert.Equal(t, mentionMismatchNotice.Title, editor.lastEmbed(t).Title)
}

func TestFormatSuccessAllowsRequesterMention(t *testing.T) {
	f := newTestFormatter()
	editor := &fakeEditor{}

	err := f.FormatSuccess(editor, testChannelID, "load-1", "sure <@456>, here you go", testRequester(), "q", MarkerNone)
	require.NoError(t, err)

	assert.Equal(t, "sure <@456>, here you go", editor.lastEmbed(t).Description)
}

func TestFormatSuccessMarkerFooters(t *testing.T) {
	tests := []struct {
		marker DeletionMarker
		prefix string
	}{
		{MarkerThreadDeleted, footerMessageDeleted},
		{MarkerSlashCommand, footerThreadHistory},
		{MarkerChainTruncated, footerThreadHistory},
	}

	for _, tt := range tests {
		t.Run(tt.marker.String(), func(t *testing.T) {
			f := newTestFormatter()
			editor := &fakeEditor{}

			err := f.FormatSuccess(editor, testChannelID, "load-1", "answer", testRequester(), "q", tt.marker)
			require.NoError(t, err)

			embed := editor.lastEmbed(t)
			require.NotNil(t, embed.Footer)
			assert.True(t, strings.HasPrefix(embed.Footer.Text, tt.prefix))
		})
	}
}

// Every footer the formatter writes must be recognized by the gate, or the
// bot would refuse to walk chains built on its own messages.
func TestProvenanceFootersAreTrusted(t *testing.T) {
	markers := []DeletionMarker{MarkerNone, MarkerThreadDeleted, MarkerSlashCommand, MarkerChainTruncated}

	for _, marker := range markers {
		footer := provenanceFooter(testRequester(), "some question", marker)
		msg := botEmbedMsg("b1", "", "answer", footer)
		assert.True(t, hasTrustedFooter(msg), "marker %s produced unrecognized footer %q", marker, footer)
	}
}

func TestFormatErrorKnownSignatures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantTitle string
	}{
		{"safety block", errors.New("candidate was blocked due to SAFETY"), "Response blocked"},
		{"unsupported location", errors.New("400: User location is not supported for the API use"), "Region not supported"},
		{"empty response", errors.New("gemini returned an empty response"), "Empty response"},
		{"internal error", errors.New("googleapi: Error 500: internal error encountered"), "Upstream error"},
		{"unmatched", errors.New("something novel"), genericNotice.Title},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFormatter()
			editor := &fakeEditor{}

			quota := f.FormatError(editor, testChannelID, "load-1", tt.err, true)

			assert.False(t, quota)
			require.Len(t, editor.edits, 1)
			assert.Equal(t, tt.wantTitle, editor.lastEmbed(t).Title)
		})
	}
}

func TestFormatErrorQuotaCountdown(t *testing.T) {
	f := newTestFormatter()

	var slept int
	f.sleep = func(d time.Duration) {
		assert.Equal(t, time.Second, d)
		slept++
	}

	editor := &fakeEditor{}
	err := errors.New("googleapi: Error 429: Resource has been exhausted (e.g. check quota).")

	quota := f.FormatError(editor, testChannelID, "load-1", err, true)

	assert.True(t, quota)
	assert.Equal(t, quotaCountdownSeconds, slept)
	require.Len(t, editor.edits, quotaCountdownSeconds)

	for i, edit := range editor.edits {
		require.NotNil(t, edit.Embeds)
		embed := (*edit.Embeds)[0]
		require.NotNil(t, embed.Footer)
		assert.Equal(t, fmt.Sprintf("Retrying in %d seconds", quotaCountdownSeconds-i), embed.Footer.Text)
	}
}

func TestFormatErrorQuotaWithoutRetry(t *testing.T) {
	f := newTestFormatter()
	editor := &fakeEditor{}

	quota := f.FormatError(editor, testChannelID, "load-1", errors.New("429 Too Many Requests"), false)

	assert.False(t, quota)
	require.Len(t, editor.edits, 1)
	assert.Equal(t, "Quota exceeded", editor.lastEmbed(t).Title)
	assert.Nil(t, editor.lastEmbed(t).Footer)
}

func TestClassifyError(t *testing.T) {
	assert.True(t, classifyError(errors.New("Resource has been exhausted (e.g. check quota)")).Quota)
	assert.False(t, classifyError(errors.New("candidate was blocked due to SAFETY")).Quota)
	assert.Equal(t, genericNotice, classifyError(nil))
}

func TestSanitizeFooterLine(t *testing.T) {
	assert.Equal(t, "one two", sanitizeFooterLine("one\ntwo"))

	long := strings.Repeat("x", 200)
	sanitized := sanitizeFooterLine(long)
	assert.Len(t, []rune(sanitized), 180)
	assert.True(t, strings.HasSuffix(sanitized, "..."))
}
