// Copyright 2024-2026 Aiku AI

package discordfmt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

type fakeResolver struct {
	ghosts   map[string]id.UserID
	channels map[string][2]string
	emojiErr bool
}

func (f *fakeResolver) UserMention(ctx context.Context, userID string) (id.UserID, error) {
	mxid, ok := f.ghosts[userID]
	if !ok {
		return "", errors.New("unknown user")
	}
	return mxid, nil
}

func (f *fakeResolver) ChannelMention(ctx context.Context, channelID string) (id.RoomID, string, error) {
	pair, ok := f.channels[channelID]
	if !ok {
		return "", "", errors.New("unknown channel")
	}
	return id.RoomID(pair[0]), pair[1], nil
}

func (f *fakeResolver) Emoji(ctx context.Context, expr store.Expression) (id.ContentURIString, error) {
	if f.emojiErr {
		return "", errors.New("upload failed")
	}
	return id.ContentURIString("mxc://example.com/" + expr.ID), nil
}

func message(content string) *discordgo.Message {
	return &discordgo.Message{Content: content}
}

func parse(t *testing.T, r Resolver, msg *discordgo.Message) *ParsedMessage {
	t.Helper()
	return Parse(context.Background(), r, msg)
}

func TestParsePlainText(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{}, message("just some text"))
	if result.Body != "just some text" {
		t.Errorf("Body: got %q, want %q", result.Body, "just some text")
	}
	if result.Format != "" || result.FormattedBody != "" {
		t.Errorf("plain text should not produce a formatted body, got %q", result.FormattedBody)
	}
}

func TestParseEmptyMessage(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{}, message(""))
	if result.Body != "" || result.FormattedBody != "" {
		t.Errorf("got %+v, want empty", result)
	}
}

func TestParseBold(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{}, message("some **bold** text"))
	if result.Format != event.FormatHTML {
		t.Errorf("Format: got %q, want %q", result.Format, event.FormatHTML)
	}
	if !strings.Contains(result.FormattedBody, "<strong>bold</strong>") {
		t.Errorf("FormattedBody: got %q, want to contain %q", result.FormattedBody, "<strong>bold</strong>")
	}
	if result.Body != "some **bold** text" {
		t.Errorf("Body: got %q, want the original markdown", result.Body)
	}
}

func TestParseInlineFormatting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"italic star", "an *italic* word", "<em>italic</em>"},
		{"italic underscore", "an _italic_ word", "<em>italic</em>"},
		{"underline", "an __underlined__ word", "<u>underlined</u>"},
		{"strikethrough", "a ~~dead~~ word", "<del>dead</del>"},
		{"spoiler", "a ||hidden|| word", `<span data-mx-spoiler>hidden</span>`},
		{"inline code", "run `go vet` first", "<code>go vet</code>"},
		{"heading", "## Section", "<h2>Section</h2>"},
		{"blockquote", "> quoted line", "<blockquote>quoted line</blockquote>"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := parse(t, &fakeResolver{}, message(tc.input))
			if !strings.Contains(result.FormattedBody, tc.want) {
				t.Errorf("FormattedBody: got %q, want to contain %q", result.FormattedBody, tc.want)
			}
		})
	}
}

func TestParseLists(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{}, message("- one\n- two"))
	if !strings.Contains(result.FormattedBody, "<ul><li>one</li><li>two</li></ul>") {
		t.Errorf("FormattedBody: got %q", result.FormattedBody)
	}

	result = parse(t, &fakeResolver{}, message("1. first\n2. second"))
	if !strings.Contains(result.FormattedBody, "<ol><li>first</li><li>second</li></ol>") {
		t.Errorf("FormattedBody: got %q", result.FormattedBody)
	}
}

func TestParseCodeBlock(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{}, message("```go\nfmt.Println(1)\n```"))
	want := `<pre><code class="language-go">fmt.Println(1)` + "\n</code></pre>"
	if !strings.Contains(result.FormattedBody, want) {
		t.Errorf("FormattedBody: got %q, want to contain %q", result.FormattedBody, want)
	}
	if !strings.Contains(result.Body, "```go") {
		t.Errorf("Body should keep the fence, got %q", result.Body)
	}
}

// TestParseCodeBlockKeepsNewlines verifies newlines inside a code fence
// survive the paragraph and line-break rewriting applied to prose.
func TestParseCodeBlockKeepsNewlines(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{}, message("intro\n```\nfirst\n\nsecond\n```"))
	want := "<pre><code>first\n\nsecond\n</code></pre>"
	if !strings.Contains(result.FormattedBody, want) {
		t.Errorf("FormattedBody: got %q, want to contain %q", result.FormattedBody, want)
	}
	if strings.Contains(result.FormattedBody, "first<br/>") || strings.Contains(result.FormattedBody, "first</p>") {
		t.Errorf("code fence content was rewritten: %q", result.FormattedBody)
	}
	if !strings.Contains(result.FormattedBody, "intro<br/>") {
		t.Errorf("prose line break missing: %q", result.FormattedBody)
	}
}

// TestParseCodeBlockShieldsFormatting verifies markdown inside a code
// fence is not interpreted.
func TestParseCodeBlockShieldsFormatting(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{}, message("```\n**not bold**\n```"))
	if strings.Contains(result.FormattedBody, "<strong>") {
		t.Errorf("code fence content was formatted: %q", result.FormattedBody)
	}
	if !strings.Contains(result.FormattedBody, "**not bold**") {
		t.Errorf("FormattedBody: got %q, want literal asterisks", result.FormattedBody)
	}
}

func TestParseEscapesHTML(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{}, message("**x** <script>alert(1)</script>"))
	if strings.Contains(result.FormattedBody, "<script>") {
		t.Errorf("raw HTML leaked through: %q", result.FormattedBody)
	}
	if !strings.Contains(result.FormattedBody, "&lt;script&gt;") {
		t.Errorf("FormattedBody: got %q, want escaped script tag", result.FormattedBody)
	}
}

func TestParseUserMentionResolved(t *testing.T) {
	t.Parallel()
	r := &fakeResolver{ghosts: map[string]id.UserID{"123": "@_discord_123:example.com"}}
	msg := message("hi <@123>!")
	msg.Mentions = []*discordgo.User{{ID: "123", Username: "someone", GlobalName: "Someone"}}

	result := parse(t, r, msg)
	want := `<a href="https://matrix.to/#/@_discord_123:example.com">@Someone</a>`
	if !strings.Contains(result.FormattedBody, want) {
		t.Errorf("FormattedBody: got %q, want to contain %q", result.FormattedBody, want)
	}
	if result.Body != "hi @Someone!" {
		t.Errorf("Body: got %q, want %q", result.Body, "hi @Someone!")
	}
}

func TestParseUserMentionUnresolved(t *testing.T) {
	t.Parallel()
	msg := message("hi <@456>!")
	msg.Mentions = []*discordgo.User{{ID: "456", Username: "ghostless"}}

	result := parse(t, &fakeResolver{}, msg)
	if strings.Contains(result.FormattedBody, "<a ") {
		t.Errorf("unresolved mention should not link, got %q", result.FormattedBody)
	}
	if !strings.Contains(result.FormattedBody, "@ghostless") {
		t.Errorf("FormattedBody: got %q, want plain @ghostless", result.FormattedBody)
	}
}

func TestParseChannelMention(t *testing.T) {
	t.Parallel()
	r := &fakeResolver{channels: map[string][2]string{"789": {"!room:example.com", "general"}}}
	result := parse(t, r, message("see <#789>"))
	want := `<a href="https://matrix.to/#/!room:example.com">#general</a>`
	if !strings.Contains(result.FormattedBody, want) {
		t.Errorf("FormattedBody: got %q, want to contain %q", result.FormattedBody, want)
	}
	if result.Body != "see #general" {
		t.Errorf("Body: got %q, want %q", result.Body, "see #general")
	}
}

func TestParseCustomEmoji(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{}, message("nice <:blob:111>"))
	want := `<img data-mx-emoticon src="mxc://example.com/111" alt=":blob:" title=":blob:" height="32">`
	if !strings.Contains(result.FormattedBody, want) {
		t.Errorf("FormattedBody: got %q, want to contain %q", result.FormattedBody, want)
	}
	if result.Body != "nice :blob:" {
		t.Errorf("Body: got %q, want %q", result.Body, "nice :blob:")
	}
}

func TestParseCustomEmojiUploadFailure(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{emojiErr: true}, message("nice <:blob:111>"))
	if strings.Contains(result.FormattedBody, "<img") {
		t.Errorf("failed upload should degrade to text, got %q", result.FormattedBody)
	}
	if !strings.Contains(result.FormattedBody, ":blob:") {
		t.Errorf("FormattedBody: got %q, want :blob: fallback", result.FormattedBody)
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{}, message("meet at <t:1700000000:F>"))
	if !strings.Contains(result.Body, "2023-11-14 22:13 UTC") {
		t.Errorf("Body: got %q, want rendered timestamp", result.Body)
	}
}

func TestParseSafeLinkSchemes(t *testing.T) {
	t.Parallel()

	result := parse(t, &fakeResolver{}, message("[docs](https://example.com/docs)"))
	if !strings.Contains(result.FormattedBody, `<a href="https://example.com/docs">docs</a>`) {
		t.Errorf("FormattedBody: got %q", result.FormattedBody)
	}

	result = parse(t, &fakeResolver{}, message("[click](javascript:alert(1))"))
	if strings.Contains(result.FormattedBody, "javascript:") {
		t.Errorf("unsafe scheme leaked: %q", result.FormattedBody)
	}
	if !strings.Contains(result.FormattedBody, "click") {
		t.Errorf("link text should survive, got %q", result.FormattedBody)
	}
}

func TestParseParagraphs(t *testing.T) {
	t.Parallel()
	result := parse(t, &fakeResolver{}, message("**a**\n\nb"))
	if !strings.Contains(result.FormattedBody, "</p><p>") {
		t.Errorf("FormattedBody: got %q, want paragraph break", result.FormattedBody)
	}
	if !strings.HasPrefix(result.FormattedBody, "<p>") || !strings.HasSuffix(result.FormattedBody, "</p>") {
		t.Errorf("paragraph form should be wrapped, got %q", result.FormattedBody)
	}
}

// TestParsePreservesBody verifies the plain-text body keeps the author's
// original markdown for every formatting construct.
func TestParsePreservesBody(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"**bold** and *italic*",
		"~~gone~~ __under__",
		"||spoiler|| text",
		"`code` span",
		"# heading\nbody",
		"> quote\nafter",
		"- a\n- b",
	}
	for _, input := range inputs {
		result := parse(t, &fakeResolver{}, message(input))
		if result.Body != input {
			t.Errorf("Body: got %q, want %q", result.Body, input)
		}
	}
}

func TestReactionKeyUnicode(t *testing.T) {
	t.Parallel()
	key, err := ReactionKey(context.Background(), &fakeResolver{}, &discordgo.Emoji{Name: "👍"})
	if err != nil {
		t.Fatalf("ReactionKey: %v", err)
	}
	if key != "👍️" {
		t.Errorf("key: got %q, want fully qualified thumbs up", key)
	}
}

func TestReactionKeyCustom(t *testing.T) {
	t.Parallel()
	key, err := ReactionKey(context.Background(), &fakeResolver{}, &discordgo.Emoji{ID: "111", Name: "blob"})
	if err != nil {
		t.Fatalf("ReactionKey: %v", err)
	}
	if key != "mxc://example.com/111" {
		t.Errorf("key: got %q, want %q", key, "mxc://example.com/111")
	}
}

func TestReactionKeyCustomUploadFailure(t *testing.T) {
	t.Parallel()
	if _, err := ReactionKey(context.Background(), &fakeResolver{emojiErr: true}, &discordgo.Emoji{ID: "111", Name: "blob"}); err == nil {
		t.Error("upload failure should propagate")
	}
}

// FuzzParse checks the converter never panics and never emits unescaped
// script content regardless of input.
func FuzzParse(f *testing.F) {
	seeds := []string{
		"",
		"plain text",
		"**bold** *italic* __under__ ~~strike~~",
		"||spoiler|| `code`",
		"```go\ncode\n```",
		"<@123> <#456> <:blob:111> <a:party:222>",
		"<t:1700000000:R>",
		"> quote\n# heading\n- item\n1. item",
		"[text](https://example.com) [bad](javascript:alert(1))",
		"<script>alert(1)</script>",
		"\x00ENTITY0\x00",
		"**unterminated",
	}
	for _, seed := range seeds {
		f.Add(seed)
	}
	r := &fakeResolver{ghosts: map[string]id.UserID{"123": "@_discord_123:example.com"}}
	f.Fuzz(func(t *testing.T, content string) {
		result := Parse(context.Background(), r, message(content))
		if result == nil {
			t.Fatal("Parse returned nil")
		}
		lower := strings.ToLower(result.FormattedBody)
		if strings.Contains(lower, "<script") {
			t.Errorf("unescaped script tag in %q", result.FormattedBody)
		}
		if strings.Contains(lower, `href="javascript:`) {
			t.Errorf("javascript href in %q", result.FormattedBody)
		}
	})
}
