// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

func newTestConverter() *Converter {
	return &Converter{
		Log: zerolog.Nop(),
		DB: &fakeStore{
			ghosts:   map[id.UserID]string{"@_discord_123:example.com": "123"},
			channels: map[id.RoomID]string{"!room:example.com": "456"},
			expressions: map[id.ContentURIString]*store.Expression{
				"mxc://example.com/blob":  {ID: "111", Name: "blob"},
				"mxc://example.com/party": {ID: "222", Name: "party", Animated: true},
			},
		},
		Media:      &fakeMedia{},
		ServerName: "example.com",
	}
}

func TestToMarkdown(t *testing.T) {
	t.Parallel()
	conv := newTestConverter()
	ctx := context.Background()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bold", "<strong>hi</strong>", "**hi**"},
		{"bold short tag", "<b>hi</b>", "**hi**"},
		{"italic", "<em>hi</em>", "*hi*"},
		{"underline", "<u>hi</u>", "__hi__"},
		{"strikethrough", "<del>hi</del>", "~~hi~~"},
		{"spoiler", `<span data-mx-spoiler>secret</span>`, "||secret||"},
		{"plain span", "<span>hi</span>", "hi"},
		{"nested", "<strong><em>hi</em></strong>", "***hi***"},
		{"escapes text", "a *b* _c_", `a \*b\* \_c\_`},
		{"line break", "a<br/>b", "a\nb"},
		{"inline code keeps literals", "<code>a*b</code>", "`a*b`"},
		{"blockquote", "<blockquote>quoted</blockquote>", "> quoted"},
		{
			"multiline blockquote",
			"<blockquote>one<br/>two</blockquote>",
			"> one\n> two",
		},
		{"heading", "<h2>title</h2>", "## title"},
		{"horizontal rule", "a<hr/>b", "a\n----\nb"},
		{
			"unordered list",
			"<ul><li>one</li><li>two</li></ul>",
			"- one\n- two",
		},
		{
			"ordered list",
			"<ol><li>one</li><li>two</li></ol>",
			"1. one\n2. two",
		},
		{
			"code block with language",
			`<pre><code class="language-go">fmt.Println(x)</code></pre>`,
			"```go\nfmt.Println(x)\n```",
		},
		{
			"code block without language",
			"<pre><code>raw *text*</code></pre>",
			"```\nraw *text*\n```",
		},
		{
			"reply fallback stripped",
			"<mx-reply><blockquote>old</blockquote></mx-reply>new",
			"new",
		},
		{
			"plain link",
			`<a href="https://example.com/page">here</a>`,
			"[here](https://example.com/page)",
		},
		{
			"user mention",
			`<a href="https://matrix.to/#/@_discord_123:example.com">Someone</a>`,
			"<@123>",
		},
		{
			"room mention",
			`<a href="https://matrix.to/#/!room:example.com?via=example.com">general</a>`,
			"<#456>",
		},
		{
			"unknown matrix.to target",
			`<a href="https://matrix.to/#/@stranger:elsewhere.org">Stranger</a>`,
			"[Stranger](<https://matrix.to/#/@stranger:elsewhere.org>)",
		},
		{
			"custom emoji",
			`<img data-mx-emoticon src="mxc://example.com/blob" title=":blob:" height="32"/>`,
			"<:blob:111>",
		},
		{
			"animated custom emoji",
			`<img data-mx-emoticon src="mxc://example.com/party" title=":party:" height="32"/>`,
			"<a:party:222>",
		},
		{
			"unknown image degrades to alt",
			`<img src="mxc://example.com/unknown" alt="picture"/>`,
			"picture",
		},
		{
			"paragraphs",
			"<p>one</p><p>two</p>",
			"one\n\ntwo",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := conv.ToMarkdown(ctx, tc.input)
			if got != tc.want {
				t.Errorf("ToMarkdown(%q): got %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestEscape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello world", "hello world"},
		{"asterisk", "a*b", `a\*b`},
		{"underscore", "snake_case", `snake\_case`},
		{"backtick", "a`b`c", "a\\`b\\`c"},
		{"brackets", "[link]", `\[link\]`},
		{"leading quote", "> not a quote", `\> not a quote`},
		{"leading heading", "# not a heading", `\# not a heading`},
		{"ordered list marker", "1. item", `1\. item`},
		{"backslash", `a\b`, `a\\b`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Escape(tc.input); got != tc.want {
				t.Errorf("Escape(%q): got %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

// TestEscapeSparesBareURLs verifies escaping never mangles a URL token even
// when the surrounding prose is full of markdown characters.
func TestEscapeSparesBareURLs(t *testing.T) {
	t.Parallel()
	input := "see https://example.com/a_b_c and *this*"
	got := Escape(input)
	want := `see https://example.com/a_b_c and \*this\*`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
