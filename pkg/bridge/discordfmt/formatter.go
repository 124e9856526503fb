// Copyright 2024-2026 Aiku AI

// Package discordfmt converts Discord message markdown to Matrix HTML.
package discordfmt

import (
	"context"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/discord-matrix-bridge/pkg/store"
)

// Resolver supplies the cross-network lookups entity tokens need.
type Resolver interface {
	// UserMention maps a Discord user ID to its ghost Matrix user.
	UserMention(ctx context.Context, userID string) (id.UserID, error)
	// ChannelMention maps a Discord channel ID to its bridged room and name.
	ChannelMention(ctx context.Context, channelID string) (roomID id.RoomID, name string, err error)
	// Emoji returns the Matrix content URI for a custom emoji, uploading
	// and registering it on first use.
	Emoji(ctx context.Context, expr store.Expression) (id.ContentURIString, error)
}

// ParsedMessage holds the result of converting Discord markdown to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underlineRe  = regexp.MustCompile(`__(.+?)__`)
	italicStarRe = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicUndRe  = regexp.MustCompile(`\b_([^_\n]+)_\b`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	spoilerRe    = regexp.MustCompile(`\|\|(.+?)\|\|`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`(?m)^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`(?m)^\d+\.\s+(.+)$`)
	quoteRe      = regexp.MustCompile(`(?m)^>\s?(.+)$`)

	mentionRe   = regexp.MustCompile(`<@!?(\d+)>`)
	channelRe   = regexp.MustCompile(`<#(\d+)>`)
	emojiRe     = regexp.MustCompile(`<(a?):(\w+):(\d+)>`)
	timestampRe = regexp.MustCompile(`<t:(-?\d+)(?::[tTdDfFR])?>`)
)

// codeBlock holds extracted code block data.
type codeBlock struct {
	lang    string
	content string
}

// entity is a resolved Discord token: the HTML it renders to and the
// plain-text form used in the fallback body.
type entity struct {
	html string
	text string
}

// Parse converts a Discord message's markdown content to Matrix event
// content. Entity tokens that cannot be resolved degrade to readable
// plain text instead of failing the whole message.
func Parse(ctx context.Context, r Resolver, msg *discordgo.Message) *ParsedMessage {
	text := msg.Content
	if text == "" {
		return &ParsedMessage{}
	}

	// Step 1: Extract code blocks into placeholders so nothing inside
	// them is treated as formatting.
	var codeBlocks []codeBlock
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		idx := len(codeBlocks)
		codeBlocks = append(codeBlocks, codeBlock{lang: parts[1], content: parts[2]})
		return "\x00CODEBLOCK" + strconv.Itoa(idx) + "\x00"
	})

	// Step 2: Extract entity tokens into placeholders. Doing this before
	// HTML escaping keeps their angle brackets out of the escaper.
	var entities []entity
	addEntity := func(e entity) string {
		idx := len(entities)
		entities = append(entities, e)
		return "\x00ENTITY" + strconv.Itoa(idx) + "\x00"
	}
	processed = mentionRe.ReplaceAllStringFunc(processed, func(match string) string {
		userID := mentionRe.FindStringSubmatch(match)[1]
		name := mentionUsername(msg, userID)
		if mxid, err := r.UserMention(ctx, userID); err == nil {
			return addEntity(entity{
				html: `<a href="https://matrix.to/#/` + html.EscapeString(mxid.String()) + `">@` + html.EscapeString(name) + `</a>`,
				text: "@" + name,
			})
		}
		return addEntity(entity{html: "@" + html.EscapeString(name), text: "@" + name})
	})
	processed = channelRe.ReplaceAllStringFunc(processed, func(match string) string {
		channelID := channelRe.FindStringSubmatch(match)[1]
		if roomID, name, err := r.ChannelMention(ctx, channelID); err == nil {
			return addEntity(entity{
				html: `<a href="https://matrix.to/#/` + html.EscapeString(roomID.String()) + `">#` + html.EscapeString(name) + `</a>`,
				text: "#" + name,
			})
		}
		return addEntity(entity{html: "#" + channelID, text: "#" + channelID})
	})
	processed = emojiRe.ReplaceAllStringFunc(processed, func(match string) string {
		parts := emojiRe.FindStringSubmatch(match)
		expr := store.Expression{ID: parts[3], Name: parts[2], Animated: parts[1] == "a"}
		fallback := ":" + expr.Name + ":"
		mxc, err := r.Emoji(ctx, expr)
		if err != nil {
			return addEntity(entity{html: html.EscapeString(fallback), text: fallback})
		}
		name := html.EscapeString(fallback)
		return addEntity(entity{
			html: `<img data-mx-emoticon src="` + html.EscapeString(string(mxc)) + `" alt="` + name + `" title="` + name + `" height="32">`,
			text: fallback,
		})
	})
	processed = timestampRe.ReplaceAllStringFunc(processed, func(match string) string {
		unix, err := strconv.ParseInt(timestampRe.FindStringSubmatch(match)[1], 10, 64)
		if err != nil {
			return match
		}
		formatted := time.Unix(unix, 0).UTC().Format("2006-01-02 15:04 MST")
		return addEntity(entity{html: html.EscapeString(formatted), text: formatted})
	})

	body := processed
	for i, e := range entities {
		body = strings.Replace(body, "\x00ENTITY"+strconv.Itoa(i)+"\x00", e.text, 1)
	}
	for i, cb := range codeBlocks {
		fence := "```" + cb.lang + "\n" + cb.content + "```"
		body = strings.Replace(body, "\x00CODEBLOCK"+strconv.Itoa(i)+"\x00", fence, 1)
	}

	hasFormatting := len(entities) > 0 ||
		len(codeBlocks) > 0 ||
		boldRe.MatchString(processed) ||
		underlineRe.MatchString(processed) ||
		italicStarRe.MatchString(processed) ||
		italicUndRe.MatchString(processed) ||
		strikeRe.MatchString(processed) ||
		spoilerRe.MatchString(processed) ||
		codeRe.MatchString(processed) ||
		linkRe.MatchString(processed) ||
		headingRe.MatchString(processed) ||
		quoteRe.MatchString(processed) ||
		ulRe.MatchString(processed) ||
		olRe.MatchString(processed)

	if !hasFormatting {
		return &ParsedMessage{Body: body}
	}

	// Step 3: Process line-by-line for structural elements on raw text.
	lines := strings.Split(processed, "\n")
	var result []string
	var listType string // "ul", "ol", or ""
	var listItems []string

	flushList := func() {
		if len(listItems) == 0 {
			return
		}
		tag := listType
		result = append(result, "<"+tag+">"+strings.Join(listItems, "")+"</"+tag+">")
		listItems = nil
		listType = ""
	}

	for _, line := range lines {
		// Check blockquote.
		if m := quoteRe.FindStringSubmatch(line); len(m) >= 2 {
			flushList()
			result = append(result, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
			continue
		}

		// Check heading.
		if m := headingRe.FindStringSubmatch(line); len(m) >= 3 {
			flushList()
			lvl := strconv.Itoa(min(len(m[1]), 6))
			result = append(result, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
			continue
		}

		// Check unordered list.
		if m := ulRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ul" {
				flushList()
				listType = "ul"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}

		// Check ordered list.
		if m := olRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ol" {
				flushList()
				listType = "ol"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}

		// Regular line.
		flushList()
		result = append(result, html.EscapeString(line))
	}
	flushList()

	formatted := strings.Join(result, "\n")

	// Step 4: Inline formatting. Double-marker forms go first so their
	// halves are not eaten by the single-marker rules.
	formatted = codeRe.ReplaceAllString(formatted, "<code>$1</code>")
	formatted = boldRe.ReplaceAllString(formatted, "<strong>$1</strong>")
	formatted = underlineRe.ReplaceAllString(formatted, "<u>$1</u>")
	formatted = strikeRe.ReplaceAllString(formatted, "<del>$1</del>")
	formatted = spoilerRe.ReplaceAllString(formatted, `<span data-mx-spoiler>$1</span>`)
	formatted = italicStarRe.ReplaceAllString(formatted, "<em>$1</em>")
	formatted = italicUndRe.ReplaceAllString(formatted, "<em>$1</em>")

	// Links — only allow safe URL schemes.
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		text, href := parts[1], strings.Trim(parts[2], "<>")
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + text + `</a>`
		}
		// Unsafe scheme (javascript:, data:, etc.) — render as plain text.
		return text
	})

	// Step 5: Paragraphs (double newlines), then remaining line breaks.
	// This runs while code blocks are still placeholders so the newlines
	// inside them survive verbatim.
	formatted = strings.ReplaceAll(formatted, "\n\n", "</p><p>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	if strings.Contains(formatted, "</p><p>") {
		formatted = "<p>" + formatted + "</p>"
	}

	// Step 6: Restore code blocks with language hints.
	for i, cb := range codeBlocks {
		placeholder := "\x00CODEBLOCK" + strconv.Itoa(i) + "\x00"
		escaped := html.EscapeString(cb.content)
		var replacement string
		if cb.lang != "" {
			replacement = `<pre><code class="language-` + html.EscapeString(cb.lang) + `">` + escaped + `</code></pre>`
		} else {
			replacement = `<pre><code>` + escaped + `</code></pre>`
		}
		formatted = strings.Replace(formatted, placeholder, replacement, 1)
	}

	// Step 7: Restore entity tokens.
	for i, e := range entities {
		formatted = strings.Replace(formatted, "\x00ENTITY"+strconv.Itoa(i)+"\x00", e.html, 1)
	}

	return &ParsedMessage{
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

func mentionUsername(msg *discordgo.Message, userID string) string {
	for _, user := range msg.Mentions {
		if user.ID == userID {
			if user.GlobalName != "" {
				return user.GlobalName
			}
			return user.Username
		}
	}
	return userID
}
