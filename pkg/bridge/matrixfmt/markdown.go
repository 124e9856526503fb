// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"maunium.net/go/mautrix/id"
)

// blockElements are HTML elements that establish their own line structure.
// A newline character sitting next to one of these is presentation noise and
// must not become a line break.
var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "audio": true,
	"blockquote": true, "body": true, "canvas": true, "center": true,
	"dd": true, "details": true, "dir": true, "div": true, "dl": true,
	"dt": true, "fieldset": true, "figcaption": true, "figure": true,
	"footer": true, "form": true, "frameset": true, "h1": true, "h2": true,
	"h3": true, "h4": true, "h5": true, "h6": true, "header": true,
	"hgroup": true, "hr": true, "html": true, "isindex": true, "li": true,
	"main": true, "menu": true, "nav": true, "noframes": true,
	"noscript": true, "ol": true, "output": true, "p": true, "pre": true,
	"section": true, "summary": true, "table": true, "tbody": true,
	"td": true, "tfoot": true, "th": true, "thead": true, "tr": true,
	"ul": true,
}

var (
	trailingQuoteBreaksRe = regexp.MustCompile(`(?:\n|<br ?/?>\s*)*</blockquote>`)
	newlineContextRe      = regexp.MustCompile(`(</?([^ >]+)[^>]*>)?\n(</?([^ >]+)[^>]*>)?`)
	codeLanguageRe        = regexp.MustCompile(`language-(\S+)`)
	whitespaceRunRe       = regexp.MustCompile(`\s+`)
	spacedNewlineRe       = regexp.MustCompile(` *\n *`)
	excessNewlinesRe      = regexp.MustCompile(`\n{3,}`)
	matrixToPrefix        = "https://matrix.to/#/"
)

// normalizeNewlines converts content newlines into explicit <br> breaks
// unless they sit between block-level elements, where clients already
// collapse them. Trailing breaks before </blockquote> are rendering noise
// and get deleted outright.
func normalizeNewlines(input string) string {
	input = trailingQuoteBreaksRe.ReplaceAllString(input, "</blockquote>")
	return newlineContextRe.ReplaceAllStringFunc(input, func(m string) string {
		parts := newlineContextRe.FindStringSubmatch(m)
		beforeCtx, beforeTag, afterCtx, afterTag := parts[1], parts[2], parts[3], parts[4]
		if beforeCtx == "" && afterCtx == "" {
			return "<br>"
		}
		if !blockElements[strings.ToLower(beforeTag)] && !blockElements[strings.ToLower(afterTag)] {
			return beforeCtx + "<br>" + afterCtx
		}
		return m
	})
}

// htmlRenderer walks a parsed HTML document and emits Discord markdown.
// One rule per node kind, applied in a fixed order; character escaping only
// ever touches text nodes.
type htmlRenderer struct {
	ctx  context.Context
	conv *Converter
}

// ToMarkdown converts Matrix custom HTML into Discord markdown.
func (c *Converter) ToMarkdown(ctx context.Context, input string) string {
	doc, err := html.Parse(strings.NewReader(normalizeNewlines(input)))
	if err != nil {
		// Parse errors are unreachable for well-formed fragments; fall back
		// to the escaped raw text rather than dropping the message.
		return Escape(input)
	}
	r := &htmlRenderer{ctx: ctx, conv: c}
	out := r.render(findBody(doc))
	out = spacedNewlineRe.ReplaceAllString(out, "\n")
	out = excessNewlinesRe.ReplaceAllString(out, "\n\n")
	return strings.Trim(out, " \n")
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if body := findBody(child); body != nil {
			return body
		}
	}
	return nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func (r *htmlRenderer) renderChildren(n *html.Node) string {
	var sb strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		sb.WriteString(r.render(child))
	}
	return sb.String()
}

func (r *htmlRenderer) render(n *html.Node) string {
	if n == nil {
		return ""
	}
	switch n.Type {
	case html.TextNode:
		text := whitespaceRunRe.ReplaceAllString(n.Data, " ")
		return Escape(text)
	case html.ElementNode:
		return r.renderElement(n)
	case html.DocumentNode:
		return r.renderChildren(n)
	default:
		return ""
	}
}

func (r *htmlRenderer) renderElement(n *html.Node) string {
	switch n.Data {
	case "mx-reply":
		return ""
	case "del", "s", "strike":
		return "~~" + r.renderChildren(n) + "~~"
	case "u":
		return "__" + r.renderChildren(n) + "__"
	case "strong", "b":
		return "**" + r.renderChildren(n) + "**"
	case "em", "i":
		return "*" + r.renderChildren(n) + "*"
	case "span":
		if _, spoiler := attr(n, "data-mx-spoiler"); spoiler {
			return "||" + r.renderChildren(n) + "||"
		}
		return r.renderChildren(n)
	case "blockquote":
		content := strings.Trim(r.renderChildren(n), "\n")
		lines := strings.Split(content, "\n")
		for i, line := range lines {
			lines[i] = "> " + line
		}
		return "\n" + strings.Join(lines, "\n") + "\n"
	case "a":
		return r.renderLink(n)
	case "img":
		return r.renderImage(n)
	case "code":
		return "`" + rawText(n) + "`"
	case "pre":
		return r.renderCodeBlock(n)
	case "br":
		return "\n"
	case "hr":
		return "\n----\n"
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(n.Data[1] - '0')
		return "\n" + strings.Repeat("#", level) + " " + r.renderChildren(n) + "\n"
	case "p", "div":
		return "\n" + r.renderChildren(n) + "\n"
	case "ul":
		return r.renderList(n, false)
	case "ol":
		return r.renderList(n, true)
	case "li":
		return "- " + r.renderChildren(n) + "\n"
	default:
		return r.renderChildren(n)
	}
}

// renderLink distinguishes user-mention, channel-mention, permalink and
// plain link forms. matrix.to permalinks get angle brackets so Discord does
// not unfurl them.
func (r *htmlRenderer) renderLink(n *html.Node) string {
	href, ok := attr(n, "href")
	if !ok || href == "" {
		return r.renderChildren(n)
	}
	if target, isMatrixTo := strings.CutPrefix(href, matrixToPrefix); isMatrixTo {
		if i := strings.IndexAny(target, "?"); i >= 0 {
			target = target[:i]
		}
		switch {
		case strings.HasPrefix(target, "@"):
			if userID, err := r.conv.DB.GhostByMXID(r.ctx, id.UserID(target)); err == nil {
				return "<@" + userID + ">"
			}
		case strings.HasPrefix(target, "!"):
			if channelID, err := r.conv.DB.ChannelByRoom(r.ctx, id.RoomID(target)); err == nil {
				return "<#" + channelID + ">"
			}
		}
		return "[" + r.renderChildren(n) + "](<" + href + ">)"
	}
	return "[" + r.renderChildren(n) + "](" + href + ")"
}

// renderImage turns a registered custom emoji image back into a native
// Discord expression token, with the animation marker when applicable.
// Unregistered images degrade to their alt text.
func (r *htmlRenderer) renderImage(n *html.Node) string {
	src, hasSrc := attr(n, "src")
	if _, emoticon := attr(n, "data-mx-emoticon"); emoticon && hasSrc {
		if expr, err := r.conv.DB.ExpressionByMXC(r.ctx, id.ContentURIString(src)); err == nil {
			name := expr.Name
			if title, ok := attr(n, "title"); ok && title != "" {
				name = strings.Trim(title, ":")
			}
			if name == "" {
				name = "__"
			}
			animatedChar := ""
			if expr.Animated {
				animatedChar = "a"
			}
			return "<" + animatedChar + ":" + name + ":" + expr.ID + ">"
		}
	}
	if alt, ok := attr(n, "alt"); ok {
		return Escape(alt)
	}
	return ""
}

func (r *htmlRenderer) renderCodeBlock(n *html.Node) string {
	code := n.FirstChild
	if code == nil || code.Type != html.ElementNode || code.Data != "code" {
		return "\n```\n" + strings.TrimRight(rawText(n), "\n") + "\n```\n"
	}
	language := ""
	if class, ok := attr(code, "class"); ok {
		if m := codeLanguageRe.FindStringSubmatch(class); m != nil {
			language = m[1]
		}
	}
	visible := strings.TrimRight(rawText(code), "\n")
	return "\n```" + language + "\n" + visible + "\n```\n"
}

func (r *htmlRenderer) renderList(n *html.Node, ordered bool) string {
	var sb strings.Builder
	sb.WriteString("\n")
	index := 1
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode || child.Data != "li" {
			continue
		}
		if ordered {
			sb.WriteString(strings.TrimRight(strconv.Itoa(index)+". "+r.renderChildren(child), "\n"))
		} else {
			sb.WriteString(strings.TrimRight("- "+r.renderChildren(child), "\n"))
		}
		sb.WriteString("\n")
		index++
	}
	return sb.String()
}

// rawText extracts the literal text of a node, preserving <br> as newlines.
// Used for code spans and fences where markdown escaping must not apply.
func rawText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			switch {
			case child.Type == html.TextNode:
				sb.WriteString(child.Data)
			case child.Type == html.ElementNode && child.Data == "br":
				sb.WriteString("\n")
			default:
				walk(child)
			}
		}
	}
	walk(n)
	return sb.String()
}
