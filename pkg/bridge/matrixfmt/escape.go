// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"regexp"
	"strings"
)

// markdownEscapes are applied in order to every whitespace-separated token
// that is not a bare URL. Anchored patterns only fire at token start so list
// markers, headings and quotes survive as literal text.
var markdownEscapes = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\\`), `\\`},
	{regexp.MustCompile(`\*`), `\*`},
	{regexp.MustCompile(`^-`), `\-`},
	{regexp.MustCompile(`^\+$`), `\+`},
	{regexp.MustCompile(`^(=+)`), `\$1`},
	{regexp.MustCompile(`^(#{1,6})$`), `\$1`},
	{regexp.MustCompile("`"), "\\`"},
	{regexp.MustCompile(`^~~~`), `\~~~`},
	{regexp.MustCompile(`\[`), `\[`},
	{regexp.MustCompile(`\]`), `\]`},
	{regexp.MustCompile(`^>`), `\>`},
	{regexp.MustCompile(`_`), `\_`},
	{regexp.MustCompile(`^(\d+)\.$`), `$1\.`},
}

var bareURLRe = regexp.MustCompile(`^https?://`)

// Escape neutralizes Discord-markdown-significant characters in plain text.
// Tokens that parse as bare http(s) URLs pass through untouched so escaping
// never corrupts the middle of a link.
func Escape(s string) string {
	lines := strings.Split(s, "\n")
	for li, line := range lines {
		words := strings.Split(line, " ")
		for i, word := range words {
			if bareURLRe.MatchString(word) {
				continue
			}
			for _, esc := range markdownEscapes {
				word = esc.re.ReplaceAllString(word, esc.repl)
			}
			words[i] = word
		}
		lines[li] = strings.Join(words, " ")
	}
	return strings.Join(lines, "\n")
}
