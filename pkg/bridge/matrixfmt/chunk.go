// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"unicode"
)

// MaxMessageLength is Discord's message content limit.
const MaxMessageLength = 2000

// maxUsernameLength is Discord's webhook username limit.
const maxUsernameLength = 80

// ChunkText splits s into chunks of at most limit runes, preferring to break
// on whitespace. The whitespace a chunk breaks on is consumed. An empty
// string yields no chunks.
func ChunkText(s string, limit int) []string {
	var chunks []string
	runes := []rune(s)
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		consumed := limit
		// Prefer the last whitespace at or before the limit boundary.
		for i := limit; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				consumed = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[consumed:]
	}
	return chunks
}

// SplitDisplayName splits a display name that may exceed Discord's webhook
// username limit into a shortened name and a runoff line. The runoff, when
// non-empty, already carries bold markers and a trailing newline so it can be
// prepended to the message content as-is. Splits on whitespace if possible.
func SplitDisplayName(displayName string) (shortened, runoff string) {
	chunks := ChunkText(displayName, maxUsernameLength)
	if len(chunks) <= 1 {
		return displayName, ""
	}
	shortened = chunks[0]
	// Slice the original rather than joining the remaining chunks so the
	// runoff keeps whatever whitespace the name was broken on.
	rest := displayName[len(shortened):]
	if r := []rune(rest); len(r) > 0 && unicode.IsSpace(r[0]) {
		rest = string(r[1:])
	}
	return shortened, "**" + rest + "**\n"
}
