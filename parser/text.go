package parser

import (
	"strings"
	"unicode"
)

// normalizeWhitespace replaces unicode whitespace (including &nbsp;) with
// regular spaces and collapses runs.
func normalizeWhitespace(text string) string {
	normalized := strings.Builder{}
	for _, r := range text {
		if unicode.IsSpace(r) {
			normalized.WriteRune(' ')
		} else {
			normalized.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(normalized.String()), " ")
}
