package agent

import (
	"strings"
	"unicode"
)

const (
	sessionNameMaxLen = 40
	sessionNameMinLen = 10

	// DefaultSessionName is used when the first message is too short
	// to derive a meaningful name from.
	DefaultSessionName = "New Conversation"
)

// DeriveSessionName derives a short session name from the first user
// message: control characters stripped, whitespace collapsed,
// truncated at a word boundary, trailing punctuation removed.
// Deterministic for a given input.
func DeriveSessionName(firstMessage string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, firstMessage)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	name := truncateAtWordBoundary(cleaned, sessionNameMaxLen)
	name = strings.TrimRight(name, "?.!, ")

	if len([]rune(name)) < sessionNameMinLen {
		return DefaultSessionName
	}
	return name
}

// truncateAtWordBoundary cuts s to at most max runes, preferring to
// break at the last space inside the window.
func truncateAtWordBoundary(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := string(runes[:max])
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}
