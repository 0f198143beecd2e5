// Package logutil sanitizes request-derived strings before they reach log
// lines. Terminal identifiers and working directories arrive from clients
// and could otherwise inject fake log entries or control sequences.
package logutil

import "strings"

// SanitizeForLog removes newlines and other control characters from a
// user-provided string so it cannot forge additional log entries.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case r < 32:
			// drop remaining control characters
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Abbreviate shortens a string for logging, appending an ellipsis when it
// exceeds max runes.
func Abbreviate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
