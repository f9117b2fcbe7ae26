package domain

import (
	"strings"
	"unicode/utf8"
)

// StorableText makes s safe for a Postgres TEXT column: invalid UTF-8 is replaced and NUL bytes are dropped.
func StorableText(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.ReplaceAll(s, "\x00", "")
}

// TruncateText cuts s to at most maxBytes without splitting a rune.
func TruncateText(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
