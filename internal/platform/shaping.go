package platform

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var markupTag = regexp.MustCompile(`</?[a-zA-Z][^<>]*>`)

// plainText strips markup the networks would render literally and trims the
// result to limit runes.
func plainText(s string, limit int) string {
	s = markupTag.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	return truncate(s, limit)
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}
