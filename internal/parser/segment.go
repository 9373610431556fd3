package parser

import (
	"regexp"
	"strings"
)

var (
	thenJoiner = regexp.MustCompile(`(?i)\s*,?\s*\bthen\b,?\s*`)
	andJoiner  = regexp.MustCompile(`(?i)\s+and\s+`)
)

// Segments splits an utterance into clauses, left to right. "then" joins
// clauses like "and"; sentences and semicolons always split.
func Segments(message string) []string {
	normalized := thenJoiner.ReplaceAllString(message, " and ")

	var out []string
	for _, chunk := range strings.FieldsFunc(normalized, func(r rune) bool { return r == '.' || r == ';' || r == '\n' }) {
		for _, part := range andJoiner.Split(chunk, -1) {
			part = strings.Trim(strings.TrimSpace(part), ",")
			part = strings.TrimSpace(part)
			if part == "" || strings.EqualFold(part, "and") {
				continue
			}
			out = append(out, part)
		}
	}
	return out
}

// tokens lower-cases text and splits it into words.
func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '\'')
	})
}

// hasWord reports whether any token starts with keyword, so "paper" matches "papers".
func hasWord(toks []string, keyword string) bool {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if strings.Contains(keyword, " ") {
		return strings.Contains(" "+strings.Join(toks, " ")+" ", " "+keyword)
	}
	for _, t := range toks {
		if strings.HasPrefix(t, keyword) {
			return true
		}
	}
	return false
}
