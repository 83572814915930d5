package team

import (
	"regexp"
	"strings"
)

// mentionRe matches a leading @token mention. The token may carry word
// characters and hyphens (business-analyst); trailing punctuation after the
// token is swallowed so "@backend: fix it" routes cleanly.
var mentionRe = regexp.MustCompile(`^@([\w-]+)[\s:,]*`)

// SplitMention extracts a leading @token mention from a chat message.
// Returns the raw token, the message body with the mention stripped, and
// whether a mention was present at all. Resolution of the token to a role is
// the catalog's job; an unknown token still reports found=true so callers
// can distinguish "no mention" from "mention of an unknown role".
func SplitMention(text string) (token, body string, found bool) {
	trimmed := strings.TrimSpace(text)
	m := mentionRe.FindStringSubmatch(trimmed)
	if m == nil {
		return "", trimmed, false
	}
	return m[1], strings.TrimSpace(trimmed[len(m[0]):]), true
}
