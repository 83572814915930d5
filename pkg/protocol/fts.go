package protocol

import "strings"

// FTSQuery prepares free-form search text for the turns_fts FTS5 index.
// Each term is double-quoted so FTS5 operators embedded in ordinary prose
// ("and", "or", "not") are treated as literals, and terms are joined with OR
// for recall over precision.
func FTSQuery(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return text
	}
	var b strings.Builder
	for _, f := range fields {
		term := strings.ReplaceAll(f, `"`, "")
		if term == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" OR ")
		}
		b.WriteByte('"')
		b.WriteString(term)
		b.WriteByte('"')
	}
	if b.Len() == 0 {
		return text
	}
	return b.String()
}
