package protocol

import "time"

// TimeFormat is the layout produced by SQLite's datetime('now') and used for
// every timestamp column in the state database.
const TimeFormat = "2006-01-02 15:04:05"

// FormatTime renders t in the state database timestamp layout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a state database timestamp. It accepts the native SQLite
// layout first and falls back to RFC 3339 variants for rows written by
// external tooling.
func ParseTime(s string) (time.Time, error) {
	layouts := []string{TimeFormat, time.RFC3339Nano, time.RFC3339}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
