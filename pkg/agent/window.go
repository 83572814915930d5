package agent

import (
	"fmt"
	"strings"

	"crew/pkg/llm"
	"crew/pkg/protocol"
)

// DefaultWindowTurns is the number of recent turns included in the backend
// context window.
const DefaultWindowTurns = 50

// summaryEntryLimit caps how many turns a history summary covers.
const summaryEntryLimit = 12

// summaryLineWidth caps the length of each summary entry.
const summaryLineWidth = 120

// Window converts conversation turns into the backend message list. Human
// and system turns become user messages; agent turns become assistant
// messages. Empty turns are dropped.
func Window(turns []protocol.Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(turns))
	for _, turn := range turns {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		role := llm.RoleUser
		if turn.Speaker == protocol.SpeakerAgent {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}
	return messages
}

// Summarize condenses prior turns into a compact digest for the system
// prompt of a fresh assignment. Returns "" when there is nothing to tell.
func Summarize(turns []protocol.Turn) string {
	if len(turns) > summaryEntryLimit {
		turns = turns[len(turns)-summaryEntryLimit:]
	}

	var lines []string
	for _, turn := range turns {
		line := firstLine(turn.Content)
		if line == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", turn.Speaker, truncate(line, summaryLineWidth)))
	}
	return strings.Join(lines, "\n")
}

// firstLine returns the first non-empty line of s, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// truncate shortens s to at most width runes, appending an ellipsis marker.
func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-3]) + "..."
}
