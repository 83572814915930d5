package bridge

import (
	"fmt"
	"strings"
)

// MessageLimit is the Telegram per-message character cap.
const MessageLimit = 4096

// tagRoom reserves space in every chunk for the "\n\n[i/N]" ordering tag.
const tagRoom = 12

// splitMessage breaks text into chunks that fit the Telegram message limit.
// Splits happen at paragraph boundaries first, then line boundaries, then
// hard rune boundaries for a single oversized line. When more than one chunk
// results, each carries an ordered [i/N] tag so readers can reassemble.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	budget := limit - tagRoom
	var parts []string
	for _, block := range packBlocks(strings.Split(text, "\n\n"), "\n\n", budget) {
		if len(block) <= budget {
			parts = append(parts, block)
			continue
		}
		for _, line := range packBlocks(strings.Split(block, "\n"), "\n", budget) {
			if len(line) <= budget {
				parts = append(parts, line)
				continue
			}
			parts = append(parts, hardSplit(line, budget)...)
		}
	}

	if len(parts) <= 1 {
		return parts
	}
	for i := range parts {
		parts[i] = fmt.Sprintf("%s\n\n[%d/%d]", parts[i], i+1, len(parts))
	}
	return parts
}

// packBlocks greedily joins consecutive blocks with sep while the result
// stays within budget. A single block past the budget passes through
// untouched for the next-finer split to deal with.
func packBlocks(blocks []string, sep string, budget int) []string {
	var out []string
	var cur strings.Builder
	for _, block := range blocks {
		if cur.Len() == 0 {
			cur.WriteString(block)
			continue
		}
		if cur.Len()+len(sep)+len(block) <= budget {
			cur.WriteString(sep)
			cur.WriteString(block)
			continue
		}
		out = append(out, cur.String())
		cur.Reset()
		cur.WriteString(block)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// hardSplit cuts s into budget-sized pieces on rune boundaries so multibyte
// characters never straddle a chunk edge.
func hardSplit(s string, budget int) []string {
	var out []string
	var cur strings.Builder
	for _, r := range s {
		if cur.Len()+len(string(r)) > budget {
			out = append(out, cur.String())
			cur.Reset()
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
