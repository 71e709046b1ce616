package chat

import "strings"

// SplitMessage breaks text into parts of at most limit characters (runes).
// Each cut prefers the last newline inside the window, then the last space,
// and falls back to a hard cut. Separators at a cut are dropped. Empty or
// whitespace-only input yields no parts.
func SplitMessage(text string, limit int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	var parts []string
	rest := []rune(text)
	for len(rest) > limit {
		window := rest[:limit]
		cut := lastIndex(window, '\n')
		if cut <= 0 {
			cut = lastIndex(window, ' ')
		}

		if cut <= 0 {
			parts = appendPart(parts, string(window))
			rest = rest[limit:]
			continue
		}
		parts = appendPart(parts, string(rest[:cut]))
		rest = rest[cut+1:]
	}
	return appendPart(parts, string(rest))
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

func appendPart(parts []string, p string) []string {
	if strings.TrimSpace(p) == "" {
		return parts
	}
	return append(parts, p)
}
