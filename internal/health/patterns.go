package health

import (
	"regexp"
	"sort"
	"strings"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

var (
	urlPattern    = regexp.MustCompile(`https?://\S+`)
	longIDPattern = regexp.MustCompile(`\b\d{4,}\b`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

const maxPatternLen = 120

// NormalizeMessage collapses an error message into a grouping key: URLs
// and long numeric IDs become placeholder tokens so per-item noise does
// not fragment the counts.
func NormalizeMessage(message string) string {
	normalized := urlPattern.ReplaceAllString(message, "<url>")
	normalized = longIDPattern.ReplaceAllString(normalized, "<id>")
	normalized = spacePattern.ReplaceAllString(normalized, " ")
	normalized = strings.TrimSpace(normalized)
	if len(normalized) > maxPatternLen {
		normalized = normalized[:maxPatternLen]
	}
	return normalized
}

// TopPatterns groups messages by normalized text and returns the topN
// most frequent, ties broken alphabetically for stable output.
func TopPatterns(messages []string, topN int) []queue.ErrorPattern {
	if len(messages) == 0 || topN <= 0 {
		return nil
	}
	counts := make(map[string]int64)
	for _, msg := range messages {
		key := NormalizeMessage(msg)
		if key == "" {
			continue
		}
		counts[key]++
	}
	patterns := make([]queue.ErrorPattern, 0, len(counts))
	for pattern, count := range counts {
		patterns = append(patterns, queue.ErrorPattern{Pattern: pattern, Count: count})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Pattern < patterns[j].Pattern
	})
	if len(patterns) > topN {
		patterns = patterns[:topN]
	}
	return patterns
}
