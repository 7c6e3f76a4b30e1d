package tools

import (
	"fmt"
	"sort"
	"strings"
)

const summaryMaxLen = 150

// preferredSummaryKeys are checked in order when summarizing a map result.
var preferredSummaryKeys = []string{
	"name", "title", "id", "status", "message", "count",
	"result", "key", "summary", "answer",
}

// summarizeResult produces the one-line scratchpad summary of a tool result.
func summarizeResult(result any) string {
	switch v := result.(type) {
	case nil:
		return "No content."
	case map[string]any:
		return truncateSummary(summarizeMap(v))
	case []any:
		return truncateSummary(summarizeList(v))
	case string:
		return truncateSummary(v)
	default:
		return truncateSummary(fmt.Sprintf("%v", v))
	}
}

func summarizeMap(m map[string]any) string {
	var parts []string
	used := make(map[string]bool)
	for _, key := range preferredSummaryKeys {
		if val, ok := m[key]; ok && isScalar(val) {
			parts = append(parts, fmt.Sprintf("%s=%v", key, val))
			used[key] = true
		}
	}

	// Up to 3 remaining scalar fields, in stable order.
	var rest []string
	for k, v := range m {
		if !used[k] && isScalar(v) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	if len(rest) > 3 {
		rest = rest[:3]
	}
	for _, k := range rest {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}

	if len(parts) == 0 {
		return fmt.Sprintf("Object with %d fields", len(m))
	}
	return strings.Join(parts, ", ")
}

func summarizeList(items []any) string {
	itemType := "item"
	if len(items) > 0 {
		switch items[0].(type) {
		case map[string]any:
			itemType = "dict"
		case string:
			itemType = "string"
		case float64, int:
			itemType = "number"
		}
	}
	return fmt.Sprintf("Retrieved %d %ss", len(items), itemType)
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int64, nil:
		return true
	}
	return false
}

func truncateSummary(s string) string {
	if len(s) <= summaryMaxLen {
		return s
	}
	return s[:summaryMaxLen-3] + "..."
}

// previewString bounds a string for internal trace messages.
func previewString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
