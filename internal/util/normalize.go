package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText trims whitespace and canonicalizes the value to Unicode NFC
// so that visually identical metadata values compare equal. Returns "" when
// nothing remains after trimming.
func NormalizeText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return norm.NFC.String(text)
}

// NormalizeValues normalizes every element, drops empties, and removes
// case-insensitive duplicates keeping the casing of the first occurrence.
func NormalizeValues(items []string) []string {
	result := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		normalized := NormalizeText(item)
		if normalized == "" {
			continue
		}
		key := strings.ToLower(normalized)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, normalized)
	}
	return result
}
