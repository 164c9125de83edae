package store

import (
	"strings"

	"curator/api/internal/pattern"
)

// ContainsFold reports whether values holds v under case-insensitive compare.
func ContainsFold(values []string, v string) bool {
	for _, existing := range values {
		if strings.EqualFold(existing, v) {
			return true
		}
	}
	return false
}

// AddValue appends v unless an equal value (case-insensitive) is present.
func AddValue(values []string, v string) []string {
	if ContainsFold(values, v) {
		return values
	}
	return append(append([]string(nil), values...), v)
}

// RemoveValue removes every element equal to v, case-insensitively.
func RemoveValue(values []string, v string) []string {
	result := make([]string, 0, len(values))
	for _, existing := range values {
		if !strings.EqualFold(existing, v) {
			result = append(result, existing)
		}
	}
	return result
}

// RemoveMatching removes every element the glob pattern matches.
func RemoveMatching(values []string, glob string) []string {
	result := make([]string, 0, len(values))
	for _, existing := range values {
		if !pattern.Matches(glob, existing) {
			result = append(result, existing)
		}
	}
	return result
}
