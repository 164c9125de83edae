// Package pattern implements the wildcard matching used to select catalog
// values: `*` matches any run of characters, `?` matches exactly one, and
// everything else matches literally, case-insensitively. Patterns are
// anchored at both ends, so a pattern without wildcards only matches values
// equal to it.
package pattern

import "strings"

// Matches reports whether value matches the glob pattern.
func Matches(pattern, value string) bool {
	return matchRunes([]rune(strings.ToLower(pattern)), []rune(strings.ToLower(value)))
}

func matchRunes(pattern, value []rune) bool {
	// Iterative glob match with single-star backtracking.
	var (
		pi, vi         int
		starPi, starVi = -1, 0
	)
	for vi < len(value) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == value[vi]):
			pi++
			vi++
		case pi < len(pattern) && pattern[pi] == '*':
			starPi = pi
			starVi = vi
			pi++
		case starPi >= 0:
			starVi++
			pi = starPi + 1
			vi = starVi
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// HasWildcards reports whether the pattern contains any wildcard characters.
func HasWildcards(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// ToSQL converts a glob pattern to SQL LIKE/ILIKE syntax so that database-side
// selection agrees exactly with Matches. LIKE metacharacters in the input are
// escaped with a backslash, the default LIKE escape character.
func ToSQL(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
