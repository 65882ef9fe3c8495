// Package strings parses the comma-separated lists used in configuration
// and roster uploads.
package strings

import (
	"strings"
)

// SplitList splits raw on sep and returns the trimmed, non-empty,
// first-seen-unique items. An all-blank input yields nil.
func SplitList(raw, sep string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return Unique(strings.Split(raw, sep), strings.TrimSpace)
}

// Unique applies norm to every item and keeps the first occurrence of each
// non-empty result, preserving order. A nil norm keeps items as they are.
func Unique(items []string, norm func(string) string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if norm != nil {
			item = norm(item)
		}
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// UpperCode normalizes an identifier such as a center code.
func UpperCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
