// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"path"
	"strings"
)

// MatchPattern checks whether a property or resource name matches a
// glob pattern using Weft's hierarchical naming conventions:
//
//   - Exact match: "displayname" matches only "displayname"
//   - Single-segment wildcard: "contact/*" matches "contact/email" but
//     not "contact/home/phone"
//   - Recursive wildcard: "contact/**" matches "contact/email",
//     "contact/home/phone", etc.
//   - Universal: "**" matches any name
//   - Interior recursive: "profile/**/url" matches "profile/url",
//     "profile/avatar/url", etc.
//   - Character wildcards: "?" matches a single non-slash character
//
// Wildcards in * and ? work in all positions, including around **. The
// single-segment wildcard "*" does not match "/" — this is the standard
// path.Match behavior. Use "**" to match across hierarchy boundaries.
//
// Returns false for malformed patterns (unmatched brackets, etc.)
// rather than propagating errors — a malformed pattern should never
// grant access.
func MatchPattern(pattern, name string) bool {
	// Universal match.
	if pattern == "**" {
		return true
	}

	// No ** in the pattern — delegate to path.Match which handles
	// single-segment * and ? correctly (not matching /).
	if !strings.Contains(pattern, "**") {
		matched, err := path.Match(pattern, name)
		if err != nil {
			// Malformed pattern — deny.
			return false
		}
		return matched
	}

	// Pattern contains **. Handle the three cases: suffix, prefix, interior.

	// Suffix: "contact/**" — match the prefix (with glob wildcards),
	// then anything after.
	if strings.HasSuffix(pattern, "/**") {
		prefix := pattern[:len(pattern)-3]
		// ** matches zero additional segments: the entire name is the prefix.
		if matchGlob(prefix, name) {
			return true
		}
		// ** matches one or more additional segments.
		return hasMatchingPrefix(prefix, name)
	}

	// Prefix: "**/url" — match anything before, then the suffix (with
	// glob wildcards).
	if strings.HasPrefix(pattern, "**/") {
		suffix := pattern[3:]
		// ** matches zero additional segments: the entire name is the suffix.
		if matchGlob(suffix, name) {
			return true
		}
		// ** matches one or more additional segments.
		return hasMatchingSuffix(suffix, name)
	}

	// Interior: "profile/**/url" — split on the first /**, match prefix
	// and suffix independently with glob wildcards.
	separatorIndex := strings.Index(pattern, "/**/")
	if separatorIndex >= 0 {
		prefix := pattern[:separatorIndex]
		suffix := pattern[separatorIndex+4:]

		// Zero-segment case: ** matches nothing, prefix and suffix
		// are adjacent. "profile/**/url" matches "profile/url".
		if matchGlob(prefix+"/"+suffix, name) {
			return true
		}

		// Multi-segment case: prefix matches the start, suffix matches
		// the end, with at least one segment between for ** to consume.
		prefixDepth := strings.Count(prefix, "/") + 1
		suffixDepth := strings.Count(suffix, "/") + 1
		segments := strings.Split(name, "/")

		if len(segments) < prefixDepth+1+suffixDepth {
			return false
		}

		prefixCandidate := strings.Join(segments[:prefixDepth], "/")
		if !matchGlob(prefix, prefixCandidate) {
			return false
		}

		suffixCandidate := strings.Join(segments[len(segments)-suffixDepth:], "/")
		if !matchGlob(suffix, suffixCandidate) {
			return false
		}

		// Segments consumed by ** must be non-empty (reject names with
		// consecutive slashes between prefix and suffix).
		for _, segment := range segments[prefixDepth : len(segments)-suffixDepth] {
			if segment == "" {
				return false
			}
		}
		return true
	}

	// Multiple ** segments or other complex patterns — not supported.
	// Deny by default.
	return false
}

// matchGlob matches a pattern against a string using path.Match
// semantics (wildcards * and ? do not cross / boundaries). Returns
// false for malformed patterns.
func matchGlob(pattern, s string) bool {
	matched, err := path.Match(pattern, s)
	return err == nil && matched
}

// hasMatchingPrefix reports whether the name starts with segments that
// match the given glob pattern, with at least one additional segment
// after the matched portion.
func hasMatchingPrefix(pattern, name string) bool {
	depth := strings.Count(pattern, "/") + 1
	segments := strings.SplitN(name, "/", depth+1)
	if len(segments) <= depth {
		return false
	}
	candidate := strings.Join(segments[:depth], "/")
	return matchGlob(pattern, candidate)
}

// hasMatchingSuffix reports whether the name ends with segments that
// match the given glob pattern, with at least one additional segment
// before the matched portion.
func hasMatchingSuffix(pattern, name string) bool {
	depth := strings.Count(pattern, "/") + 1
	segments := strings.Split(name, "/")
	if len(segments) <= depth {
		return false
	}
	candidate := strings.Join(segments[len(segments)-depth:], "/")
	return matchGlob(pattern, candidate)
}

// MatchAnyPattern checks whether a name matches any of the given glob
// patterns. Returns false if the patterns slice is empty (default-deny).
func MatchAnyPattern(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if MatchPattern(pattern, name) {
			return true
		}
	}
	return false
}

// FilterNames returns the names that match any of the given patterns,
// preserving input order. Used to narrow a peer's property listing to
// what a wildcard grant actually covers.
func FilterNames(names, patterns []string) []string {
	var matched []string
	for _, name := range names {
		if MatchAnyPattern(patterns, name) {
			matched = append(matched, name)
		}
	}
	return matched
}

// IsExactPattern reports whether a pattern contains no glob
// metacharacters and therefore names exactly one thing. The
// incremental grant path fetches exact patterns directly without a
// name listing.
func IsExactPattern(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?[")
}
