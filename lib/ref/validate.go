// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// maxIdentifierLength is the maximum allowed length for an actor or
// peer identifier. Identifiers appear as single path segments in peer
// URLs and as key components in the attribute store; 128 characters
// is far beyond anything the protocol produces and keeps storage keys
// bounded.
const maxIdentifierLength = 128

// allowedIdentifierChars is the set of characters permitted in actor
// and peer identifiers: a-z, A-Z, 0-9, and the symbols . _ = - @.
// Slashes are excluded because identifiers are single URL path
// segments.
var allowedIdentifierChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		allowedIdentifierChars[c] = true
	}
	for c := byte('A'); c <= 'Z'; c++ {
		allowedIdentifierChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		allowedIdentifierChars[c] = true
	}
	allowedIdentifierChars['.'] = true
	allowedIdentifierChars['_'] = true
	allowedIdentifierChars['='] = true
	allowedIdentifierChars['-'] = true
	allowedIdentifierChars['@'] = true
}

// validateIdentifier enforces the identifier safety rules shared by
// actor and peer IDs: restricted character set, bounded length, no
// leading dot (hidden-file lookalikes in storage paths).
func validateIdentifier(raw, label string) error {
	if raw == "" {
		return fmt.Errorf("%s is empty", label)
	}
	if len(raw) > maxIdentifierLength {
		return fmt.Errorf("%s %q is %d characters, maximum is %d", label, raw, len(raw), maxIdentifierLength)
	}
	for i := 0; i < len(raw); i++ {
		if !allowedIdentifierChars[raw[i]] {
			return fmt.Errorf("%s %q: invalid character %q at position %d (allowed: a-z, A-Z, 0-9, ., _, =, -, @)", label, raw, raw[i], i)
		}
	}
	if raw[0] == '.' {
		return fmt.Errorf("%s %q must not start with '.'", label, raw)
	}
	return nil
}
