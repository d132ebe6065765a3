// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// SubscriptionID identifies one subscription between an owner actor
// and a peer. IDs are ULIDs: 26-character Crockford base32 strings
// that sort lexicographically by creation time, which keeps
// subscription listings in creation order without a separate sort
// key.
//
// SubscriptionID is an immutable value type. The zero value is not
// valid; use IsZero to check.
type SubscriptionID struct {
	id string
}

// NewSubscriptionID generates a fresh subscription ID from the
// current wall clock and cryptographic randomness.
func NewSubscriptionID() SubscriptionID {
	return SubscriptionID{id: ulid.Make().String()}
}

// ParseSubscriptionID validates and wraps a raw subscription ID. The
// input must be a canonical 26-character ULID.
func ParseSubscriptionID(raw string) (SubscriptionID, error) {
	if raw == "" {
		return SubscriptionID{}, fmt.Errorf("empty subscription ID")
	}
	parsed, err := ulid.ParseStrict(raw)
	if err != nil {
		return SubscriptionID{}, fmt.Errorf("subscription ID %q: %w", raw, err)
	}
	return SubscriptionID{id: parsed.String()}, nil
}

// MustParseSubscriptionID is like ParseSubscriptionID but panics on
// error. Use in tests where the input is known-valid.
func MustParseSubscriptionID(raw string) SubscriptionID {
	id, err := ParseSubscriptionID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseSubscriptionID(%q): %v", raw, err))
	}
	return id
}

// String returns the canonical ULID string. Panics on the zero value.
func (s SubscriptionID) String() string {
	if s.id == "" {
		panic("ref: String on zero SubscriptionID")
	}
	return s.id
}

// IsZero reports whether the SubscriptionID is the zero value.
func (s SubscriptionID) IsZero() bool { return s.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (s SubscriptionID) MarshalText() ([]byte, error) {
	if s.id == "" {
		return nil, nil
	}
	return []byte(s.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (s *SubscriptionID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = SubscriptionID{}
		return nil
	}
	parsed, err := ParseSubscriptionID(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
