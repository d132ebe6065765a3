// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// ActorID identifies an actor hosted by this node: the owner side of
// every trust relationship, subscription, and mirrored data set.
//
// ActorID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type ActorID struct {
	id string
}

// ParseActorID validates and wraps a raw actor identifier.
func ParseActorID(raw string) (ActorID, error) {
	if err := validateIdentifier(raw, "actor ID"); err != nil {
		return ActorID{}, err
	}
	return ActorID{id: raw}, nil
}

// MustParseActorID is like ParseActorID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseActorID(raw string) ActorID {
	actor, err := ParseActorID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseActorID(%q): %v", raw, err))
	}
	return actor
}

// String returns the raw identifier string. Panics on the zero value:
// an unset actor ID must never leak into URLs or storage keys.
func (a ActorID) String() string {
	if a.id == "" {
		panic("ref: String on zero ActorID")
	}
	return a.id
}

// IsZero reports whether the ActorID is the zero value.
func (a ActorID) IsZero() bool { return a.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (a ActorID) MarshalText() ([]byte, error) {
	if a.id == "" {
		return nil, nil
	}
	return []byte(a.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (a *ActorID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*a = ActorID{}
		return nil
	}
	parsed, err := ParseActorID(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
