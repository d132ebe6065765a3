// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// PeerID identifies the remote actor in a trust relationship: the
// actor whose data we mirror, or who mirrors ours. A peer ID is the
// remote actor's own identifier as reported during the trust
// handshake; it has the same identifier form as an ActorID but is a
// distinct type so owner and peer cannot be swapped at a call site.
//
// PeerID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type PeerID struct {
	id string
}

// ParsePeerID validates and wraps a raw peer identifier.
func ParsePeerID(raw string) (PeerID, error) {
	if err := validateIdentifier(raw, "peer ID"); err != nil {
		return PeerID{}, err
	}
	return PeerID{id: raw}, nil
}

// MustParsePeerID is like ParsePeerID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParsePeerID(raw string) PeerID {
	peer, err := ParsePeerID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParsePeerID(%q): %v", raw, err))
	}
	return peer
}

// String returns the raw identifier string. Panics on the zero value.
func (p PeerID) String() string {
	if p.id == "" {
		panic("ref: String on zero PeerID")
	}
	return p.id
}

// IsZero reports whether the PeerID is the zero value.
func (p PeerID) IsZero() bool { return p.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (p PeerID) MarshalText() ([]byte, error) {
	if p.id == "" {
		return nil, nil
	}
	return []byte(p.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (p *PeerID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*p = PeerID{}
		return nil
	}
	parsed, err := ParsePeerID(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
