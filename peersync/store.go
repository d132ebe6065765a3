// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weftlabs/weft/attrstore"
	"github.com/weftlabs/weft/lib/digest"
	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/permission"
)

// ErrNoProperty is returned by reads when the mirror holds no property
// under the requested name.
var ErrNoProperty = errors.New("peersync: property not found")

// ErrNotList is returned by list operations on a simple property, and
// by List on one.
var ErrNotList = errors.New("peersync: property is not a list")

// Entry is one mirrored property: either a simple value or an ordered
// list of items. Exactly one of Value and Items is meaningful,
// discriminated by IsList. The JSON shape doubles as the storage
// encoding.
type Entry struct {
	Value  json.RawMessage   `json:"value,omitempty"`
	IsList bool              `json:"isList,omitempty"`
	Items  []json.RawMessage `json:"items,omitempty"`
}

// mirrorBucket names the attribute bucket holding the mirror of one
// peer's properties. The peer ID is part of the bucket, not the
// owner: the same owner mirrors many peers independently.
func mirrorBucket(peer ref.PeerID) string {
	return "mirror:" + peer.String()
}

// localBucket holds the owner actor's own published properties, the
// data inbound subscriptions replicate to peers.
const localBucket = "local"

// RemotePeerStore is the local mirror of trusted peers' properties,
// one bucket per (owner, peer) pair in the attribute store. It
// performs no network I/O; the engine is its only writer, serialized
// per pair by the engine's keyed lock.
type RemotePeerStore struct {
	attrs  *attrstore.Store
	logger *slog.Logger
}

// NewRemotePeerStore creates a mirror store over an attribute store.
func NewRemotePeerStore(attrs *attrstore.Store, logger *slog.Logger) *RemotePeerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemotePeerStore{attrs: attrs, logger: logger}
}

// ApplyBaseline atomically replaces the entire mirror for a peer with
// the given properties and returns a content digest of the applied
// state. The replace is all-or-nothing: on error the previous mirror
// is untouched.
//
// A nil map means "no data arrived" and is rejected — callers must
// only pass a successfully completed, fully decoded fetch. An empty
// non-nil map is authoritative (the peer legitimately has nothing
// visible to us) and clears the mirror.
func (s *RemotePeerStore) ApplyBaseline(ctx context.Context, owner ref.ActorID, peer ref.PeerID, properties map[string]Entry) (digest.Digest, error) {
	if properties == nil {
		return digest.Digest{}, fmt.Errorf("peersync: baseline for %s is nil, refusing to wipe mirror", peer)
	}

	values := make(map[string][]byte, len(properties))
	for name, entry := range properties {
		encoded, err := json.Marshal(entry)
		if err != nil {
			return digest.Digest{}, fmt.Errorf("peersync: encoding baseline property %q: %w", name, err)
		}
		values[name] = encoded
	}

	if err := s.attrs.ReplaceBucket(ctx, owner.String(), mirrorBucket(peer), values); err != nil {
		return digest.Digest{}, fmt.Errorf("peersync: applying baseline for %s: %w", peer, err)
	}

	return baselineDigest(properties)
}

// baselineDigest computes the content digest of a property map.
// encoding/json sorts map keys, so equal maps digest equally.
func baselineDigest(properties map[string]Entry) (digest.Digest, error) {
	canonical, err := json.Marshal(properties)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("peersync: digesting baseline: %w", err)
	}
	return digest.Baseline(canonical), nil
}

// UpsertProperty writes one property, replacing any previous entry
// under the name.
func (s *RemotePeerStore) UpsertProperty(ctx context.Context, owner ref.ActorID, peer ref.PeerID, name string, entry Entry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("peersync: encoding property %q: %w", name, err)
	}
	if err := s.attrs.Put(ctx, owner.String(), mirrorBucket(peer), name, encoded); err != nil {
		return fmt.Errorf("peersync: upserting %q for %s: %w", name, peer, err)
	}
	return nil
}

// DeleteProperty removes one property. Deleting an absent property is
// not an error: delete diffs are idempotent.
func (s *RemotePeerStore) DeleteProperty(ctx context.Context, owner ref.ActorID, peer ref.PeerID, name string) error {
	if err := s.attrs.Delete(ctx, owner.String(), mirrorBucket(peer), name); err != nil {
		return fmt.Errorf("peersync: deleting %q for %s: %w", name, peer, err)
	}
	return nil
}

// UpsertListItem appends an item to a list property, creating the
// list if it does not exist. Appending to a simple property is an
// error.
func (s *RemotePeerStore) UpsertListItem(ctx context.Context, owner ref.ActorID, peer ref.PeerID, name string, item json.RawMessage) error {
	entry, err := s.Property(ctx, owner, peer, name)
	switch {
	case errors.Is(err, ErrNoProperty):
		entry = Entry{IsList: true, Items: []json.RawMessage{}}
	case err != nil:
		return err
	case !entry.IsList:
		return fmt.Errorf("peersync: appending to %q for %s: %w", name, peer, ErrNotList)
	}

	entry.Items = append(entry.Items, item)
	return s.UpsertProperty(ctx, owner, peer, name, entry)
}

// DeleteListItem removes every occurrence of an item (by exact JSON
// byte equality) from a list property. Removing from an absent list
// or removing an absent item is a no-op, so delete-from-list diffs
// are idempotent.
func (s *RemotePeerStore) DeleteListItem(ctx context.Context, owner ref.ActorID, peer ref.PeerID, name string, item json.RawMessage) error {
	entry, err := s.Property(ctx, owner, peer, name)
	switch {
	case errors.Is(err, ErrNoProperty):
		return nil
	case err != nil:
		return err
	case !entry.IsList:
		return fmt.Errorf("peersync: removing from %q for %s: %w", name, peer, ErrNotList)
	}

	kept := entry.Items[:0]
	for _, existing := range entry.Items {
		if !bytes.Equal(existing, item) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(entry.Items) {
		return nil
	}
	entry.Items = kept
	return s.UpsertProperty(ctx, owner, peer, name, entry)
}

// Property returns the full entry for one property, or ErrNoProperty.
func (s *RemotePeerStore) Property(ctx context.Context, owner ref.ActorID, peer ref.PeerID, name string) (Entry, error) {
	raw, err := s.attrs.Get(ctx, owner.String(), mirrorBucket(peer), name)
	if errors.Is(err, attrstore.ErrNotFound) {
		return Entry{}, fmt.Errorf("peersync: %q for %s: %w", name, peer, ErrNoProperty)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("peersync: reading %q for %s: %w", name, peer, err)
	}
	return decodeEntry(raw, name)
}

// Value returns a simple property's value, or ErrNoProperty. Reading
// a list property with Value is an error.
func (s *RemotePeerStore) Value(ctx context.Context, owner ref.ActorID, peer ref.PeerID, name string) (json.RawMessage, error) {
	entry, err := s.Property(ctx, owner, peer, name)
	if err != nil {
		return nil, err
	}
	if entry.IsList {
		return nil, fmt.Errorf("peersync: %q for %s is a list, not a value", name, peer)
	}
	return entry.Value, nil
}

// List returns a list property's items in order, or ErrNoProperty.
// Reading a simple property with List returns ErrNotList.
func (s *RemotePeerStore) List(ctx context.Context, owner ref.ActorID, peer ref.PeerID, name string) ([]json.RawMessage, error) {
	entry, err := s.Property(ctx, owner, peer, name)
	if err != nil {
		return nil, err
	}
	if !entry.IsList {
		return nil, fmt.Errorf("peersync: %q for %s: %w", name, peer, ErrNotList)
	}
	return entry.Items, nil
}

// Properties returns the entire mirror for one peer, keyed by
// property name.
func (s *RemotePeerStore) Properties(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (map[string]Entry, error) {
	raw, err := s.attrs.ListBucket(ctx, owner.String(), mirrorBucket(peer))
	if err != nil {
		return nil, fmt.Errorf("peersync: listing mirror for %s: %w", peer, err)
	}
	properties := make(map[string]Entry, len(raw))
	for name, encoded := range raw {
		entry, err := decodeEntry(encoded, name)
		if err != nil {
			return nil, err
		}
		properties[name] = entry
	}
	return properties, nil
}

// DeleteMatching removes every mirrored property whose name matches
// any of the given glob patterns and returns how many were removed.
// This is the revocation path; it runs only for patterns the
// symmetric change detector confirmed revoked.
func (s *RemotePeerStore) DeleteMatching(ctx context.Context, owner ref.ActorID, peer ref.PeerID, patterns []string) (int, error) {
	if len(patterns) == 0 {
		return 0, nil
	}
	raw, err := s.attrs.ListBucket(ctx, owner.String(), mirrorBucket(peer))
	if err != nil {
		return 0, fmt.Errorf("peersync: listing mirror for %s: %w", peer, err)
	}

	removed := 0
	for name := range raw {
		if !permission.MatchAnyPattern(patterns, name) {
			continue
		}
		if err := s.attrs.Delete(ctx, owner.String(), mirrorBucket(peer), name); err != nil {
			return removed, fmt.Errorf("peersync: deleting revoked %q for %s: %w", name, peer, err)
		}
		removed++
	}
	return removed, nil
}

// DeletePeer removes the entire mirror for one peer. Called on trust
// teardown.
func (s *RemotePeerStore) DeletePeer(ctx context.Context, owner ref.ActorID, peer ref.PeerID) error {
	if _, err := s.attrs.DeleteBucket(ctx, owner.String(), mirrorBucket(peer)); err != nil {
		return fmt.Errorf("peersync: deleting mirror for %s: %w", peer, err)
	}
	return nil
}

func decodeEntry(raw []byte, name string) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("peersync: decoding stored property %q: %w", name, err)
	}
	return entry, nil
}

// LocalStore holds an owner actor's own published properties: the
// source data inbound subscriptions replicate out to peers. It shares
// the mirror's entry encoding so the publish and mirror paths
// round-trip identically.
type LocalStore struct {
	attrs *attrstore.Store
}

// NewLocalStore creates a local property store over an attribute
// store.
func NewLocalStore(attrs *attrstore.Store) *LocalStore {
	return &LocalStore{attrs: attrs}
}

// Put writes one local property.
func (s *LocalStore) Put(ctx context.Context, owner ref.ActorID, name string, entry Entry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("peersync: encoding local property %q: %w", name, err)
	}
	if err := s.attrs.Put(ctx, owner.String(), localBucket, name, encoded); err != nil {
		return fmt.Errorf("peersync: writing local property %q: %w", name, err)
	}
	return nil
}

// Delete removes one local property.
func (s *LocalStore) Delete(ctx context.Context, owner ref.ActorID, name string) error {
	if err := s.attrs.Delete(ctx, owner.String(), localBucket, name); err != nil {
		return fmt.Errorf("peersync: deleting local property %q: %w", name, err)
	}
	return nil
}

// Get returns one local property, or ErrNoProperty.
func (s *LocalStore) Get(ctx context.Context, owner ref.ActorID, name string) (Entry, error) {
	raw, err := s.attrs.Get(ctx, owner.String(), localBucket, name)
	if errors.Is(err, attrstore.ErrNotFound) {
		return Entry{}, fmt.Errorf("peersync: local property %q: %w", name, ErrNoProperty)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("peersync: reading local property %q: %w", name, err)
	}
	return decodeEntry(raw, name)
}

// All returns every local property, keyed by name.
func (s *LocalStore) All(ctx context.Context, owner ref.ActorID) (map[string]Entry, error) {
	raw, err := s.attrs.ListBucket(ctx, owner.String(), localBucket)
	if err != nil {
		return nil, fmt.Errorf("peersync: listing local properties: %w", err)
	}
	properties := make(map[string]Entry, len(raw))
	for name, encoded := range raw {
		entry, err := decodeEntry(encoded, name)
		if err != nil {
			return nil, err
		}
		properties[name] = entry
	}
	return properties, nil
}
