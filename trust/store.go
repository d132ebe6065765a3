// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/weftlabs/weft/attrstore"
	"github.com/weftlabs/weft/lib/clock"
	"github.com/weftlabs/weft/lib/codec"
	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/lib/secret"
	"github.com/weftlabs/weft/peering"
	"github.com/weftlabs/weft/permission"
)

// recordBucket is the attribute-store bucket holding trust records,
// one row per (owner, peer) pair, named by the peer ID.
const recordBucket = "trust"

var (
	// ErrUnknownPeer is returned when no trust record exists for the
	// requested (owner, peer) pair.
	ErrUnknownPeer = errors.New("trust: no record for peer")

	// ErrNotEstablished is returned by Lookup when a record exists but
	// one side has not approved the relationship yet.
	ErrNotEstablished = errors.New("trust: relationship not approved by both sides")

	// ErrNoSecret is returned by Lookup when the relationship is
	// established but no pairwise secret has been provisioned. The
	// store fails closed rather than producing an unauthenticated
	// endpoint.
	ErrNoSecret = errors.New("trust: no secret provisioned for pair")
)

// Record describes one pairwise trust relationship as seen by the
// owning local actor. The relationship's secret is not part of the
// Record: it is sealed at rest and only ever surfaces inside the
// peering.Endpoint that Lookup produces.
type Record struct {
	// Peer identifies the remote actor.
	Peer ref.PeerID

	// BaseURL is the peer's advertised HTTP base. May be empty on a
	// half-established record; Lookup requires it.
	BaseURL string

	// Relationship names the permission-default template that applies
	// to this pair (e.g. "friend", "colleague"). Resolved against
	// permission.Defaults at sync time, so retemplating a relationship
	// takes effect without touching stored records.
	Relationship string

	// Override widens or narrows the relationship defaults for this
	// pair alone. The grant the peer actually holds is always
	// Merge(defaults, Override), never the override by itself.
	Override permission.Snapshot

	// Approved records the local actor's consent.
	Approved bool

	// PeerApproved records the remote actor's consent, learned through
	// the trust handshake.
	PeerApproved bool

	// CreatedAt and UpdatedAt are stamped by the store; values set by
	// the caller are ignored.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Established reports whether both sides have approved the
// relationship. Only established pairs resolve to endpoints and
// participate in synchronization.
func (r Record) Established() bool { return r.Approved && r.PeerApproved }

// storedRecord is the persistence shape. The sealed secret rides with
// the record so that a trust pair is a single attribute row: deleting
// the row deletes the last copy of the secret.
type storedRecord struct {
	Peer         ref.PeerID          `cbor:"peer"`
	BaseURL      string              `cbor:"base_url"`
	Relationship string              `cbor:"relationship"`
	Override     permission.Snapshot `cbor:"override,omitempty"`
	Approved     bool                `cbor:"approved"`
	PeerApproved bool                `cbor:"peer_approved"`
	CreatedAt    time.Time           `cbor:"created_at"`
	UpdatedAt    time.Time           `cbor:"updated_at"`
	SealedSecret []byte              `cbor:"sealed_secret,omitempty"`
}

func (sr storedRecord) record() Record {
	return Record{
		Peer:         sr.Peer,
		BaseURL:      sr.BaseURL,
		Relationship: sr.Relationship,
		Override:     sr.Override,
		Approved:     sr.Approved,
		PeerApproved: sr.PeerApproved,
		CreatedAt:    sr.CreatedAt,
		UpdatedAt:    sr.UpdatedAt,
	}
}

type pairKey struct {
	owner ref.ActorID
	peer  ref.PeerID
}

// Config holds the parameters for creating a trust Store.
type Config struct {
	// Attributes is the backing attribute store. Required; borrowed,
	// not closed by the Store.
	Attributes *attrstore.Store

	// Vault seals and unseals pairwise secrets. Required; borrowed.
	Vault *Vault

	// Clock stamps record timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Store is the store of record for trust relationships. It persists
// records (with sealed secrets) in the attribute store and resolves
// (owner, peer) pairs to endpoints for the peering client.
//
// Unsealed secrets are cached in guarded memory for the lifetime of
// the Store, so steady-state lookups cost one attribute read and no
// crypto. Safe for concurrent use.
type Store struct {
	attrs  *attrstore.Store
	vault  *Vault
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	unsealed map[pairKey]*secret.Buffer
	closed   bool
}

var _ peering.Directory = (*Store)(nil)

// NewStore creates a trust store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Attributes == nil {
		return nil, fmt.Errorf("trust: Attributes is required")
	}
	if cfg.Vault == nil {
		return nil, fmt.Errorf("trust: Vault is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("trust: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("trust: Logger is required")
	}

	return &Store{
		attrs:    cfg.Attributes,
		vault:    cfg.Vault,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		unsealed: make(map[pairKey]*secret.Buffer),
	}, nil
}

// Close releases all cached unsealed secrets. The attribute store and
// vault are borrowed and stay open. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for key, buffer := range s.unsealed {
		buffer.Close()
		delete(s.unsealed, key)
	}
	return nil
}

// Put creates or updates the trust record for (owner, record.Peer).
// On update the existing sealed secret and CreatedAt are preserved;
// use PutSecret to provision or rotate the secret.
func (s *Store) Put(ctx context.Context, owner ref.ActorID, record Record) error {
	if owner.IsZero() {
		return fmt.Errorf("trust: owner is required")
	}
	if record.Peer.IsZero() {
		return fmt.Errorf("trust: record has no peer")
	}
	if record.Relationship == "" {
		return fmt.Errorf("trust: record for %s has no relationship", record.Peer)
	}
	if err := record.Override.Validate(); err != nil {
		return fmt.Errorf("trust: record for %s: %w", record.Peer, err)
	}

	now := s.clock.Now()
	stored := storedRecord{
		Peer:         record.Peer,
		BaseURL:      record.BaseURL,
		Relationship: record.Relationship,
		Override:     record.Override,
		Approved:     record.Approved,
		PeerApproved: record.PeerApproved,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	existing, err := s.load(ctx, owner, record.Peer)
	switch {
	case err == nil:
		stored.CreatedAt = existing.CreatedAt
		stored.SealedSecret = existing.SealedSecret
	case errors.Is(err, ErrUnknownPeer):
		// First write for this pair.
	default:
		return err
	}

	return s.save(ctx, owner, stored)
}

// PutSecret seals secretValue to the (owner, peer) pair and attaches
// it to the existing trust record, replacing any previous secret. The
// buffer is borrowed; the caller keeps ownership.
func (s *Store) PutSecret(ctx context.Context, owner ref.ActorID, peer ref.PeerID, secretValue *secret.Buffer) error {
	if owner.IsZero() {
		return fmt.Errorf("trust: owner is required")
	}
	if peer.IsZero() {
		return fmt.Errorf("trust: peer is required")
	}
	if secretValue == nil {
		return fmt.Errorf("trust: secret is required")
	}

	stored, err := s.load(ctx, owner, peer)
	if err != nil {
		return err
	}

	sealedSecret, err := s.vault.SealSecret(secretValue.Bytes(), owner, peer)
	if err != nil {
		return err
	}
	stored.SealedSecret = sealedSecret
	stored.UpdatedAt = s.clock.Now()

	if err := s.save(ctx, owner, stored); err != nil {
		return err
	}
	s.evict(owner, peer)
	return nil
}

// Get returns the trust record for (owner, peer). Returns an error
// wrapping ErrUnknownPeer when no record exists.
func (s *Store) Get(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (Record, error) {
	stored, err := s.load(ctx, owner, peer)
	if err != nil {
		return Record{}, err
	}
	return stored.record(), nil
}

// List returns all trust records owned by the actor, sorted by peer
// ID for stable output.
func (s *Store) List(ctx context.Context, owner ref.ActorID) ([]Record, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("trust: owner is required")
	}

	rows, err := s.attrs.ListBucket(ctx, owner.String(), recordBucket)
	if err != nil {
		return nil, fmt.Errorf("trust: listing records for %s: %w", owner, err)
	}

	records := make([]Record, 0, len(rows))
	for name, value := range rows {
		var stored storedRecord
		if err := codec.Unmarshal(value, &stored); err != nil {
			return nil, fmt.Errorf("trust: decoding record %s for %s: %w", name, owner, err)
		}
		records = append(records, stored.record())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Peer.String() < records[j].Peer.String()
	})
	return records, nil
}

// Delete removes the trust record for (owner, peer), including its
// sealed secret, and drops any cached unsealed copy. Deleting a
// missing record is not an error.
//
// This removes only the record itself. Tearing down a relationship
// also means deleting synced data, subscriptions, and cached
// metadata; the sync engine orchestrates that and deletes the trust
// record last, so a crash mid-teardown leaves a retryable state.
func (s *Store) Delete(ctx context.Context, owner ref.ActorID, peer ref.PeerID) error {
	if owner.IsZero() {
		return fmt.Errorf("trust: owner is required")
	}
	if peer.IsZero() {
		return fmt.Errorf("trust: peer is required")
	}

	if err := s.attrs.Delete(ctx, owner.String(), recordBucket, peer.String()); err != nil {
		return fmt.Errorf("trust: deleting record for %s/%s: %w", owner, peer, err)
	}
	s.evict(owner, peer)
	return nil
}

// Lookup resolves (owner, peer) to the endpoint of their established
// trust relationship, unsealing the pairwise secret on first use.
// Implements peering.Directory.
func (s *Store) Lookup(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (peering.Endpoint, error) {
	stored, err := s.load(ctx, owner, peer)
	if err != nil {
		return peering.Endpoint{}, err
	}
	if !stored.record().Established() {
		return peering.Endpoint{}, fmt.Errorf("trust: %s and %s: %w", owner, peer, ErrNotEstablished)
	}
	if stored.BaseURL == "" {
		return peering.Endpoint{}, fmt.Errorf("trust: record for %s/%s has no base URL", owner, peer)
	}
	if len(stored.SealedSecret) == 0 {
		return peering.Endpoint{}, fmt.Errorf("trust: %s and %s: %w", owner, peer, ErrNoSecret)
	}

	buffer, err := s.unseal(owner, peer, stored.SealedSecret)
	if err != nil {
		return peering.Endpoint{}, err
	}
	return peering.Endpoint{BaseURL: stored.BaseURL, Secret: buffer}, nil
}

// VerifySecret reports whether presented matches the pairwise secret
// for (owner, peer), in constant time. Used by the callback listener
// to authenticate inbound peer requests: the pair comes from the
// request's From/To headers, never from the secret alone. A missing
// record or missing secret is an error, not a mismatch, so callers can
// distinguish "wrong secret" from "no relationship".
func (s *Store) VerifySecret(ctx context.Context, owner ref.ActorID, peer ref.PeerID, presented []byte) (bool, error) {
	stored, err := s.load(ctx, owner, peer)
	if err != nil {
		return false, err
	}
	if !stored.record().Established() {
		return false, fmt.Errorf("trust: %s and %s: %w", owner, peer, ErrNotEstablished)
	}
	if len(stored.SealedSecret) == 0 {
		return false, fmt.Errorf("trust: %s and %s: %w", owner, peer, ErrNoSecret)
	}

	buffer, err := s.unseal(owner, peer, stored.SealedSecret)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(buffer.Bytes(), presented) == 1, nil
}

func (s *Store) load(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (storedRecord, error) {
	if owner.IsZero() {
		return storedRecord{}, fmt.Errorf("trust: owner is required")
	}
	if peer.IsZero() {
		return storedRecord{}, fmt.Errorf("trust: peer is required")
	}

	value, err := s.attrs.Get(ctx, owner.String(), recordBucket, peer.String())
	if errors.Is(err, attrstore.ErrNotFound) {
		return storedRecord{}, fmt.Errorf("trust: %s has no record for %s: %w", owner, peer, ErrUnknownPeer)
	}
	if err != nil {
		return storedRecord{}, fmt.Errorf("trust: loading record for %s/%s: %w", owner, peer, err)
	}

	var stored storedRecord
	if err := codec.Unmarshal(value, &stored); err != nil {
		return storedRecord{}, fmt.Errorf("trust: decoding record for %s/%s: %w", owner, peer, err)
	}
	return stored, nil
}

func (s *Store) save(ctx context.Context, owner ref.ActorID, stored storedRecord) error {
	value, err := codec.Marshal(stored)
	if err != nil {
		return fmt.Errorf("trust: encoding record for %s/%s: %w", owner, stored.Peer, err)
	}
	if err := s.attrs.Put(ctx, owner.String(), recordBucket, stored.Peer.String(), value); err != nil {
		return fmt.Errorf("trust: storing record for %s/%s: %w", owner, stored.Peer, err)
	}
	return nil
}

// unseal returns the cached unsealed secret for the pair, unsealing
// and caching it on first use. Unsealing happens under the lock: it
// is local crypto, and serializing it keeps a racing double-unseal
// from leaking a buffer.
func (s *Store) unseal(owner ref.ActorID, peer ref.PeerID, sealedSecret []byte) (*secret.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("trust: store is closed")
	}

	key := pairKey{owner: owner, peer: peer}
	if buffer, ok := s.unsealed[key]; ok {
		return buffer, nil
	}

	buffer, err := s.vault.UnsealSecret(sealedSecret, owner, peer)
	if err != nil {
		return nil, err
	}
	s.unsealed[key] = buffer
	return buffer, nil
}

func (s *Store) evict(owner ref.ActorID, peer ref.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{owner: owner, peer: peer}
	if buffer, ok := s.unsealed[key]; ok {
		buffer.Close()
		delete(s.unsealed, key)
	}
}
