// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/weftlabs/weft/attrstore"
	"github.com/weftlabs/weft/lib/clock"
	"github.com/weftlabs/weft/lib/codec"
	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/permission"
)

// Default staleness bounds. Capabilities are near-static (the methods
// and actions a peer exposes rarely change), so they get the longest
// default; profiles change on human timescales and mirror the
// protocol's session TTL.
const (
	DefaultProfileMaxAge    = 10 * time.Minute
	DefaultCapabilityMaxAge = time.Hour
	DefaultPermissionMaxAge = time.Hour
)

// defaultCacheSize bounds each metadata cache. A node rarely holds
// more than a few hundred active pairs; evicted entries just refetch.
const defaultCacheSize = 1024

// metadataBucket holds the persisted permission snapshot for one
// peer; see Caches.StorePermissions.
func metadataBucket(peer ref.PeerID) string {
	return "peermeta:" + peer.String()
}

const permissionAttribute = "permissions"

// Profile is the cached derived view of a peer's identity fields.
type Profile struct {
	DisplayName string `json:"displayname,omitempty"`
	Description string `json:"description,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`

	// Derived reports whether the profile was extracted from
	// already-mirrored properties (no network call) rather than
	// fetched from the peer's profile endpoint.
	Derived bool `json:"-"`
}

// Capabilities is the cached view of what a peer exposes: the
// protocol methods it serves and the actions it accepts.
type Capabilities struct {
	Methods []string `json:"methods"`
	Actions []string `json:"actions"`
}

// pairKey keys cache entries by (owner, peer). Trust is pairwise, so
// the same peer may present different metadata to different local
// actors.
type pairKey struct {
	owner ref.ActorID
	peer  ref.PeerID
}

// cacheEntry pairs a cached value with its fetch instant for
// staleness decisions.
type cacheEntry[T any] struct {
	value     T
	fetchedAt time.Time
}

// metadataCache is one TTL-aware LRU cache. Staleness is decided by
// the caller against the returned age, not inside the cache: the
// cache never discards on read, so a stale entry survives a failed
// refresh (soft failure keeps the prior value).
type metadataCache[T any] struct {
	clock   clock.Clock
	entries *lru.Cache[pairKey, cacheEntry[T]]
}

func newMetadataCache[T any](clk clock.Clock, size int) (*metadataCache[T], error) {
	entries, err := lru.New[pairKey, cacheEntry[T]](size)
	if err != nil {
		return nil, err
	}
	return &metadataCache[T]{clock: clk, entries: entries}, nil
}

// get returns the cached value and its age. ok is false on a miss.
func (c *metadataCache[T]) get(owner ref.ActorID, peer ref.PeerID) (value T, age time.Duration, ok bool) {
	entry, ok := c.entries.Get(pairKey{owner: owner, peer: peer})
	if !ok {
		var zero T
		return zero, 0, false
	}
	return entry.value, c.clock.Now().Sub(entry.fetchedAt), true
}

// store records a value fetched now.
func (c *metadataCache[T]) store(owner ref.ActorID, peer ref.PeerID, value T) {
	c.entries.Add(pairKey{owner: owner, peer: peer}, cacheEntry[T]{
		value:     value,
		fetchedAt: c.clock.Now(),
	})
}

func (c *metadataCache[T]) remove(owner ref.ActorID, peer ref.PeerID) {
	c.entries.Remove(pairKey{owner: owner, peer: peer})
}

func (c *metadataCache[T]) removeOwner(owner ref.ActorID) {
	for _, key := range c.entries.Keys() {
		if key.owner == owner {
			c.entries.Remove(key)
		}
	}
}

// CachesConfig holds the parameters for creating the metadata caches.
type CachesConfig struct {
	// Attrs persists permission snapshots across restarts. Required:
	// change detection needs the previous effective set even after
	// the process bounced.
	Attrs *attrstore.Store

	// Clock provides fetch timestamps and staleness ages. Required.
	Clock clock.Clock

	// Logger receives soft-failure messages. Required.
	Logger *slog.Logger

	// Size bounds each cache. Defaults to 1024 pairs.
	Size int
}

// Caches bundles the three per-pair metadata caches: profile,
// capabilities, and permissions. Profile and capabilities are purely
// in-memory; the permission snapshot writes through to the attribute
// store because the symmetric change detector must compare against
// the previous effective set across process restarts.
//
// The caches perform no network calls and make no staleness decisions
// on their own; the engine compares the returned age against its
// configured max-age.
type Caches struct {
	attrs        *attrstore.Store
	logger       *slog.Logger
	profiles     *metadataCache[Profile]
	capabilities *metadataCache[Capabilities]
	permissions  *metadataCache[permission.EffectiveSet]
}

// NewCaches creates the metadata caches.
func NewCaches(cfg CachesConfig) (*Caches, error) {
	if cfg.Attrs == nil {
		return nil, fmt.Errorf("peersync: caches: Attrs is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("peersync: caches: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("peersync: caches: Logger is required")
	}
	size := cfg.Size
	if size <= 0 {
		size = defaultCacheSize
	}

	profiles, err := newMetadataCache[Profile](cfg.Clock, size)
	if err != nil {
		return nil, fmt.Errorf("peersync: caches: %w", err)
	}
	capabilities, err := newMetadataCache[Capabilities](cfg.Clock, size)
	if err != nil {
		return nil, fmt.Errorf("peersync: caches: %w", err)
	}
	permissions, err := newMetadataCache[permission.EffectiveSet](cfg.Clock, size)
	if err != nil {
		return nil, fmt.Errorf("peersync: caches: %w", err)
	}

	return &Caches{
		attrs:        cfg.Attrs,
		logger:       cfg.Logger,
		profiles:     profiles,
		capabilities: capabilities,
		permissions:  permissions,
	}, nil
}

// IsStale reports whether an entry of the given age must be
// refreshed.
func IsStale(age time.Duration, maxAge time.Duration) bool {
	return age > maxAge
}

// Profile returns the cached profile and its age.
func (c *Caches) Profile(owner ref.ActorID, peer ref.PeerID) (Profile, time.Duration, bool) {
	return c.profiles.get(owner, peer)
}

// StoreProfile caches a profile fetched or derived now.
func (c *Caches) StoreProfile(owner ref.ActorID, peer ref.PeerID, profile Profile) {
	c.profiles.store(owner, peer, profile)
}

// Capabilities returns the cached capabilities and their age.
func (c *Caches) Capabilities(owner ref.ActorID, peer ref.PeerID) (Capabilities, time.Duration, bool) {
	return c.capabilities.get(owner, peer)
}

// StoreCapabilities caches a capability document fetched now.
func (c *Caches) StoreCapabilities(owner ref.ActorID, peer ref.PeerID, capabilities Capabilities) {
	c.capabilities.store(owner, peer, capabilities)
}

// storedPermissions is the persisted form of a permission snapshot:
// the encoded effective set plus its fetch instant, CBOR-encoded in
// the attribute store.
type storedPermissions struct {
	Effective []byte    `cbor:"effective"`
	FetchedAt time.Time `cbor:"fetched_at"`
}

// Permissions returns the cached effective permission set and its
// age. On an in-memory miss it falls back to the persisted snapshot,
// so the previous effective set survives restarts and LRU eviction.
func (c *Caches) Permissions(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (permission.EffectiveSet, time.Duration, bool) {
	if set, age, ok := c.permissions.get(owner, peer); ok {
		return set, age, true
	}

	raw, err := c.attrs.Get(ctx, owner.String(), metadataBucket(peer), permissionAttribute)
	if err != nil {
		if !errors.Is(err, attrstore.ErrNotFound) {
			c.logger.Warn("loading persisted permission snapshot failed",
				"owner", owner.String(), "peer", peer.String(), "error", err)
		}
		return permission.EffectiveSet{}, 0, false
	}

	var stored storedPermissions
	if err := codec.Unmarshal(raw, &stored); err != nil {
		c.logger.Warn("decoding persisted permission snapshot failed",
			"owner", owner.String(), "peer", peer.String(), "error", err)
		return permission.EffectiveSet{}, 0, false
	}
	set, err := permission.DecodeEffective(stored.Effective)
	if err != nil {
		c.logger.Warn("decoding persisted effective set failed",
			"owner", owner.String(), "peer", peer.String(), "error", err)
		return permission.EffectiveSet{}, 0, false
	}

	// Restore into memory with the original fetch instant preserved
	// in the age calculation: the snapshot is as old as its fetch,
	// not as old as this read.
	c.permissions.entries.Add(pairKey{owner: owner, peer: peer}, cacheEntry[permission.EffectiveSet]{
		value:     set,
		fetchedAt: stored.FetchedAt,
	})
	return set, c.permissions.clock.Now().Sub(stored.FetchedAt), true
}

// StorePermissions caches an effective permission set fetched now and
// writes it through to the attribute store. The write-through is not
// best-effort: change detection silently degrades to "everything
// granted, nothing revoked" without a previous snapshot, so a
// persistence failure is surfaced.
func (c *Caches) StorePermissions(ctx context.Context, owner ref.ActorID, peer ref.PeerID, set permission.EffectiveSet) error {
	encoded, err := set.Encode()
	if err != nil {
		return fmt.Errorf("peersync: caching permissions for %s: %w", peer, err)
	}
	now := c.permissions.clock.Now()
	raw, err := codec.Marshal(storedPermissions{Effective: encoded, FetchedAt: now})
	if err != nil {
		return fmt.Errorf("peersync: caching permissions for %s: %w", peer, err)
	}
	if err := c.attrs.Put(ctx, owner.String(), metadataBucket(peer), permissionAttribute, raw); err != nil {
		return fmt.Errorf("peersync: persisting permissions for %s: %w", peer, err)
	}
	c.permissions.store(owner, peer, set)
	return nil
}

// PurgePeer drops all cached metadata for one pair. Called on trust
// teardown.
func (c *Caches) PurgePeer(ctx context.Context, owner ref.ActorID, peer ref.PeerID) error {
	c.profiles.remove(owner, peer)
	c.capabilities.remove(owner, peer)
	c.permissions.remove(owner, peer)
	if _, err := c.attrs.DeleteBucket(ctx, owner.String(), metadataBucket(peer)); err != nil {
		return fmt.Errorf("peersync: purging metadata for %s: %w", peer, err)
	}
	return nil
}

// PurgeOwner drops all cached metadata for every pair of one owner.
// Called on actor deletion; the attribute rows go with the owner's
// bulk delete.
func (c *Caches) PurgeOwner(owner ref.ActorID) {
	c.profiles.removeOwner(owner)
	c.capabilities.removeOwner(owner)
	c.permissions.removeOwner(owner)
}
