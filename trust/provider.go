// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"fmt"

	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/permission"
)

// Provider supplies the effective permission set a local actor has
// granted to a peer. The sync engine consults it on the publishing
// side: before a property diff is queued for an inbound subscription,
// and when serving a peer's baseline or permission fetch.
type Provider interface {
	EffectivePermissions(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (permission.EffectiveSet, error)
}

// PermissionSource implements Provider over the trust store and the
// node's relationship defaults: the grant is always
// Merge(defaults[record.Relationship], record.Override). Defaults are
// resolved at call time, so reloading a relationship's defaults takes
// effect on the next evaluation without touching stored records.
type PermissionSource struct {
	Store    *Store
	Defaults *permission.Defaults
}

var _ Provider = PermissionSource{}

// EffectivePermissions returns the merged grant for (owner, peer).
// Fails with ErrUnknownPeer or ErrNotEstablished when there is no
// usable relationship; callers treat both as "nothing granted".
func (p PermissionSource) EffectivePermissions(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (permission.EffectiveSet, error) {
	record, err := p.Store.Get(ctx, owner, peer)
	if err != nil {
		return permission.EffectiveSet{}, err
	}
	if !record.Established() {
		return permission.EffectiveSet{}, fmt.Errorf("trust: %s and %s: %w", owner, peer, ErrNotEstablished)
	}
	defaults := permission.Snapshot{}
	if p.Defaults != nil {
		defaults = p.Defaults.For(record.Relationship)
	}
	return permission.Merge(defaults, record.Override), nil
}
