// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package peersync keeps pairwise mirrors of trusted peers' published
// state. Each mirror is driven by a subscription: a baseline fetch
// fills the local copy, then sequence-numbered diffs arrive on a push
// callback and are applied strictly in order. A gap in the sequence
// marks the subscription for resync, and the next sync replaces the
// mirror atomically from a fresh baseline — a failed or partial fetch
// never destroys the previous good copy.
//
// The engine is symmetric. As a subscriber it maintains outbound
// subscriptions, ingests callbacks, and keeps per-peer metadata caches
// (profile, capabilities, permissions) with TTL staleness. As a
// publisher it accepts inbound subscriptions, assigns monotonic
// sequence numbers to local property mutations, filters every diff
// through the pair's effective permissions, and delivers callbacks to
// the peer's trusted endpoint.
//
// Permission changes flow through the same machinery: a permission
// callback carries the new defaults and override, the change detector
// computes what was granted and revoked, revoked data is deleted from
// the mirror, and granted data is fetched incrementally without a full
// resync.
//
// All writes for one (owner, peer) pair are serialized by a keyed
// lock, so a baseline resync and an incremental diff can never
// interleave on the same mirror.
package peersync
