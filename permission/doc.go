// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package permission models what a peer may see of an actor's data:
// per-category pattern rules, the merge of trust-type defaults with
// per-peer overrides, and change detection between snapshots.
//
// The central type is [EffectiveSet]: the union of a relationship's
// default permissions and the actor's override for one specific peer.
// An EffectiveSet can only be produced by [Merge] (or restored from a
// previous Merge via [DecodeEffective]); raw override payloads never
// masquerade as one. This distinction exists because comparing an
// override-only delta against a cached effective set fabricates
// revocations for every pattern the defaults contribute, and the
// revocation path deletes mirrored data.
//
// [ComputeChanges] is the change detector: per category, granted is
// new minus old and revoked is old minus new, on pattern strings with
// set semantics. Both inputs must be effective sets; the zero
// EffectiveSet is rejected.
//
// Pattern matching follows hierarchical glob conventions: "*" matches
// within one /-separated segment, "**" crosses segments, "?" matches
// a single character. Exclude rules always win over include rules.
package permission
