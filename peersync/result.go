// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"errors"

	"github.com/weftlabs/weft/lib/ref"
)

// Status is the per-subsystem outcome of one sync. Distinguishing
// "skipped because fresh" from "failed" matters: a caller deciding
// whether to alarm needs to know that nothing changed because nothing
// needed to, not because the peer was unreachable.
type Status string

const (
	// StatusOK: the subsystem refreshed (or applied) successfully.
	StatusOK Status = "ok"

	// StatusFailed: the refresh was attempted and failed; the prior
	// cached value (or mirror state) is untouched.
	StatusFailed Status = "failed"

	// StatusSkippedFresh: the cached value was within its max-age
	// and ForceRefresh was not set.
	StatusSkippedFresh Status = "skipped-fresh"

	// StatusSkipped: the subsystem was not exercised — no
	// subscription needed a baseline, or the permission set was
	// already delivered by a callback in the same logical operation.
	StatusSkipped Status = "skipped"

	// StatusFallback: profile only — derivation from mirrored
	// properties missed and a dedicated network fetch filled in.
	StatusFallback Status = "fallback"
)

// SyncOptions modifies SyncPeer behavior.
type SyncOptions struct {
	// ForceRefresh bypasses every staleness check: a manual sync is
	// always a complete refresh, including baselines of subscriptions
	// that are not marked for resync.
	ForceRefresh bool

	// permissionsDelivered marks that the effective permission set
	// was just stored by a permission callback in this same logical
	// operation, so the permissions refresh would refetch what was
	// just received.
	permissionsDelivered bool
}

// SyncResult reports one peer sync, per subsystem.
type SyncResult struct {
	Owner ref.ActorID
	Peer  ref.PeerID

	Baseline     Status
	Profile      Status
	Capabilities Status
	Permissions  Status

	// Resynced lists the subscriptions whose baseline was replaced.
	Resynced []ref.SubscriptionID

	// Errors carries the failure behind each StatusFailed, in
	// subsystem order. Soft failures: the sync ran to completion
	// around them.
	Errors []error
}

// Err flattens the soft failures into one error, or nil when every
// subsystem is ok, skipped, or fresh.
func (r SyncResult) Err() error {
	return errors.Join(r.Errors...)
}

// SyncOutcome pairs a SyncResult with the terminal error of an async
// sync. Err is non-nil only when the sync could not run at all
// (unknown pair, canceled context); subsystem failures live in
// Result.Errors.
type SyncOutcome struct {
	Result SyncResult
	Err    error
}
