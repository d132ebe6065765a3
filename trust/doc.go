// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust is the store of record for trust relationships: which
// peers each local actor has approved, at what relationship level,
// reachable where, authenticated how.
//
// The engine consumes established trusts; it never creates them. Trust
// establishment (the approval handshake, secret exchange) happens out
// of band — this package persists the result and answers two
// questions: "what is the endpoint and bearer secret for this (owner,
// peer) pair?" (the peering.Directory contract) and "what permission
// defaults apply?" (the relationship name, resolved through
// permission.Defaults).
//
// Bearer secrets never touch the attribute store in plaintext. Each is
// sealed with a key derived from the node master key and the (owner,
// peer) pair, so a blob copied between rows fails authentication. The
// master key itself is age-sealed at rest (see LoadOrCreateMasterKey)
// and lives in guarded memory while the daemon runs.
//
// Deleting a trust removes only the record here; subscription and
// mirror teardown is orchestrated by the sync engine, which deletes
// the record last so a crash mid-teardown leaves the trust visible
// and the teardown retryable.
package trust
