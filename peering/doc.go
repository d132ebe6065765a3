// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package peering provides the HTTP client for talking to trusted
// peers. It resolves an (owner actor, peer) pair to the base URL and
// bearer secret of the established trust relationship, then performs
// JSON resource requests against the peer's protocol endpoints with
// per-attempt timeouts and exponential-backoff retry on transient
// failures.
//
// Every operation has a blocking form and an async form that delivers
// the same result on a channel. The async forms are thin wrappers over
// the blocking ones, so both execution styles share one code path and
// cannot drift apart.
//
// Error responses decode into *PeerError, which callers inspect with
// errors.As or IsPeerError. Non-2xx statuses never return a Response.
package peering
