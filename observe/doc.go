// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package observe streams synchronization events over a unix socket.
//
// The daemon registers the server as a peersync hook; every baseline,
// diff, resync, permission, and subscription event fans out to
// connected watchers as CBOR frames. A new watcher first receives a
// snapshot of recent history, then a caught_up marker, then live
// events. Fanout never blocks the sync engine: a watcher that cannot
// keep up has events dropped and receives a resync frame followed by
// a fresh snapshot.
//
//   - protocol.go: frame and request wire shapes (CBOR)
//   - server.go: socket listener, hook, per-watcher fanout
//   - client.go: dialing and frame iteration for `weft watch`
package observe
