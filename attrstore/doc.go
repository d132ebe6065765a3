// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package attrstore implements the attribute store: the node's durable
// key-value backend for mirrored peer data, metadata snapshots, trust
// records, and subscription journals.
//
// Attributes are addressed by (owner, bucket, name). The owner is the
// local actor the data belongs to, the bucket groups one concern (one
// peer's mirrored properties, one journal, the trust table), and the
// name identifies the attribute within the bucket. Values are opaque
// byte slices; callers choose their own serialization.
//
// Rows may carry a TTL. Expired rows are invisible to every read and
// are removed opportunistically on access and by [Store.Sweep], which
// the daemon drives from a background ticker. Deleting an owner drops
// every bucket it has, which is how actor teardown cascades through
// stored state.
//
// Values at or above the configured threshold are transparently
// compressed with a tagged scheme (none, lz4, zstd); the tag and the
// uncompressed size are stored alongside the value and verified on
// read.
package attrstore
