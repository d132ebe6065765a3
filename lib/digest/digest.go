// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest provides BLAKE3 keyed hashing for the two places
// weft needs a stable content fingerprint: baseline payloads (to
// detect no-op resyncs without comparing whole property maps) and
// trust secrets (the only form of a bearer secret that may appear in
// a log line).
package digest

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures the same input bytes produce different digests
// in different contexts. The byte values are the ASCII encoding of
// the domain name, zero-padded to 32 bytes: readable in hex dumps,
// opaque to BLAKE3.
type domainKey [32]byte

var (
	baselineDomainKey = domainKey{
		'w', 'e', 'f', 't', '.', 'b', 'a', 's', 'e', 'l', 'i', 'n', 'e', '.', 'v', '1',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	secretDomainKey = domainKey{
		'w', 'e', 'f', 't', '.', 's', 'e', 'c', 'r', 'e', 't', '.', 'f', 'p', '.', 'v',
		'1', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// Baseline computes the baseline-domain digest of a serialized
// property payload. Two baselines with equal digests carry identical
// property data, so a resync that produces the current digest can
// skip store writes and hook dispatch.
func Baseline(data []byte) Digest {
	return keyedHash(baselineDomainKey, data)
}

// SecretFingerprint returns a short hex fingerprint of a bearer
// secret, safe for log output. The fingerprint identifies the secret
// across log lines (rotation is visible as a fingerprint change)
// without revealing any usable part of it.
func SecretFingerprint(secret []byte) string {
	digest := keyedHash(secretDomainKey, secret)
	return hex.EncodeToString(digest[:8])
}

// Format returns the hex-encoded string representation of a digest.
func Format(digest Digest) string {
	return hex.EncodeToString(digest[:])
}

// Parse parses a 64-character hex string into a Digest.
func Parse(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != 32 {
		return digest, fmt.Errorf("digest is %d bytes, want 32", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// keyedHash computes the BLAKE3 keyed hash with the given domain key.
func keyedHash(key domainKey, data []byte) Digest {
	// NewKeyed requires exactly 32 bytes, which domainKey guarantees.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}
