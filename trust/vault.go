// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/lib/secret"
)

// KeySize is the size in bytes of the node master key and every key
// derived from it.
const KeySize = 32

// sealedSecretVersion is the version byte prepended to every sealed
// secret blob. It is included in the AEAD additional authenticated
// data, so tampering with it fails authentication.
const sealedSecretVersion byte = 0x01

// sealedSecretOverhead is the byte overhead per sealed secret:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const sealedSecretOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// hkdfInfoTrustSecret is the HKDF-SHA256 info prefix for trust secret
// encryption keys. Changing it invalidates every sealed secret.
var hkdfInfoTrustSecret = []byte("weft.trust.secret.v1")

// Vault seals and unseals trust bearer secrets under keys derived from
// the node master key. Each (owner, peer) pair gets its own derived
// key, and the pair is bound into the ciphertext as AAD: a sealed blob
// moved to another pair's row fails authentication instead of
// decrypting to the wrong peer's secret.
//
// Vault does not cache derived keys; HKDF-SHA256 derivation is around
// a microsecond, negligible next to the AEAD work and the store I/O
// around it.
type Vault struct {
	masterKey *secret.Buffer
}

// NewVault creates a vault from the node master key. The vault owns
// the buffer and closes it in Close; the caller must not use masterKey
// afterwards.
func NewVault(masterKey *secret.Buffer) (*Vault, error) {
	if masterKey.Len() != KeySize {
		return nil, fmt.Errorf("trust: master key must be %d bytes, got %d", KeySize, masterKey.Len())
	}
	return &Vault{masterKey: masterKey}, nil
}

// Close zeroes and releases the master key. After Close every seal and
// unseal panics (via secret.Buffer's closed check). Idempotent.
func (v *Vault) Close() error {
	return v.masterKey.Close()
}

// SealSecret encrypts a bearer secret for storage, bound to the
// (owner, peer) pair. The plaintext is borrowed, not zeroed: callers
// that hold it in a secret.Buffer keep ownership.
func (v *Vault) SealSecret(plaintext []byte, owner ref.ActorID, peer ref.PeerID) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("trust: secret is empty")
	}
	encryptionKey, err := v.deriveKey(owner, peer)
	if err != nil {
		return nil, err
	}
	defer encryptionKey.Close()

	aead, err := chacha20poly1305.NewX(encryptionKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("trust: creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("trust: generating random nonce: %w", err)
	}

	output := make([]byte, 1+chacha20poly1305.NonceSizeX, sealedSecretOverhead+len(plaintext))
	output[0] = sealedSecretVersion
	copy(output[1:], nonce[:])
	return aead.Seal(output, nonce[:], plaintext, pairAAD(sealedSecretVersion, owner, peer)), nil
}

// UnsealSecret decrypts a sealed secret blob into guarded memory. The
// caller must Close the returned buffer.
//
// Fails if the blob is truncated, carries an unknown version, or was
// sealed for a different (owner, peer) pair or under a different
// master key.
func (v *Vault) UnsealSecret(blob []byte, owner ref.ActorID, peer ref.PeerID) (*secret.Buffer, error) {
	if len(blob) < sealedSecretOverhead {
		return nil, fmt.Errorf("trust: sealed secret is %d bytes, minimum is %d", len(blob), sealedSecretOverhead)
	}
	if blob[0] != sealedSecretVersion {
		return nil, fmt.Errorf("trust: sealed secret version %d is not supported (expected %d)", blob[0], sealedSecretVersion)
	}

	encryptionKey, err := v.deriveKey(owner, peer)
	if err != nil {
		return nil, err
	}
	defer encryptionKey.Close()

	aead, err := chacha20poly1305.NewX(encryptionKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("trust: creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, pairAAD(blob[0], owner, peer))
	if err != nil {
		return nil, fmt.Errorf("trust: unsealing secret (wrong key, tampered blob, or mismatched pair): %w", err)
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("trust: protecting unsealed secret: %w", err)
	}
	return buffer, nil
}

// deriveKey derives the per-pair encryption key:
// HKDF-SHA256(masterKey, info = prefix || owner || 0x00 || peer). The
// NUL separator is unambiguous because identifiers cannot contain it.
// The salt is nil: the master key is already uniformly random, so the
// extract phase with a zero salt is appropriate per RFC 5869.
func (v *Vault) deriveKey(owner ref.ActorID, peer ref.PeerID) (*secret.Buffer, error) {
	ownerRaw, peerRaw := owner.String(), peer.String()
	info := make([]byte, 0, len(hkdfInfoTrustSecret)+len(ownerRaw)+1+len(peerRaw))
	info = append(info, hkdfInfoTrustSecret...)
	info = append(info, ownerRaw...)
	info = append(info, 0)
	info = append(info, peerRaw...)

	reader := hkdf.New(sha256.New, v.masterKey.Bytes(), nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("trust: HKDF key derivation failed: %w", err)
	}
	// NewFromBytes copies into mmap and zeroes the heap slice.
	return secret.NewFromBytes(derived)
}

// pairAAD builds the additional authenticated data binding a sealed
// blob to its format version and (owner, peer) pair.
func pairAAD(version byte, owner ref.ActorID, peer ref.PeerID) []byte {
	ownerRaw, peerRaw := owner.String(), peer.String()
	aad := make([]byte, 0, 1+len(ownerRaw)+1+len(peerRaw))
	aad = append(aad, version)
	aad = append(aad, ownerRaw...)
	aad = append(aad, 0)
	aad = append(aad, peerRaw...)
	return aad
}
