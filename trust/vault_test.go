// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/lib/secret"
)

var (
	vaultOwner = ref.MustParseActorID("alice@weft.test")
	vaultPeer  = ref.MustParsePeerID("bob@weft.example.net")
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()

	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("generating master key: %v", err)
	}
	masterKey, err := secret.NewFromBytes(raw)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	vault, err := NewVault(masterKey)
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}
	t.Cleanup(func() { vault.Close() })
	return vault
}

func TestSealUnsealRoundTrip(t *testing.T) {
	vault := newTestVault(t)
	plaintext := []byte("bearer-secret-for-bob")

	blob, err := vault.SealSecret(plaintext, vaultOwner, vaultPeer)
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}
	if len(blob) != sealedSecretOverhead+len(plaintext) {
		t.Errorf("sealed blob is %d bytes, want %d", len(blob), sealedSecretOverhead+len(plaintext))
	}
	if blob[0] != sealedSecretVersion {
		t.Errorf("blob version = %d, want %d", blob[0], sealedSecretVersion)
	}

	unsealed, err := vault.UnsealSecret(blob, vaultOwner, vaultPeer)
	if err != nil {
		t.Fatalf("UnsealSecret failed: %v", err)
	}
	defer unsealed.Close()

	if !bytes.Equal(unsealed.Bytes(), plaintext) {
		t.Errorf("unsealed = %q, want %q", unsealed.Bytes(), plaintext)
	}
}

func TestSealSecretRandomizesNonce(t *testing.T) {
	vault := newTestVault(t)
	plaintext := []byte("same-secret")

	first, err := vault.SealSecret(plaintext, vaultOwner, vaultPeer)
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}
	second, err := vault.SealSecret(plaintext, vaultOwner, vaultPeer)
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("two seals of the same plaintext produced identical blobs")
	}
}

func TestSealSecretRejectsEmpty(t *testing.T) {
	vault := newTestVault(t)

	if _, err := vault.SealSecret(nil, vaultOwner, vaultPeer); err == nil {
		t.Error("SealSecret accepted an empty secret")
	}
}

// A sealed blob is bound to its (owner, peer) pair: presenting it
// under any other pair must fail authentication, even when the
// underlying master key is the same.
func TestUnsealSecretRejectsWrongPair(t *testing.T) {
	vault := newTestVault(t)

	blob, err := vault.SealSecret([]byte("pairwise"), vaultOwner, vaultPeer)
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}

	otherOwner := ref.MustParseActorID("mallory@weft.test")
	otherPeer := ref.MustParsePeerID("carol@weft.example.net")

	if _, err := vault.UnsealSecret(blob, otherOwner, vaultPeer); err == nil {
		t.Error("UnsealSecret accepted a blob sealed for a different owner")
	}
	if _, err := vault.UnsealSecret(blob, vaultOwner, otherPeer); err == nil {
		t.Error("UnsealSecret accepted a blob sealed for a different peer")
	}
}

func TestUnsealSecretRejectsTamperedBlob(t *testing.T) {
	vault := newTestVault(t)

	blob, err := vault.SealSecret([]byte("integrity"), vaultOwner, vaultPeer)
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}

	tampered := bytes.Clone(blob)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := vault.UnsealSecret(tampered, vaultOwner, vaultPeer); err == nil {
		t.Error("UnsealSecret accepted a tampered ciphertext")
	}
}

func TestUnsealSecretRejectsUnknownVersion(t *testing.T) {
	vault := newTestVault(t)

	blob, err := vault.SealSecret([]byte("versioned"), vaultOwner, vaultPeer)
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}

	blob[0] = 0x7f
	_, err = vault.UnsealSecret(blob, vaultOwner, vaultPeer)
	if err == nil {
		t.Fatal("UnsealSecret accepted an unknown version byte")
	}
	if !strings.Contains(err.Error(), "version") {
		t.Errorf("error %q does not mention the version", err)
	}
}

func TestUnsealSecretRejectsTruncatedBlob(t *testing.T) {
	vault := newTestVault(t)

	blob, err := vault.SealSecret([]byte("x"), vaultOwner, vaultPeer)
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}

	if _, err := vault.UnsealSecret(blob[:sealedSecretOverhead-1], vaultOwner, vaultPeer); err == nil {
		t.Error("UnsealSecret accepted a truncated blob")
	}
}

func TestUnsealSecretRejectsDifferentMasterKey(t *testing.T) {
	first := newTestVault(t)
	second := newTestVault(t)

	blob, err := first.SealSecret([]byte("rooted"), vaultOwner, vaultPeer)
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}

	if _, err := second.UnsealSecret(blob, vaultOwner, vaultPeer); err == nil {
		t.Error("UnsealSecret succeeded under a different master key")
	}
}

func TestNewVaultRejectsWrongKeySize(t *testing.T) {
	short, err := secret.NewFromBytes([]byte("too-short"))
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer short.Close()

	if _, err := NewVault(short); err == nil {
		t.Error("NewVault accepted a key of the wrong size")
	}
}
