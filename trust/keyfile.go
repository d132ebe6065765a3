// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/weftlabs/weft/lib/sealed"
	"github.com/weftlabs/weft/lib/secret"
)

// LoadOrCreateMasterKey returns the node master key in guarded memory.
//
// On first run (neither file exists) it generates an age keypair,
// writes the identity to nodeKeyPath, generates a random master key,
// seals it to the node's public key plus any escrowKeys, and writes
// the ciphertext to masterKeyPath. On later runs it unseals the
// existing master key with the node identity.
//
// Exactly one file existing is an error: regenerating either half
// silently would orphan every sealed trust secret, so the operator
// must resolve it (restore the missing file from backup, or remove
// both to start over and re-establish trusts).
func LoadOrCreateMasterKey(nodeKeyPath, masterKeyPath string, escrowKeys []string, logger *slog.Logger) (*secret.Buffer, error) {
	nodeKeyExists, err := fileExists(nodeKeyPath)
	if err != nil {
		return nil, err
	}
	masterKeyExists, err := fileExists(masterKeyPath)
	if err != nil {
		return nil, err
	}

	switch {
	case nodeKeyExists && masterKeyExists:
		return unsealMasterKey(nodeKeyPath, masterKeyPath)
	case !nodeKeyExists && !masterKeyExists:
		return createMasterKey(nodeKeyPath, masterKeyPath, escrowKeys, logger)
	case nodeKeyExists:
		return nil, fmt.Errorf("trust: node key %s exists but master key %s does not; restore the master key from backup or remove the node key to reinitialize (this discards all sealed trust secrets)", nodeKeyPath, masterKeyPath)
	default:
		return nil, fmt.Errorf("trust: master key %s exists but node key %s does not; the master key cannot be unsealed without it", masterKeyPath, nodeKeyPath)
	}
}

func unsealMasterKey(nodeKeyPath, masterKeyPath string) (*secret.Buffer, error) {
	identity, err := secret.ReadFromPath(nodeKeyPath)
	if err != nil {
		return nil, fmt.Errorf("trust: reading node key: %w", err)
	}
	defer identity.Close()

	ciphertext, err := os.ReadFile(masterKeyPath)
	if err != nil {
		return nil, fmt.Errorf("trust: reading sealed master key: %w", err)
	}

	masterKey, err := sealed.Decrypt(string(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("trust: unsealing master key: %w", err)
	}
	if masterKey.Len() != KeySize {
		masterKey.Close()
		return nil, fmt.Errorf("trust: unsealed master key is %d bytes, want %d", masterKey.Len(), KeySize)
	}
	return masterKey, nil
}

func createMasterKey(nodeKeyPath, masterKeyPath string, escrowKeys []string, logger *slog.Logger) (*secret.Buffer, error) {
	for _, key := range escrowKeys {
		if err := sealed.ParsePublicKey(key); err != nil {
			return nil, fmt.Errorf("trust: escrow key: %w", err)
		}
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("trust: generating node keypair: %w", err)
	}
	defer keypair.Close()

	rawKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, rawKey); err != nil {
		return nil, fmt.Errorf("trust: generating master key: %w", err)
	}

	recipients := append([]string{keypair.PublicKey}, escrowKeys...)
	ciphertext, err := sealed.Encrypt(rawKey, recipients)
	if err != nil {
		secret.Zero(rawKey)
		return nil, fmt.Errorf("trust: sealing master key: %w", err)
	}

	// Write the sealed master key before the identity: if the second
	// write fails, the leftover ciphertext is useless without the
	// identity and first-run detection still triggers next start.
	if err := writeFilePrivate(masterKeyPath, []byte(ciphertext)); err != nil {
		secret.Zero(rawKey)
		return nil, fmt.Errorf("trust: writing sealed master key: %w", err)
	}
	if err := writeFilePrivate(nodeKeyPath, keypair.PrivateKey.Bytes()); err != nil {
		secret.Zero(rawKey)
		os.Remove(masterKeyPath)
		return nil, fmt.Errorf("trust: writing node key: %w", err)
	}

	logger.Info("initialized node master key",
		"node_key", nodeKeyPath,
		"master_key", masterKeyPath,
		"public_key", keypair.PublicKey,
		"escrow_recipients", len(escrowKeys),
	)

	// NewFromBytes zeroes rawKey after copying it into guarded memory.
	return secret.NewFromBytes(rawKey)
}

// writeFilePrivate writes data to path with owner-only permissions,
// creating parent directories as needed.
func writeFilePrivate(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("trust: checking %s: %w", path, err)
}
