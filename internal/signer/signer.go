// SPDX-License-Identifier: MIT

// Package signer provides the reference Signer/Verifier pair used by
// the daemon and tests: ed25519 detached signatures over the receipt
// payload hash. Key material is injected; the package never generates
// keys on its own in production paths.
package signer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
)

// Local signs with in-memory ed25519 keys, looked up by key ID. Safe
// for concurrent use; signing holds no lock beyond the key lookup.
type Local struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewLocal creates a signer with no keys loaded.
func NewLocal() *Local {
	return &Local{keys: make(map[string]ed25519.PrivateKey)}
}

// AddKey registers a private key under keyID, replacing any previous
// key with the same ID.
func (s *Local) AddKey(keyID string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("signer: key %s has size %d, want %d", keyID, len(key), ed25519.PrivateKeySize)
	}
	s.mu.Lock()
	s.keys[keyID] = key
	s.mu.Unlock()
	return nil
}

// Sign produces a detached signature over payload with the key named by
// keyID.
func (s *Local) Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("signer: unknown key %q", keyID)
	}
	return ed25519.Sign(key, payload), nil
}

// PublicKeys returns the verification keys for every loaded key ID,
// suitable for constructing a LocalVerifier.
func (s *Local) PublicKeys() map[string]ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ed25519.PublicKey, len(s.keys))
	for id, k := range s.keys {
		out[id] = k.Public().(ed25519.PublicKey)
	}
	return out
}

// LocalVerifier checks ed25519 signatures against a fixed key set.
type LocalVerifier struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewLocalVerifier creates a verifier over the given public keys. The
// map is copied; later mutation of the argument has no effect.
func NewLocalVerifier(keys map[string]ed25519.PublicKey) *LocalVerifier {
	cp := make(map[string]ed25519.PublicKey, len(keys))
	for id, k := range keys {
		cp[id] = k
	}
	return &LocalVerifier{keys: cp}
}

// AddKey registers a verification key under keyID.
func (v *LocalVerifier) AddKey(keyID string, key ed25519.PublicKey) {
	v.mu.Lock()
	v.keys[keyID] = key
	v.mu.Unlock()
}

// Verify reports whether sig is a valid signature of payload under the
// key named by keyID. Unknown keys verify nothing.
func (v *LocalVerifier) Verify(keyID string, payload, sig []byte) bool {
	v.mu.RLock()
	key, ok := v.keys[keyID]
	v.mu.RUnlock()
	if !ok || len(key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(key, payload, sig)
}
