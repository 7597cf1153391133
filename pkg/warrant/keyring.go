// Package warrant mints signed execution warrants: one EdDSA token per
// approved plan step, binding the step to the plan hash the dispatcher must
// echo back at execution time.
package warrant

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const kdfSalt = "mandate-warrant-kdf"

// ErrEmptyWorkspace rejects key derivation without a workspace identity.
var ErrEmptyWorkspace = errors.New("warrant: workspace id required")

// Keyring derives a deterministic per-workspace Ed25519 keypair from one
// master seed via HKDF-SHA256, so warrants from different workspaces never
// verify against each other's keys.
type Keyring struct {
	seed []byte

	mu      sync.RWMutex
	derived map[string]ed25519.PrivateKey
}

// NewKeyring creates a Keyring with a random master seed. Suitable for
// single-process deployments; multi-instance deployments share a seed via
// configuration.
func NewKeyring() (*Keyring, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("warrant: seed generation: %w", err)
	}
	return NewKeyringFromSeed(seed)
}

// NewKeyringFromSeed creates a Keyring over a caller-provided master seed.
func NewKeyringFromSeed(seed []byte) (*Keyring, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("warrant: master seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Keyring{
		seed:    append([]byte(nil), seed...),
		derived: make(map[string]ed25519.PrivateKey),
	}, nil
}

// workspaceKey returns the cached or freshly derived key for a workspace.
func (k *Keyring) workspaceKey(workspaceID string) (ed25519.PrivateKey, error) {
	if workspaceID == "" {
		return nil, ErrEmptyWorkspace
	}
	k.mu.RLock()
	key, ok := k.derived[workspaceID]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	r := hkdf.New(sha256.New, k.seed, []byte(kdfSalt), []byte(workspaceID))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("warrant: derive key for %s: %w", workspaceID, err)
	}
	key = ed25519.NewKeyFromSeed(derived)

	k.mu.Lock()
	k.derived[workspaceID] = key
	k.mu.Unlock()
	return key, nil
}

// PublicKey exposes the workspace verification key for dispatchers.
func (k *Keyring) PublicKey(workspaceID string) (ed25519.PublicKey, error) {
	key, err := k.workspaceKey(workspaceID)
	if err != nil {
		return nil, err
	}
	return key.Public().(ed25519.PublicKey), nil
}
