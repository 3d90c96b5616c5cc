package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// KeyRing holds a tenant's live signing keys, indexed by KeyID, and supports
// rotation: a revoked key remains available for verification of
// already-signed artifacts but is never selected to sign new ones.
type KeyRing struct {
	mu      sync.RWMutex
	keys    map[string]*KeyPair
	revoked map[string]bool
}

// NewKeyRing returns an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		keys:    make(map[string]*KeyPair),
		revoked: make(map[string]bool),
	}
}

// AddKey registers a key pair under its KeyID.
func (k *KeyRing) AddKey(kp *KeyPair) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[kp.KeyID] = kp
}

// RevokeKey marks a key as no longer eligible to sign. Verification against
// it still succeeds, per spec's ledger never rewrites signed history.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.revoked[keyID] = true
}

// ActiveKeyID deterministically selects the active signing key: the
// lexicographically last non-revoked KeyID. Deterministic selection keeps
// signature production reproducible across replicas sharing a KeyRing
// snapshot (see spec §5's process-wide copy-on-read state).
func (k *KeyRing) ActiveKeyID() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var ids []string
	for id := range k.keys {
		if !k.revoked[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", kernelerr.New(kernelerr.CodeKeyNotFound, "keyring has no active signing key")
	}
	sort.Strings(ids)
	return ids[len(ids)-1], nil
}

// SignDigestHex signs digestHex with the active key and returns the
// signature along with the KeyID used, so callers can embed both in an
// envelope signature block.
func (k *KeyRing) SignDigestHex(digestHex string) (keyID, signatureHex string, err error) {
	id, err := k.ActiveKeyID()
	if err != nil {
		return "", "", err
	}
	k.mu.RLock()
	kp := k.keys[id]
	k.mu.RUnlock()
	sig, err := kp.SignHashHex(digestHex)
	if err != nil {
		return "", "", err
	}
	return id, sig, nil
}

// VerifyDigestHex verifies signatureHex over digestHex against the key
// registered under keyID, whether or not that key has since been revoked.
func (k *KeyRing) VerifyDigestHex(keyID, digestHex, signatureHex string) (bool, error) {
	k.mu.RLock()
	kp, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return false, kernelerr.New(kernelerr.CodeKeyNotFound, fmt.Sprintf("unknown keyId %q", keyID))
	}
	return VerifyHashHex(kp.PublicKeyHex(), digestHex, signatureHex)
}

// PublicKeyPEM-equivalent lookup: exposes the raw public key for a KeyID so
// federation trust registries can index by (tenantId, keyId) -> public key.
func (k *KeyRing) PublicKey(keyID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	kp, ok := k.keys[keyID]
	if !ok {
		return nil, false
	}
	return kp.PublicKey, true
}

// DeriveTenantSubkey derives a per-tenant Ed25519 seed from a master secret
// using HKDF-SHA256, so a single root secret can mint distinct, deterministic
// signing keys per tenant without storing each seed separately.
func DeriveTenantSubkey(masterSecret []byte, tenantID string) (*KeyPair, error) {
	h := hkdf.New(sha256.New, masterSecret, []byte(tenantID), []byte("nooterra-settle-tenant-subkey-v1"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(h, seed); err != nil {
		return nil, fmt.Errorf("crypto: hkdf derivation failed: %w", err)
	}
	return KeyPairFromSeed(seed)
}
