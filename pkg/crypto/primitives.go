// Package crypto provides the settlement kernel's cryptographic primitives:
// SHA-256 hashing, Ed25519 signing/verification, HKDF key derivation, and
// timing-safe HMAC verification for inbound webhooks.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// Sha256Hex returns the lowercase hex SHA-256 digest of data.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// KeyPair is a generated Ed25519 signing key paired with its stable KeyID.
type KeyPair struct {
	KeyID      string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new Ed25519 key pair and derives its KeyID from
// the JWK thumbprint of the public key (see jwk.go).
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	kid, err := JWKThumbprint(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{KeyID: kid, PublicKey: pub, PrivateKey: priv}, nil
}

// KeyPairFromSeed deterministically derives a key pair from a 32-byte seed,
// used in tests and for HKDF-derived per-tenant signing keys.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	kid, err := JWKThumbprint(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{KeyID: kid, PublicKey: pub, PrivateKey: priv}, nil
}

// SignHashHex signs the SHA-256 digest of data (i.e. callers pass the
// already-hashed artifact core) and returns a hex signature.
func (k *KeyPair) SignHashHex(digestHex string) (string, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", fmt.Errorf("crypto: invalid digest hex: %w", err)
	}
	sig := ed25519.Sign(k.PrivateKey, digest)
	return hex.EncodeToString(sig), nil
}

// PublicKeyHex returns the hex-encoded raw public key.
func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey)
}

// VerifyHashHex verifies a hex signature over a hex-encoded digest against
// a hex-encoded Ed25519 public key.
func VerifyHashHex(publicKeyHex, digestHex, signatureHex string) (bool, error) {
	pubKey, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, kernelerr.New(kernelerr.CodeSignatureInvalid, "invalid public key size")
	}
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid digest hex: %w", err)
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), digest, sig), nil
}

// DefaultWebhookTolerance is the default allowed clock skew for webhook
// timestamp verification (spec §4.2).
const DefaultWebhookTolerance = 300 * time.Second

// WebhookHMACMessage builds the exact byte string a webhook HMAC is computed
// over: "{ts}.{body}" with ts the signing timestamp's Unix seconds (spec
// §4.2), so the timestamp is cryptographically bound into the MAC itself
// rather than merely checked separately for skew.
func WebhookHMACMessage(signedAt time.Time, body []byte) []byte {
	msg := make([]byte, 0, 20+1+len(body))
	msg = append(msg, []byte(fmt.Sprintf("%d.", signedAt.Unix()))...)
	msg = append(msg, body...)
	return msg
}

// VerifyWebhookHMAC performs a timing-safe HMAC-SHA256 comparison of a
// provider webhook signature computed over "{ts}.{body}", additionally
// rejecting signedAt timestamps outside tolerance of now to bound replay
// windows. Binding ts into the MAC input (rather than checking it only as a
// side channel) means a captured (body, mac) pair cannot be replayed at a
// different signedAt inside the skew window — the mac itself would no
// longer match.
func VerifyWebhookHMAC(secret, body []byte, signatureHex string, signedAt, now time.Time, tolerance time.Duration) (bool, error) {
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	skew := now.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return false, kernelerr.New(kernelerr.CodeSignatureInvalid, "webhook timestamp outside tolerance window")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(WebhookHMACMessage(signedAt, body))
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid webhook signature hex: %w", err)
	}
	return subtle.ConstantTimeCompare(expected, given) == 1, nil
}
