package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// jwkThumbprintJSON lists the RFC 7638 required members of an OKP (Ed25519)
// JWK in their lexicographic order. JWKThumbprint does not marshal this
// struct; it formats the same three members, in the same order, directly.
type jwkThumbprintJSON struct {
	Crv string `json:"crv"`
	Kty string `json:"kty"`
	X   string `json:"x"`
}

// JWKThumbprint derives a stable keyId for an Ed25519 public key using the
// RFC 7638 JWK thumbprint method (SHA-256 over the canonical JWK, base64url
// encoded, no padding).
func JWKThumbprint(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("crypto: invalid ed25519 public key length %d", len(pub))
	}
	// RFC 8037 OKP JWK canonical member order for thumbprinting: {"crv":...,"kty":"OKP","x":...}
	canonical := fmt.Sprintf(`{"crv":"Ed25519","kty":"OKP","x":"%s"}`, base64.RawURLEncoding.EncodeToString(pub))
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
