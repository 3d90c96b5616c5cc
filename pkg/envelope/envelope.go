// Package envelope implements the settlement kernel's signed-envelope
// contract (C3): every artifact that leaves a trust boundary — events,
// receipts, verdicts, reversal commands, conformance bundles — is wrapped
// as {...core, <hashField>: coreHash, signature: {algorithm, keyId,
// signatureBase64}} so any holder can verify it without a live connection
// to its issuer.
package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/nooterra/settle/pkg/canonicalize"
	"github.com/nooterra/settle/pkg/crypto"
	"github.com/nooterra/settle/pkg/kernelerr"
)

// Signature is the envelope's detached signature block.
type Signature struct {
	Algorithm       string `json:"algorithm"`
	KeyID           string `json:"keyId"`
	SignatureBase64 string `json:"signatureBase64"`
}

// Signer mints signatures over a core's canonical hash. *crypto.KeyRing
// satisfies this directly.
type Signer interface {
	SignDigestHex(digestHex string) (keyID, signatureHex string, err error)
}

// Verifier resolves a keyId to a public key capable of verifying a digest.
type Verifier interface {
	VerifyDigestHex(keyID, digestHex, signatureHex string) (bool, error)
}

const signatureAlgorithm = "ed25519"

// Build canonicalizes core, computes its SHA-256 hash, signs it with signer,
// and returns the envelope as a map with hashField set to the hex digest and
// "signature" set to the Signature block. Callers typically unmarshal the
// result into a concrete schema-specific struct (e.g. X402ReceiptRecord.v1)
// for storage, but the map form is what actually gets hashed and signed.
func Build(core map[string]interface{}, hashField string, signer Signer) (map[string]interface{}, error) {
	if hashField == "" {
		return nil, fmt.Errorf("envelope: hashField must not be empty")
	}
	if _, exists := core[hashField]; exists {
		return nil, kernelerr.New(kernelerr.CodeSchemaInvalid, fmt.Sprintf("core already contains reserved field %q", hashField))
	}

	digestHex, err := canonicalize.CanonicalHash(core)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalization failed: %w", err)
	}

	keyID, sigHex, err := signer.SignDigestHex(digestHex)
	if err != nil {
		return nil, fmt.Errorf("envelope: signing failed: %w", err)
	}

	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid signature hex from signer: %w", err)
	}

	out := make(map[string]interface{}, len(core)+2)
	for k, v := range core {
		out[k] = v
	}
	out[hashField] = digestHex
	out["signature"] = map[string]interface{}{
		"algorithm":       signatureAlgorithm,
		"keyId":           keyID,
		"signatureBase64": base64.StdEncoding.EncodeToString(sigBytes),
	}
	return out, nil
}

// Verify recomputes the canonical hash of the core fields of envelope
// (every field except hashField and "signature"), checks it equals the
// stored hashField value, and verifies the signature against it. A mismatch
// at either step fails closed with no partial trust extended.
func Verify(envelope map[string]interface{}, hashField string, verifier Verifier) error {
	storedDigest, ok := envelope[hashField].(string)
	if !ok || storedDigest == "" {
		return kernelerr.New(kernelerr.CodeSchemaInvalid, fmt.Sprintf("envelope missing %q", hashField))
	}

	sigRaw, ok := envelope["signature"].(map[string]interface{})
	if !ok {
		return kernelerr.New(kernelerr.CodeSchemaInvalid, "envelope missing signature block")
	}
	keyID, _ := sigRaw["keyId"].(string)
	sigB64, _ := sigRaw["signatureBase64"].(string)
	if keyID == "" || sigB64 == "" {
		return kernelerr.New(kernelerr.CodeSchemaInvalid, "envelope signature block incomplete")
	}

	core := make(map[string]interface{}, len(envelope))
	for k, v := range envelope {
		if k == hashField || k == "signature" {
			continue
		}
		core[k] = v
	}

	recomputed, err := canonicalize.CanonicalHash(core)
	if err != nil {
		return fmt.Errorf("envelope: canonicalization failed: %w", err)
	}
	if recomputed != storedDigest {
		return kernelerr.New(kernelerr.CodeSignatureInvalid, fmt.Sprintf("%s mismatch: envelope core does not hash to stored value", hashField)).
			WithDetails(map[string]interface{}{"expected": storedDigest, "computed": recomputed})
	}

	sigBytes, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return kernelerr.Wrap(kernelerr.CodeSignatureInvalid, "invalid signatureBase64", err)
	}

	ok2, err := verifier.VerifyDigestHex(keyID, recomputed, hex.EncodeToString(sigBytes))
	if err != nil {
		return fmt.Errorf("envelope: verification failed: %w", err)
	}
	if !ok2 {
		return kernelerr.New(kernelerr.CodeSignatureInvalid, "signature does not verify against keyId's public key")
	}
	return nil
}

// *crypto.KeyRing implements the Signer/Verifier interfaces above directly;
// no adapter type is needed to pass a key ring to Build or Verify.
var _ Signer = (*crypto.KeyRing)(nil)
var _ Verifier = (*crypto.KeyRing)(nil)
