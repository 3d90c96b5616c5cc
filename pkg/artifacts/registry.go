package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nooterra/settle/pkg/envelope"
)

// MaxArtifactSize bounds a single sealed artifact to guard the CAS store
// against unbounded payloads.
const MaxArtifactSize = 10 * 1024 * 1024 // 10MB

// Registry manages storage and verification of sealed artifacts (spec §7)
// over a content-addressed Store.
type Registry struct {
	store    Store
	verifier envelope.Verifier // optional: if set, Verify enforces signatures
}

// NewRegistry creates a new Registry. verifier is optional; nil disables
// VerifyArtifact's cryptographic check and it fails closed instead.
func NewRegistry(store Store, verifier envelope.Verifier) *Registry {
	return &Registry{store: store, verifier: verifier}
}

// PutArtifact persists a sealed envelope (from Seal) and returns its
// content hash.
func (r *Registry) PutArtifact(ctx context.Context, sealed map[string]interface{}) (string, error) {
	if sealed == nil {
		return "", errors.New("artifacts: nil envelope")
	}
	if _, ok := sealed["type"]; !ok {
		return "", errors.New("artifacts: missing artifact type")
	}

	data, err := Marshal(sealed)
	if err != nil {
		return "", fmt.Errorf("artifacts: marshal failed: %w", err)
	}
	if len(data) > MaxArtifactSize {
		return "", fmt.Errorf("artifacts: payload exceeds limit of %d bytes", MaxArtifactSize)
	}

	return r.store.Store(ctx, data)
}

// GetArtifact retrieves and unmarshals a sealed envelope by hash.
func (r *Registry) GetArtifact(ctx context.Context, hash string) (map[string]interface{}, error) {
	data, err := r.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	var sealed map[string]interface{}
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("artifacts: corrupt artifact data: %w", err)
	}
	return sealed, nil
}

// VerifyArtifact checks a stored artifact's signature via envelope.Verify.
// Fails closed (not valid) if no verifier is configured or the envelope is
// malformed, never treating an unverifiable artifact as trustworthy.
func (r *Registry) VerifyArtifact(ctx context.Context, hash string) (bool, error) {
	sealed, err := r.GetArtifact(ctx, hash)
	if err != nil {
		return false, err
	}
	if r.verifier == nil {
		return false, errors.New("artifacts: verifier not configured (fail-closed)")
	}
	artifactType, _ := sealed["type"].(string)
	hashField, ok := hashFieldByType[artifactType]
	if !ok {
		return false, fmt.Errorf("artifacts: no hash field registered for artifact type %q", artifactType)
	}
	if err := envelope.Verify(sealed, hashField, r.verifier); err != nil {
		return false, err
	}
	return true, nil
}
