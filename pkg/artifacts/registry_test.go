package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settle/pkg/crypto"
)

func newTestRing(t *testing.T) *crypto.KeyRing {
	t.Helper()
	ring := crypto.NewKeyRing()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring.AddKey(kp)
	return ring
}

func TestSealPutGetVerifyRoundTrip(t *testing.T) {
	ring := newTestRing(t)
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	reg := NewRegistry(store, ring)

	core := map[string]interface{}{
		"tenantId":      "tenant-1",
		"runId":         "run-1",
		"gateIds":       []interface{}{"gate-1"},
		"chainHeadHash": "deadbeef",
		"eventCount":    float64(3),
	}
	sealed, err := Seal(TypeJobProof, core, ring)
	require.NoError(t, err)
	require.Equal(t, TypeJobProof, sealed["type"])

	ctx := context.Background()
	hash, err := reg.PutArtifact(ctx, sealed)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	got, err := reg.GetArtifact(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, "tenant-1", got["tenantId"])

	valid, err := reg.VerifyArtifact(ctx, hash)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestVerifyArtifactFailsClosedWithoutVerifier(t *testing.T) {
	ring := newTestRing(t)
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	reg := NewRegistry(store, nil)

	receiptCore := map[string]interface{}{
		"tenantId":    "tenant-1",
		"gateId":      "gate-1",
		"runId":       "run-1",
		"status":      "released",
		"amountCents": float64(500),
		"currency":    "usd",
	}
	sealed, err := Seal(TypeX402ReceiptRecord, receiptCore, ring)
	require.NoError(t, err)

	ctx := context.Background()
	hash, err := reg.PutArtifact(ctx, sealed)
	require.NoError(t, err)

	valid, err := reg.VerifyArtifact(ctx, hash)
	require.Error(t, err)
	require.False(t, valid)
}

func TestSealRejectsMissingSigner(t *testing.T) {
	_, err := Seal(TypeJobProof, map[string]interface{}{}, nil)
	require.ErrorIs(t, err, ErrSignerNotConfigured)
}
