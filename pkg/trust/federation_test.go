package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settle/pkg/kernelerr"
)

func TestFederationRotationGraceWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFederation(5 * time.Minute).WithClock(func() time.Time { return now })

	require.NoError(t, f.AddKey("t1", "k1", []byte("pubkey"), 1))
	require.NoError(t, f.RequireTrustAnchor("t1", "k1", 1, now))

	require.NoError(t, f.RevokeKey("t1", "k1"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, f.RequireTrustAnchor("t1", "k1", 1, now), "still within grace window")

	now = now.Add(10 * time.Minute)
	err := f.RequireTrustAnchor("t1", "k1", 1, now)
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeTrustAnchorUnknown, kernelerr.CodeOf(err))
}

func TestFederationRevocationGraceIsRelativeToSignedAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFederation(5 * time.Minute).WithClock(func() time.Time { return now })

	require.NoError(t, f.AddKey("t1", "k1", []byte("pubkey"), 1))
	require.NoError(t, f.RevokeKey("t1", "k1"))

	// The wall clock has moved well past the grace window, but the
	// envelope claims it was signed before the revocation — it must still
	// verify, since the check is against signedAt, not time.Now().
	signedBeforeRevocation := now.Add(-time.Minute)
	require.True(t, f.IsTrustAnchor("t1", "k1", 1, signedBeforeRevocation), "envelope signed before revocation must still verify regardless of wall clock")
}

func TestFederationRotationAcceptsPriorAnchorVersionWithinGrace(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFederation(5 * time.Minute).WithClock(func() time.Time { return now })

	require.NoError(t, f.AddKey("t1", "k1", []byte("pubkey-v1"), 1))
	require.NoError(t, f.RotateKey("t1", "k1", []byte("pubkey-v2"), 2))

	require.True(t, f.IsTrustAnchor("t1", "k1", 2, now), "current anchorVersion always trusted")
	require.True(t, f.IsTrustAnchor("t1", "k1", 1, now.Add(time.Minute)), "prior anchorVersion trusted within grace of rotation")
	require.False(t, f.IsTrustAnchor("t1", "k1", 1, now.Add(time.Hour)), "prior anchorVersion rejected past grace")
}

func TestVerifyCoordinatorEnvelopeUnknownKeyIsUntrustedCoordinator(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFederation(5 * time.Minute).WithClock(func() time.Time { return now })

	err := f.VerifyCoordinatorEnvelope("t1", "unknown-key", 1, now)
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeFederationUntrustedCoordinator, kernelerr.CodeOf(err))
}

func TestVerifyCoordinatorEnvelopeRevokedKeyOutsideGraceIsTrustAnchorRevoked(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFederation(5 * time.Minute).WithClock(func() time.Time { return now })

	require.NoError(t, f.AddKey("t1", "k1", []byte("pubkey"), 1))
	require.NoError(t, f.RevokeKey("t1", "k1"))

	err := f.VerifyCoordinatorEnvelope("t1", "k1", 1, now.Add(time.Hour))
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeFederationTrustAnchorRevoked, kernelerr.CodeOf(err))
}

func TestVerifyCoordinatorEnvelopeAnchorVersionMismatchIsTrustAnchorRevoked(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFederation(5 * time.Minute).WithClock(func() time.Time { return now })

	require.NoError(t, f.AddKey("t1", "k1", []byte("pubkey"), 1))

	err := f.VerifyCoordinatorEnvelope("t1", "k1", 99, now)
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeFederationTrustAnchorRevoked, kernelerr.CodeOf(err))
}
