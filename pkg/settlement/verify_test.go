package settlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settle/pkg/canonicalize"
	"github.com/nooterra/settle/pkg/crypto"
	"github.com/nooterra/settle/pkg/kernelerr"
	"github.com/nooterra/settle/pkg/wallet"
)

func authorizedGate(t *testing.T, ws *wallet.MemStore, gs *Store, gateID string, amountCents int64) {
	t.Helper()
	ctx := context.Background()
	seedWallets(t, ws, "t1", "payer", "payee", amountCents)
	_, err := gs.Create(ctx, ws, Gate{GateID: gateID, TenantID: "t1", PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: amountCents, Currency: "USD"})
	require.NoError(t, err)
	_, err = gs.Authorize("t1", gateID, nil)
	require.NoError(t, err)
	_, err = gs.BeginVerify("t1", gateID)
	require.NoError(t, err)
}

func TestComputeReleaseUsesMilliCentPrecision(t *testing.T) {
	// 333 cents at 33% should floor rather than round: 333*33*10 = 109890
	// milli-cents, /1000 = 109 (not 110).
	cents, milli := ComputeRelease(333, 33)
	require.Equal(t, int64(109), cents)
	require.Equal(t, int64(109890), milli)
}

func TestVerifyGreenFullAutoReleaseMovesAllFunds(t *testing.T) {
	ctx := context.Background()
	ws := wallet.NewMemStore()
	gs := NewStore()
	authorizedGate(t, ws, gs, "g1", 500)

	res, err := gs.Verify(ctx, ws, nil, "t1", "g1", VerifyInput{
		VerificationStatus: VerificationGreen,
		Policy: VerifyPolicy{
			Mode:  "automatic",
			Green: ColourPolicy{AutoRelease: true, ReleaseRatePct: 100},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusReleased, res.Gate.Status)
	require.Equal(t, int64(500), res.ReleasedCents)
	require.Equal(t, int64(0), res.RefundedCents)

	payee, _ := ws.Get("t1", "payee")
	payer, _ := ws.Get("t1", "payer")
	require.Equal(t, int64(500), payee.AvailableCents)
	require.Equal(t, int64(0), payer.EscrowLockedCents)
}

func TestVerifyPartialReleaseSplitsFundsBetweenPayeeAndPayer(t *testing.T) {
	ctx := context.Background()
	ws := wallet.NewMemStore()
	gs := NewStore()
	authorizedGate(t, ws, gs, "g2", 1000)

	res, err := gs.Verify(ctx, ws, nil, "t1", "g2", VerifyInput{
		VerificationStatus: VerificationAmber,
		Policy: VerifyPolicy{
			Amber: ColourPolicy{AutoRelease: true, ReleaseRatePct: 60},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyReleased, res.Gate.Status)
	require.Equal(t, int64(600), res.ReleasedCents)
	require.Equal(t, int64(400), res.RefundedCents)

	payee, _ := ws.Get("t1", "payee")
	payer, _ := ws.Get("t1", "payer")
	require.Equal(t, int64(600), payee.AvailableCents)
	require.Equal(t, int64(400), payer.AvailableCents)
	require.Equal(t, int64(0), payer.EscrowLockedCents)
}

func TestVerifyRedZeroReleaseRefundsEverything(t *testing.T) {
	ctx := context.Background()
	ws := wallet.NewMemStore()
	gs := NewStore()
	authorizedGate(t, ws, gs, "g3", 700)

	res, err := gs.Verify(ctx, ws, nil, "t1", "g3", VerifyInput{
		VerificationStatus: VerificationRed,
		Policy:             VerifyPolicy{Red: ColourPolicy{AutoRelease: true, ReleaseRatePct: 0}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, res.Gate.Status)
	require.Equal(t, int64(0), res.ReleasedCents)
	require.Equal(t, int64(700), res.RefundedCents)

	payer, _ := ws.Get("t1", "payer")
	require.Equal(t, int64(700), payer.AvailableCents)
}

func TestVerifyProviderSignatureMismatchFailsClosedWithoutMovingFunds(t *testing.T) {
	ctx := context.Background()
	ws := wallet.NewMemStore()
	gs := NewStore()
	authorizedGate(t, ws, gs, "g4", 400)

	ring := crypto.NewKeyRing()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring.AddKey(kp)

	_, err = gs.Verify(ctx, ws, ring, "t1", "g4", VerifyInput{
		VerificationStatus: VerificationGreen,
		Policy:             VerifyPolicy{Green: ColourPolicy{AutoRelease: true, ReleaseRatePct: 100}},
		EvidenceRefs:       []string{"http:response_sha256:deadbeef"},
		ProviderSignature: &ProviderSignature{
			KeyID:          kp.KeyID,
			ResponseSha256: "deadbeef",
			SignatureHex:   "00", // not a real signature over "deadbeef"
		},
	})
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeProviderSignatureInvalid, kernelerr.CodeOf(err))

	g, _ := gs.Get("t1", "g4")
	require.Equal(t, StatusVerifying, g.Status, "gate must stay verifying after a binding failure, not be left half-verified")

	payer, _ := ws.Get("t1", "payer")
	require.Equal(t, int64(400), payer.EscrowLockedCents, "no funds may move when provider signature binding fails")
}

func TestVerifyProviderSignatureValidReleasesFunds(t *testing.T) {
	ctx := context.Background()
	ws := wallet.NewMemStore()
	gs := NewStore()
	authorizedGate(t, ws, gs, "g5", 900)

	ring := crypto.NewKeyRing()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring.AddKey(kp)

	sigHex, err := kp.SignHashHex("deadbeef")
	require.NoError(t, err)

	res, err := gs.Verify(ctx, ws, ring, "t1", "g5", VerifyInput{
		VerificationStatus: VerificationGreen,
		Policy:             VerifyPolicy{Green: ColourPolicy{AutoRelease: true, ReleaseRatePct: 100}},
		EvidenceRefs:       []string{"http:response_sha256:deadbeef"},
		ProviderSignature: &ProviderSignature{
			KeyID:          kp.KeyID,
			ResponseSha256: "deadbeef",
			SignatureHex:   sigHex,
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusReleased, res.Gate.Status)
}

func TestVerifyQuoteBindingMismatchOnAmountFailsClosed(t *testing.T) {
	ctx := context.Background()
	ws := wallet.NewMemStore()
	gs := NewStore()
	authorizedGate(t, ws, gs, "g6", 250)

	ring := crypto.NewKeyRing()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring.AddKey(kp)

	payload := map[string]interface{}{
		"amountCents":          int64(999), // deliberately wrong
		"currency":             "USD",
		"quoteId":              "q-1",
		"requestBindingSha256": "abc123",
	}
	quoteHash, err := canonicalize.CanonicalHash(payload)
	require.NoError(t, err)
	sigHex, err := kp.SignHashHex(quoteHash)
	require.NoError(t, err)

	_, err = gs.Verify(ctx, ws, ring, "t1", "g6", VerifyInput{
		VerificationStatus: VerificationGreen,
		Policy:             VerifyPolicy{Green: ColourPolicy{AutoRelease: true, ReleaseRatePct: 100}},
		EvidenceRefs:       []string{"http:request_sha256:abc123"},
		ProviderQuote: &ProviderQuote{
			Payload:      payload,
			QuoteSha256:  quoteHash,
			KeyID:        kp.KeyID,
			SignatureHex: sigHex,
		},
	})
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeQuoteBindingMismatch, kernelerr.CodeOf(err))
}

func TestVerifyQuoteBindingValidReleasesFundsAndRejectsQuoteIDReuse(t *testing.T) {
	ctx := context.Background()
	ws := wallet.NewMemStore()
	gs := NewStore()
	authorizedGate(t, ws, gs, "g7", 250)

	ring := crypto.NewKeyRing()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring.AddKey(kp)

	payload := map[string]interface{}{
		"amountCents":          int64(250),
		"currency":             "USD",
		"quoteId":              "q-2",
		"requestBindingSha256": "abc123",
	}
	quoteHash, err := canonicalize.CanonicalHash(payload)
	require.NoError(t, err)
	sigHex, err := kp.SignHashHex(quoteHash)
	require.NoError(t, err)

	in := VerifyInput{
		VerificationStatus: VerificationGreen,
		Policy:             VerifyPolicy{Green: ColourPolicy{AutoRelease: true, ReleaseRatePct: 100}},
		EvidenceRefs:       []string{"http:request_sha256:abc123"},
		ProviderQuote: &ProviderQuote{
			Payload:      payload,
			QuoteSha256:  quoteHash,
			KeyID:        kp.KeyID,
			SignatureHex: sigHex,
		},
	}

	res, err := gs.Verify(ctx, ws, ring, "t1", "g7", in)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, res.Gate.Status)

	// Reusing the same quoteId on a second gate must fail even though every
	// other binding check would otherwise pass.
	authorizedGate(t, ws, gs, "g8", 250)
	_, err = gs.Verify(ctx, ws, ring, "t1", "g8", in)
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeQuoteBindingMismatch, kernelerr.CodeOf(err))
}
