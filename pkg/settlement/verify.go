package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nooterra/settle/pkg/canonicalize"
	"github.com/nooterra/settle/pkg/envelope"
	"github.com/nooterra/settle/pkg/kernelerr"
	"github.com/nooterra/settle/pkg/wallet"
)

// VerificationStatus is the provider-reported (or manually recorded) colour
// a verify call reports, per spec §4.6.
type VerificationStatus string

const (
	VerificationGreen VerificationStatus = "green"
	VerificationAmber VerificationStatus = "amber"
	VerificationRed   VerificationStatus = "red"
)

// ColourPolicy is the per-colour release behaviour a WalletPolicy-governed
// verify call reads to decide how much of an escrow to release.
type ColourPolicy struct {
	AutoRelease    bool
	ReleaseRatePct int64 // 0-100
}

// VerifyPolicy is the verify-time policy bundle spec §4.6 calls "policy":
// mode plus a ColourPolicy per verification colour.
type VerifyPolicy struct {
	Mode  string // "automatic" | "manual"
	Green ColourPolicy
	Amber ColourPolicy
	Red   ColourPolicy
}

func (p VerifyPolicy) forStatus(status VerificationStatus) ColourPolicy {
	switch status {
	case VerificationGreen:
		return p.Green
	case VerificationAmber:
		return p.Amber
	default:
		return p.Red
	}
}

// ProviderSignature is the payee-side provider's signature over its HTTP
// response, re-hashed and checked against evidenceRefs before it is trusted
// (spec §4.6 "If providerSignature is present").
type ProviderSignature struct {
	KeyID          string
	ResponseSha256 string
	SignatureHex   string
}

// ProviderQuote is the provider's signed price quote, checked for amount,
// currency, quoteId uniqueness, and request binding (spec §4.6 "If
// providerQuotePayload is present").
type ProviderQuote struct {
	Payload      map[string]interface{}
	QuoteSha256  string
	KeyID        string
	SignatureHex string
}

// VerifyInput is the input to Store.Verify.
type VerifyInput struct {
	VerificationStatus VerificationStatus
	Policy             VerifyPolicy
	VerificationMethod string
	EvidenceRefs       []string
	ProviderSignature  *ProviderSignature
	ProviderQuote      *ProviderQuote
}

// VerifyResult is the outcome of a successful verify call: the funds-moved
// accounting a SettlementReceipt binds to, plus the usual Decision/Gate pair.
type VerifyResult struct {
	Decision
	ReleasedCents      int64
	ReleasedMilliCents int64
	RefundedCents      int64
}

// evidenceHash returns the hex digest bound to evidenceRefs under kind
// ("request_sha256" or "response_sha256"), per the "http:<kind>:<hex>"
// format spec §4.7's GLOSSARY defines for binding evidence.
func evidenceHash(refs []string, kind string) (string, bool) {
	prefix := "http:" + kind + ":"
	for _, r := range refs {
		if strings.HasPrefix(r, prefix) {
			return strings.TrimPrefix(r, prefix), true
		}
	}
	return "", false
}

// ComputeRelease implements spec §4.6's milli-cent precision release math:
// milliCents = amountCents * releaseRatePct * 10; releasedCents is the
// divide-floor of milliCents by 1000. Both values are returned so callers
// can store the milli-cent figure alongside the cents figure for
// reconciliation drift detection (spec §9).
func ComputeRelease(amountCents, releaseRatePct int64) (releasedCents, milliCents int64) {
	milliCents = amountCents * releaseRatePct * 10
	releasedCents = milliCents / 1000
	return releasedCents, milliCents
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// Verify implements spec §4.6's verify transition: it re-checks provider
// response/quote binding when present, computes the release amount at
// milli-cent precision from the applicable ColourPolicy, moves the
// corresponding escrow funds, and transitions the gate to released,
// partially_released, or refunded. Any binding failure is fail-closed: no
// wallet transfer is attempted and the gate stays in StatusVerifying so the
// caller can retry with a corrected body (spec §4.6's failure model).
func (s *Store) Verify(ctx context.Context, ws wallet.Store, providerKeys envelope.Verifier, tenantID, gateID string, in VerifyInput) (VerifyResult, error) {
	g, err := s.Get(tenantID, gateID)
	if err != nil {
		return VerifyResult{}, err
	}
	if g.Status != StatusVerifying {
		return VerifyResult{}, kernelerr.New(kernelerr.CodeGateStateInvalid, fmt.Sprintf("gate must be in verifying to complete verify, is %s", g.Status)).
			WithDetails(map[string]interface{}{"gateId": gateID, "status": string(g.Status)})
	}

	if in.ProviderSignature != nil {
		ps := in.ProviderSignature
		refHash, ok := evidenceHash(in.EvidenceRefs, "response_sha256")
		if !ok || refHash != ps.ResponseSha256 {
			return VerifyResult{}, kernelerr.New(kernelerr.CodeProviderSignatureInvalid, "response_sha256 missing from evidenceRefs or does not match providerSignature").
				WithDetails(map[string]interface{}{"gateId": gateID})
		}
		if providerKeys == nil {
			return VerifyResult{}, kernelerr.New(kernelerr.CodeProviderSignatureInvalid, "no provider key registry configured")
		}
		ok2, vErr := providerKeys.VerifyDigestHex(ps.KeyID, ps.ResponseSha256, ps.SignatureHex)
		if vErr != nil || !ok2 {
			return VerifyResult{}, kernelerr.New(kernelerr.CodeProviderSignatureInvalid, "provider response signature does not verify").
				WithDetails(map[string]interface{}{"gateId": gateID, "keyId": ps.KeyID})
		}
	}

	if in.ProviderQuote != nil {
		q := in.ProviderQuote
		computedHash, hErr := canonicalize.CanonicalHash(q.Payload)
		if hErr != nil {
			return VerifyResult{}, hErr
		}
		if computedHash != q.QuoteSha256 {
			return VerifyResult{}, kernelerr.New(kernelerr.CodeQuoteBindingMismatch, "quoteSha256 does not match canonical hash of providerQuotePayload").
				WithDetails(map[string]interface{}{"gateId": gateID})
		}
		if providerKeys == nil {
			return VerifyResult{}, kernelerr.New(kernelerr.CodeQuoteBindingMismatch, "no provider key registry configured")
		}
		ok2, vErr := providerKeys.VerifyDigestHex(q.KeyID, q.QuoteSha256, q.SignatureHex)
		if vErr != nil || !ok2 {
			return VerifyResult{}, kernelerr.New(kernelerr.CodeQuoteBindingMismatch, "providerQuoteSignature does not verify").
				WithDetails(map[string]interface{}{"gateId": gateID, "keyId": q.KeyID})
		}

		amt, _ := asInt64(q.Payload["amountCents"])
		curr, _ := q.Payload["currency"].(string)
		if amt != g.AmountCents || curr != g.Currency {
			return VerifyResult{}, kernelerr.New(kernelerr.CodeQuoteBindingMismatch, "providerQuotePayload amount/currency does not match the gate").
				WithDetails(map[string]interface{}{"gateId": gateID})
		}

		s.mu.Lock()
		if s.quoteIDs == nil {
			s.quoteIDs = make(map[string]bool)
		}
		quoteID, _ := q.Payload["quoteId"].(string)
		qKey := tenantID + "/" + quoteID
		if quoteID == "" || s.quoteIDs[qKey] {
			s.mu.Unlock()
			return VerifyResult{}, kernelerr.New(kernelerr.CodeQuoteBindingMismatch, "quoteId missing or already used").
				WithDetails(map[string]interface{}{"gateId": gateID, "quoteId": quoteID})
		}
		s.quoteIDs[qKey] = true
		s.mu.Unlock()

		requestBindingSha256, _ := q.Payload["requestBindingSha256"].(string)
		reqHash, ok := evidenceHash(in.EvidenceRefs, "request_sha256")
		if !ok || reqHash != requestBindingSha256 {
			return VerifyResult{}, kernelerr.New(kernelerr.CodeQuoteBindingMismatch, "requestBindingSha256 does not match any request_sha256 evidenceRef").
				WithDetails(map[string]interface{}{"gateId": gateID})
		}
	}

	colour := in.Policy.forStatus(in.VerificationStatus)
	releasedCents, milliCents := ComputeRelease(g.AmountCents, colour.ReleaseRatePct)
	refundedCents := g.AmountCents - releasedCents

	var legs []wallet.Transfer
	if releasedCents > 0 {
		legs = append(legs,
			wallet.Transfer{TenantID: tenantID, AgentID: g.PayerAgentID, Pool: wallet.PoolEscrow, Delta: -releasedCents},
			wallet.Transfer{TenantID: tenantID, AgentID: g.PayeeAgentID, Pool: wallet.PoolAvailable, Delta: releasedCents},
		)
	}
	if refundedCents > 0 {
		legs = append(legs,
			wallet.Transfer{TenantID: tenantID, AgentID: g.PayerAgentID, Pool: wallet.PoolEscrow, Delta: -refundedCents},
			wallet.Transfer{TenantID: tenantID, AgentID: g.PayerAgentID, Pool: wallet.PoolAvailable, Delta: refundedCents},
		)
	}
	if len(legs) > 0 {
		if err := wallet.Apply(ws, legs); err != nil {
			return VerifyResult{}, wrapFundsMoveErr("settlement: verify funds move failed", err)
		}
	}

	finalStatus := StatusReleased
	switch {
	case releasedCents == 0:
		finalStatus = StatusRefunded
	case refundedCents > 0:
		finalStatus = StatusPartiallyReleased
	}

	decision, tErr := s.transition(tenantID, gateID, finalStatus, "verified:"+string(in.VerificationStatus), func(gg *Gate) {
		gg.VerificationStatus = string(in.VerificationStatus)
		gg.ReleasedCents = releasedCents
		gg.ReleasedMilliCents = milliCents
		gg.RefundedCents = refundedCents
	})
	if tErr != nil {
		return VerifyResult{}, tErr
	}
	if !decision.Allowed {
		return VerifyResult{}, kernelerr.New(decision.Code, decision.Reason)
	}

	return VerifyResult{
		Decision:           decision,
		ReleasedCents:      releasedCents,
		ReleasedMilliCents: milliCents,
		RefundedCents:      refundedCents,
	}, nil
}
