package reversal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nooterra/settle/pkg/artifacts"
	"github.com/nooterra/settle/pkg/envelope"
	"github.com/nooterra/settle/pkg/kernelerr"
	"github.com/nooterra/settle/pkg/settlement"
	"github.com/nooterra/settle/pkg/wallet"
)

// DisputeStatus tracks a dispute opened against a settlement gate.
type DisputeStatus string

const (
	DisputeOpen   DisputeStatus = "open"
	DisputeClosed DisputeStatus = "closed"
)

// Dispute is a client-raised objection to a gate's outcome, opened while the
// gate is disputed and closed once resolved (directly, or by escalating to
// arbitration).
type Dispute struct {
	DisputeID string
	TenantID  string
	GateID    string
	Status    DisputeStatus
	Reason    string
	OpenedAt  time.Time
	ClosedAt  time.Time
}

// ArbitrationStatus tracks an arbitration case opened over a dispute.
type ArbitrationStatus string

const (
	ArbitrationOpen   ArbitrationStatus = "open"
	ArbitrationRuled  ArbitrationStatus = "ruled"
	ArbitrationClosed ArbitrationStatus = "closed"
)

// ArbitrationCase is opened against a Dispute when the parties cannot
// resolve it directly.
type ArbitrationCase struct {
	CaseID    string
	TenantID  string
	DisputeID string
	Status    ArbitrationStatus
	OpenedAt  time.Time
}

// Verdict is an arbiter's signed ruling on an ArbitrationCase (wire shape
// ArbitrationVerdict.v1). ReleaseRatePct in [0,100] reuses the C6 release
// computation (spec §4.7 "arbitration.verdict") instead of defining its own
// funds-split arithmetic.
type Verdict struct {
	VerdictID      string
	TenantID       string
	CaseID         string
	GateID         string
	ArbiterKeyID   string
	Outcome        string // "upheld" | "overturned" | "split"
	ReleaseRatePct int64  // 0-100
	VerdictHash    string
	SignatureB64   string
	DecidedAt      time.Time
}

// DisputeStore tracks disputes and the arbitration cases/verdicts opened
// against them.
type DisputeStore struct {
	mu       sync.Mutex
	disputes map[string]*Dispute         // key tenantID/disputeID
	cases    map[string]*ArbitrationCase // key tenantID/caseID
	verdicts map[string]*Verdict         // key tenantID/caseID (one verdict per case)
}

func NewDisputeStore() *DisputeStore {
	return &DisputeStore{
		disputes: make(map[string]*Dispute),
		cases:    make(map[string]*ArbitrationCase),
		verdicts: make(map[string]*Verdict),
	}
}

func dKey(tenantID, id string) string { return tenantID + "/" + id }

// OpenDispute records a new open dispute against a gate.
func (s *DisputeStore) OpenDispute(d Dispute) (*Dispute, error) {
	if d.TenantID == "" {
		return nil, kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	d.Status = DisputeOpen
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dKey(d.TenantID, d.DisputeID)
	if _, exists := s.disputes[key]; exists {
		return nil, kernelerr.New(kernelerr.CodeSchemaInvalid, "disputeId already exists")
	}
	cp := d
	s.disputes[key] = &cp
	out := cp
	return &out, nil
}

// CloseDispute closes an open dispute once evidence binds it to the
// settlement's request hash (spec §4.7 "dispute.close requires binding
// evidence matching the settlement's request_sha256"; failure is
// X402_DISPUTE_CLOSE_BINDING_EVIDENCE_REQUIRED/MISMATCH).
func (s *DisputeStore) CloseDispute(tenantID, disputeID string, evidenceRefs []string, expectedRequestHash string) (*Dispute, error) {
	hash, ok := EvidenceHash(evidenceRefs, "request_sha256")
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeDisputeEvidenceRequired, "request_sha256 binding evidence is required to close a dispute")
	}
	if expectedRequestHash == "" || hash != expectedRequestHash {
		return nil, kernelerr.New(kernelerr.CodeDisputeEvidenceMismatch, "binding evidence does not match the disputed settlement's request_sha256")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[dKey(tenantID, disputeID)]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "dispute not found")
	}
	if d.Status != DisputeOpen {
		return nil, kernelerr.New(kernelerr.CodeGateStateInvalid, "dispute is not open")
	}
	d.Status = DisputeClosed
	d.ClosedAt = time.Now().UTC()
	cp := *d
	return &cp, nil
}

// OpenArbitration escalates an open dispute into an arbitration case.
func (s *DisputeStore) OpenArbitration(c ArbitrationCase) (*ArbitrationCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[dKey(c.TenantID, c.DisputeID)]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "dispute not found")
	}
	if d.Status != DisputeOpen {
		return nil, kernelerr.New(kernelerr.CodeGateStateInvalid, "arbitration requires an open dispute")
	}
	c.Status = ArbitrationOpen
	c.OpenedAt = time.Now().UTC()
	key := dKey(c.TenantID, c.CaseID)
	if _, exists := s.cases[key]; exists {
		return nil, kernelerr.New(kernelerr.CodeSchemaInvalid, "arbitration caseId already exists")
	}
	cp := c
	s.cases[key] = &cp
	out := cp
	return &out, nil
}

// RecordVerdict stores an arbiter's signed verdict for a case and marks the
// case ruled. One verdict per case; a second call is rejected rather than
// overwriting the first ruling.
func (s *DisputeStore) RecordVerdict(v Verdict) (*Verdict, error) {
	if v.ReleaseRatePct < 0 || v.ReleaseRatePct > 100 {
		return nil, kernelerr.New(kernelerr.CodeSchemaInvalid, "releaseRatePct must be in [0,100]").
			WithDetails(map[string]interface{}{"releaseRatePct": v.ReleaseRatePct})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := dKey(v.TenantID, v.CaseID)
	if _, exists := s.verdicts[key]; exists {
		return nil, kernelerr.New(kernelerr.CodeSchemaInvalid, "arbitration case already has a recorded verdict")
	}
	c, ok := s.cases[key]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "arbitration case not found")
	}
	if c.Status != ArbitrationOpen {
		return nil, kernelerr.New(kernelerr.CodeGateStateInvalid, "arbitration case is not open")
	}
	v.DecidedAt = time.Now().UTC()
	s.verdicts[key] = &v
	c.Status = ArbitrationRuled
	out := v
	return &out, nil
}

// ApplyVerdict moves the funds a recorded Verdict calls for and transitions
// the verdict's gate to arbitrated. It reuses settlement.ComputeRelease
// rather than defining its own split arithmetic (spec §4.7:
// "releaseRatePct ∈ [0,100] reuses the C6 release computation"): the
// verdict's ReleaseRatePct is applied against the gate's already-released
// funds (ReleasedCents for released/partially_released gates, AmountCents
// for a still-escrowed one) the same way a colour policy applies against
// the gate's full amount in Verify.
//
// On success it seals the verdict's outcome as an ArbitrationVerdict
// artifact (spec §7) via signer and returns it alongside the now-arbitrated
// gate, so the verdict's funds effect and its durable record are produced
// by the same call. signer may be nil, in which case no artifact is sealed
// and the second return value is nil — callers that don't need a durable
// record (tests, dry runs) aren't forced to configure one.
func ApplyVerdict(ctx context.Context, ws wallet.Store, gates *settlement.Store, tenantID string, v Verdict, signer envelope.Signer) (*settlement.Gate, map[string]interface{}, error) {
	g, err := gates.Get(tenantID, v.GateID)
	if err != nil {
		return nil, nil, err
	}

	base := g.AmountCents
	if g.ReleasedCents > 0 {
		base = g.ReleasedCents
	}
	upheldCents, _ := settlement.ComputeRelease(base, v.ReleaseRatePct)
	overturnedCents := base - upheldCents

	if overturnedCents > 0 {
		if err := wallet.Reverse(ws, tenantID, g.PayeeAgentID, g.PayerAgentID, overturnedCents); err != nil {
			if cv, ok := err.(*wallet.ConservationViolation); ok {
				return nil, nil, kernelerr.Wrap(kernelerr.CodeConservationViolation, "reversal: arbitration verdict funds move failed: "+cv.Error(), cv).
					WithDetails(map[string]interface{}{"tenantId": cv.TenantID, "deltas": cv.Deltas, "sum": cv.Sum})
			}
			return nil, nil, fmt.Errorf("reversal: arbitration verdict funds move failed: %w", err)
		}
	}

	decision, err := gates.Arbitrate(tenantID, v.GateID)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Allowed {
		return nil, nil, kernelerr.New(decision.Code, decision.Reason)
	}

	if signer == nil {
		return decision.Gate, nil, nil
	}
	sealed, sErr := artifacts.Seal(artifacts.TypeArbitrationVerdict, map[string]interface{}{
		"tenantId":  tenantID,
		"gateId":    v.GateID,
		"disputeId": v.CaseID,
		"outcome":   v.Outcome,
		"rationale": fmt.Sprintf("releaseRatePct=%d upheldCents=%d overturnedCents=%d", v.ReleaseRatePct, upheldCents, overturnedCents),
	}, signer)
	if sErr != nil {
		return nil, nil, fmt.Errorf("reversal: sealing arbitration verdict failed: %w", sErr)
	}
	return decision.Gate, sealed, nil
}
