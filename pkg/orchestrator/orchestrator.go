package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nooterra/settle/pkg/artifacts"
	"github.com/nooterra/settle/pkg/crypto"
	"github.com/nooterra/settle/pkg/envelope"
	"github.com/nooterra/settle/pkg/kernelerr"
	"github.com/nooterra/settle/pkg/ledger"
	"github.com/nooterra/settle/pkg/observability"
	"github.com/nooterra/settle/pkg/policy"
	"github.com/nooterra/settle/pkg/reversal"
	"github.com/nooterra/settle/pkg/settlement"
	"github.com/nooterra/settle/pkg/wallet"
)

// Orchestrator is the settlement kernel's single request-dispatch surface
// (C10): it wires the idempotency store, policy engine, settlement gate
// state machine, wallet ledger, event ledger, and signed-envelope builder
// into one logical transaction per request.
//
// Grounded on the teacher's executor.SafeExecutor (pkg/executor/executor.go):
// the same ordered-checks-then-dispatch-then-persist shape — idempotency
// check, gating/policy validation, the state-changing operation, then
// receipt creation and metering — generalized from "execute a tool" to
// "move a settlement gate through its lifecycle".
type Orchestrator struct {
	Ledger        *ledger.Ledger
	Idempotency   ledger.IdempotencyStore
	Wallets       wallet.Store
	Gates         *settlement.Store
	Policy        *policy.Store
	Reversals     *reversal.Store
	Disputes      *reversal.DisputeStore
	Signer        *crypto.KeyRing
	Observability *observability.Provider

	// ProviderKeys resolves the keyId on a provider response/quote signature
	// to the public key that signed it (spec §4.6). Typically a *crypto.KeyRing
	// pre-loaded with each registered provider's public key. Nil rejects any
	// verify call that supplies a providerSignature or providerQuotePayload.
	ProviderKeys envelope.Verifier

	// AgentKeys resolves a reversal command's agentKeyId to the payer's
	// registered public key (spec §4.7 step 4). Nil rejects every reversal
	// command whose action requires signature verification.
	AgentKeys envelope.Verifier

	// RateLimiter caps dispatch throughput per tenant. Nil disables the
	// check entirely (e.g. in tests that don't care about throttling).
	RateLimiter *TenantRateLimiter
}

// New wires a fresh in-process Orchestrator over the given components. A nil
// Observability is permitted; spans and metrics are simply skipped.
func New(l *ledger.Ledger, idem ledger.IdempotencyStore, ws wallet.Store, gates *settlement.Store, pol *policy.Store, rev *reversal.Store, disp *reversal.DisputeStore, signer *crypto.KeyRing, obs *observability.Provider) *Orchestrator {
	return &Orchestrator{
		Ledger: l, Idempotency: idem, Wallets: ws, Gates: gates,
		Policy: pol, Reversals: rev, Disputes: disp, Signer: signer, Observability: obs,
	}
}

// CreateGateRequest is the input to CreateGate.
type CreateGateRequest struct {
	TenantID       string
	RunID          string
	IdempotencyKey string
	Gate           settlement.Gate
}

// CreateGateResult is the output of a successful CreateGate dispatch: the
// created gate, the ledger event that recorded it, and a signed receipt
// envelope any holder can verify offline.
type CreateGateResult struct {
	Gate    *settlement.Gate
	Event   *ledger.Event
	Receipt map[string]interface{}
}

// CreateGate dispatches a gate-creation request as a single logical
// transaction: idempotency replay check, policy enforcement, escrow lock +
// gate creation, ledger append bound by CAS on the run's current head, and a
// signed receipt envelope — in that order, each step fail-closed.
//
// A *wallet.ConservationViolation raised by the wallet package during fund
// locking is returned as a plain error by settlement.Store.Create, which
// wraps it into a typed kernelerr.Error carrying CodeConservationViolation
// before it ever reaches this method, so callers always see the kernel's
// error vocabulary rather than an internal wallet type.
func (o *Orchestrator) CreateGate(ctx context.Context, req CreateGateRequest) (result *CreateGateResult, err error) {
	if o.Observability != nil {
		spanCtx, sp := o.Observability.StartSpan(ctx, "orchestrator.CreateGate")
		sp.SetAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("run.id", req.RunID),
		)
		defer sp.End()
		ctx = spanCtx
	}

	if req.TenantID == "" {
		return nil, kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}

	if o.RateLimiter != nil {
		if rlErr := o.RateLimiter.CheckTenantRate(req.TenantID); rlErr != nil {
			return nil, rlErr
		}
	}

	requestHash, hashErr := ledger.HashRequestBody(map[string]interface{}{
		"tenantId":     req.TenantID,
		"runId":        req.RunID,
		"payerAgentId": req.Gate.PayerAgentID,
		"payeeAgentId": req.Gate.PayeeAgentID,
		"amountCents":  req.Gate.AmountCents,
		"toolId":       req.Gate.ToolID,
	})
	if hashErr != nil {
		return nil, hashErr
	}

	if o.Idempotency != nil && req.IdempotencyKey != "" {
		if cached, ok, rErr := o.Idempotency.Reserve(req.TenantID, req.IdempotencyKey, requestHash); rErr != nil {
			return nil, rErr
		} else if ok {
			var replay CreateGateResult
			if b, has := cached.Body["result"]; has {
				if m, ok := b.(map[string]interface{}); ok {
					if g, ok := m["receipt"].(map[string]interface{}); ok {
						replay.Receipt = g
					}
				}
			}
			return &replay, nil
		}
	}

	if o.Policy != nil {
		d := o.Policy.CheckGateAmount(req.TenantID, req.Gate.AmountCents)
		if !d.Allowed {
			return nil, kernelerr.New(d.Code, d.Reason)
		}
	}

	createdGate, gErr := o.Gates.Create(ctx, o.Wallets, req.Gate)
	if gErr != nil {
		return nil, gErr
	}

	eventPayload := map[string]interface{}{
		"gateId":       createdGate.GateID,
		"payerAgentId": createdGate.PayerAgentID,
		"payeeAgentId": createdGate.PayeeAgentID,
		"amountCents":  createdGate.AmountCents,
		"currency":     createdGate.Currency,
		"toolId":       createdGate.ToolID,
		"status":       string(createdGate.Status),
	}
	head := o.Ledger.Head(req.TenantID, req.RunID)
	ev, lErr := o.Ledger.Append(ctx, req.TenantID, req.RunID, "settlement.gate.created", eventPayload, head)
	if lErr != nil {
		return nil, lErr
	}

	var receipt map[string]interface{}
	if o.Signer != nil {
		rcpt, eErr := artifacts.Seal(artifacts.TypeX402ReceiptRecord, map[string]interface{}{
			"tenantId":    req.TenantID,
			"runId":       req.RunID,
			"gateId":      createdGate.GateID,
			"eventId":     ev.EventID,
			"chainHash":   ev.ChainHash,
			"status":      string(createdGate.Status),
			"amountCents": createdGate.AmountCents,
			"currency":    createdGate.Currency,
		}, o.Signer)
		if eErr != nil {
			return nil, eErr
		}
		receipt = rcpt
	}

	result = &CreateGateResult{Gate: createdGate, Event: ev, Receipt: receipt}

	if o.Idempotency != nil && req.IdempotencyKey != "" {
		_ = o.Idempotency.Store(req.TenantID, req.IdempotencyKey, requestHash, ledger.IdempotentResponse{
			StatusCode: 201,
			Body:       map[string]interface{}{"result": map[string]interface{}{"receipt": receipt}},
			BodyHash:   requestHash,
		})
	}

	if o.Observability != nil {
		o.Observability.RecordRequest(ctx, attribute.String("operation", "create_gate"))
	}

	return result, nil
}

// AuthorizeGate moves a created gate to authorized (spec §4.6
// authorize-payment), enforcing the sponsor-wallet issuer-decision check
// inside pkg/settlement, and appends the fact to the run's ledger.
func (o *Orchestrator) AuthorizeGate(ctx context.Context, tenantID, runID, gateID string, authorization map[string]interface{}) (event *ledger.Event, err error) {
	decision, dErr := o.Gates.Authorize(tenantID, gateID, authorization)
	if dErr != nil {
		return nil, dErr
	}
	if !decision.Allowed {
		return nil, kernelerr.New(decision.Code, decision.Reason)
	}

	head := o.Ledger.Head(tenantID, runID)
	return o.Ledger.Append(ctx, tenantID, runID, "settlement.gate.authorized", map[string]interface{}{
		"gateId": gateID,
	}, head)
}

// VerifyGateRequest is the input to VerifyGate.
type VerifyGateRequest struct {
	TenantID       string
	RunID          string
	GateID         string
	IdempotencyKey string
	Input          settlement.VerifyInput
}

// VerifyGateResult is the output of a successful VerifyGate dispatch.
type VerifyGateResult struct {
	Verify  settlement.VerifyResult
	Event   *ledger.Event
	Receipt map[string]interface{}
}

// VerifyGate dispatches spec §4.6's verify transition: it first moves the
// gate into StatusVerifying, then runs pkg/settlement's binding checks and
// milli-cent release computation, appends the settlement fact to the run's
// ledger (bound to the gate's escrow movement), and signs an
// X402ReceiptRecord.v1 envelope binding the release/refund accounting,
// decision trace, and verification method — the receipt IS the idempotent
// payload for this operation, per spec §4.6's "Idempotency" note.
//
// On any binding failure (provider signature, quote binding) Gates.Verify
// returns before any wallet movement, so the gate stays in verifying with
// its escrow intact and a corrected retry can complete it.
func (o *Orchestrator) VerifyGate(ctx context.Context, req VerifyGateRequest) (result *VerifyGateResult, err error) {
	requestHash, hashErr := ledger.HashRequestBody(map[string]interface{}{
		"tenantId":           req.TenantID,
		"gateId":             req.GateID,
		"verificationStatus": string(req.Input.VerificationStatus),
		"evidenceRefs":       req.Input.EvidenceRefs,
	})
	if hashErr != nil {
		return nil, hashErr
	}
	if o.Idempotency != nil && req.IdempotencyKey != "" {
		if cached, ok, rErr := o.Idempotency.Reserve(req.TenantID, req.IdempotencyKey, requestHash); rErr != nil {
			return nil, rErr
		} else if ok {
			var replay VerifyGateResult
			if b, has := cached.Body["result"]; has {
				if m, ok := b.(map[string]interface{}); ok {
					if r, ok := m["receipt"].(map[string]interface{}); ok {
						replay.Receipt = r
					}
				}
			}
			return &replay, nil
		}
	}

	if _, dErr := o.Gates.BeginVerify(req.TenantID, req.GateID); dErr != nil {
		return nil, dErr
	}

	vr, vErr := o.Gates.Verify(ctx, o.Wallets, o.ProviderKeys, req.TenantID, req.GateID, req.Input)
	if vErr != nil {
		return nil, vErr
	}

	head := o.Ledger.Head(req.TenantID, req.RunID)
	ev, lErr := o.Ledger.Append(ctx, req.TenantID, req.RunID, "settlement.gate.verified", map[string]interface{}{
		"gateId":             req.GateID,
		"verificationStatus": string(req.Input.VerificationStatus),
		"releasedCents":      vr.ReleasedCents,
		"releasedMilliCents": vr.ReleasedMilliCents,
		"refundedCents":      vr.RefundedCents,
		"status":             string(vr.Gate.Status),
	}, head)
	if lErr != nil {
		return nil, lErr
	}

	var receipt map[string]interface{}
	if o.Signer != nil {
		rcpt, eErr := artifacts.Seal(artifacts.TypeX402ReceiptRecord, map[string]interface{}{
			"tenantId":           req.TenantID,
			"runId":              req.RunID,
			"gateId":             req.GateID,
			"eventId":            ev.EventID,
			"chainHash":          ev.ChainHash,
			"verificationStatus": string(req.Input.VerificationStatus),
			"verificationMethod": req.Input.VerificationMethod,
			"releasedCents":      vr.ReleasedCents,
			"releasedMilliCents": vr.ReleasedMilliCents,
			"refundedCents":      vr.RefundedCents,
			"status":             string(vr.Gate.Status),
			"decisionTrace":      vr.Gate.DecisionTrace,
			"amountCents":        vr.Gate.AmountCents,
			"currency":           vr.Gate.Currency,
		}, o.Signer)
		if eErr != nil {
			return nil, eErr
		}
		receipt = rcpt
	}

	result = &VerifyGateResult{Verify: vr, Event: ev, Receipt: receipt}

	if o.Idempotency != nil && req.IdempotencyKey != "" {
		_ = o.Idempotency.Store(req.TenantID, req.IdempotencyKey, requestHash, ledger.IdempotentResponse{
			StatusCode: 200,
			Body:       map[string]interface{}{"result": map[string]interface{}{"receipt": receipt}},
			BodyHash:   requestHash,
		})
	}

	if o.Observability != nil {
		o.Observability.RecordRequest(ctx, attribute.String("operation", "verify_gate"))
	}

	return result, nil
}

// ReleaseGate moves a gate to released, moving escrowed funds to the payee,
// and appends the settlement fact to the run's ledger.
func (o *Orchestrator) ReleaseGate(ctx context.Context, tenantID, runID, gateID string) (event *ledger.Event, err error) {
	decision, dErr := o.Gates.Release(ctx, o.Wallets, tenantID, gateID)
	if dErr != nil {
		return nil, dErr
	}
	if !decision.Allowed {
		return nil, kernelerr.New(decision.Code, decision.Reason)
	}

	head := o.Ledger.Head(tenantID, runID)
	return o.Ledger.Append(ctx, tenantID, runID, "settlement.gate.released", map[string]interface{}{
		"gateId": gateID,
	}, head)
}

// VoidGate cancels a gate before execution, returning funds to the payer,
// and appends the cancellation fact to the run's ledger.
func (o *Orchestrator) VoidGate(ctx context.Context, tenantID, runID, gateID string) (event *ledger.Event, err error) {
	decision, dErr := o.Gates.Void(ctx, o.Wallets, tenantID, gateID)
	if dErr != nil {
		return nil, dErr
	}
	if !decision.Allowed {
		return nil, kernelerr.New(decision.Code, decision.Reason)
	}

	head := o.Ledger.Head(tenantID, runID)
	return o.Ledger.Append(ctx, tenantID, runID, "settlement.gate.voided", map[string]interface{}{
		"gateId": gateID,
	}, head)
}

// SubmitReversalRequest is the input to SubmitReversal.
type SubmitReversalRequest struct {
	TenantID            string
	RunID               string
	Command             reversal.Command
	ExpectedReceiptHash string
	EvidenceRefs        []string
	ProviderDecision    *reversal.ProviderDecisionArtifact // resolve_refund only
	Now                 time.Time
}

// SubmitReversal dispatches spec §4.7's reversal command protocol in full:
// idempotency-on-commandId (step 1-3), wallet-policy action check (step 5),
// Ed25519 signature + exp + target binding (step 4), binding-evidence
// requirement for request_refund/resolve_refund (step 6), and the payee's
// providerDecisionArtifact for resolve_refund (step 7) — then applies the
// action's funds/gate-status effect (spec §4.7 "Effects") and appends the
// resulting fact to the run's reversal-stream-adjacent run ledger.
//
// A replayed commandId with the same payload never re-runs its effect: the
// stored Command's Outcome is the idempotent reply.
func (o *Orchestrator) SubmitReversal(ctx context.Context, req SubmitReversalRequest) (cmd *reversal.Command, event *ledger.Event, err error) {
	tenantID, runID := req.TenantID, req.RunID

	if o.Policy != nil {
		d := o.Policy.CheckReversalAction(tenantID, req.Command.Action)
		if !d.Allowed {
			return nil, nil, kernelerr.New(d.Code, d.Reason)
		}
	}

	created, wasNew, err := o.Reversals.Submit(req.Command)
	if err != nil {
		return nil, nil, err
	}
	if !wasNew {
		return created, nil, nil
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if sErr := reversal.VerifyCommandSignature(*created, o.AgentKeys, now, created.GateID, req.ExpectedReceiptHash); sErr != nil {
		return nil, nil, sErr
	}

	var effectErr error
	outcome := "accepted"
	switch created.Action {
	case reversal.ActionVoidAuthorization:
		_, effectErr = o.Gates.Void(ctx, o.Wallets, tenantID, created.GateID)

	case reversal.ActionRequestRefund:
		if mErr := requireEvidenceHash(req.EvidenceRefs, created.RequestHash,
			kernelerr.CodeReversalEvidenceRequired, kernelerr.CodeReversalEvidenceMismatch); mErr != nil {
			return nil, nil, mErr
		}
		_, effectErr = o.Gates.RequestRefund(tenantID, created.GateID)

	case reversal.ActionResolveRefund:
		if mErr := requireEvidenceHash(req.EvidenceRefs, created.RequestHash,
			kernelerr.CodeReversalEvidenceRequired, kernelerr.CodeReversalEvidenceMismatch); mErr != nil {
			return nil, nil, mErr
		}
		if req.ProviderDecision == nil {
			return nil, nil, kernelerr.New(kernelerr.CodeReversalEvidenceRequired, "resolve_refund requires a providerDecisionArtifact")
		}
		if dErr := reversal.VerifyProviderDecision(*req.ProviderDecision, o.ProviderKeys); dErr != nil {
			return nil, nil, dErr
		}
		outcome = req.ProviderDecision.Outcome
		if outcome == "accepted" {
			_, effectErr = o.Gates.ResolveRefund(ctx, o.Wallets, tenantID, created.GateID)
		}

	default:
		return nil, nil, kernelerr.New(kernelerr.CodeSchemaInvalid, fmt.Sprintf("unknown reversal action %q", created.Action))
	}
	if effectErr != nil {
		return nil, nil, effectErr
	}

	resolved, rErr := o.Reversals.Resolve(tenantID, created.CommandID, outcome)
	if rErr != nil {
		return nil, nil, rErr
	}

	details := map[string]interface{}{
		"commandId": created.CommandID,
		"gateId":    created.GateID,
		"action":    created.Action,
		"outcome":   outcome,
	}
	if o.Signer != nil {
		sealed, sErr := artifacts.Seal(artifacts.TypeX402ReversalCommand, map[string]interface{}{
			"tenantId":    tenantID,
			"gateId":      created.GateID,
			"commandId":   created.CommandID,
			"action":      created.Action,
			"payloadHash": created.PayloadHash,
			"outcome":     outcome,
		}, o.Signer)
		if sErr != nil {
			return nil, nil, fmt.Errorf("orchestrator: sealing reversal command artifact failed: %w", sErr)
		}
		details["artifact"] = sealed
	}

	head := o.Ledger.Head(tenantID, runID)
	ev, lErr := o.Ledger.Append(ctx, tenantID, runID, "reversal."+created.Action, details, head)
	if lErr != nil {
		return nil, nil, lErr
	}
	return resolved, ev, nil
}

// SealJobProof seals a run's completed gate lifecycle as a JobProof
// artifact (spec §7): the distinct gateIds the run touched, the run's
// current chain head hash, and its event count, signed by o.Signer. It is
// the kernel's durable attestation that a run's ledger chain is intact as
// of the moment the proof is sealed — callers typically call this once a
// run's gates have all reached a terminal status.
func (o *Orchestrator) SealJobProof(tenantID, runID string) (map[string]interface{}, error) {
	events := o.Ledger.Events(tenantID, runID)
	if len(events) == 0 {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "run has no ledger events")
	}

	seen := make(map[string]bool)
	var gateIDs []string
	for _, ev := range events {
		gid, _ := ev.Payload["gateId"].(string)
		if gid == "" || seen[gid] {
			continue
		}
		seen[gid] = true
		gateIDs = append(gateIDs, gid)
	}

	return artifacts.Seal(artifacts.TypeJobProof, map[string]interface{}{
		"tenantId":      tenantID,
		"runId":         runID,
		"gateIds":       gateIDs,
		"chainHeadHash": o.Ledger.Head(tenantID, runID),
		"eventCount":    len(events),
	}, o.Signer)
}

// SealSessionReplayPack seals a run's ordered event IDs as a
// SessionReplayPack artifact (spec §7), the deterministic-replay input the
// conformance harness re-plays a run's ledger chain from.
func (o *Orchestrator) SealSessionReplayPack(tenantID, runID string) (map[string]interface{}, error) {
	events := o.Ledger.Events(tenantID, runID)
	if len(events) == 0 {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "run has no ledger events")
	}
	eventIDs := make([]string, len(events))
	for i, ev := range events {
		eventIDs[i] = ev.EventID
	}
	return artifacts.Seal(artifacts.TypeSessionReplayPack, map[string]interface{}{
		"tenantId": tenantID,
		"runId":    runID,
		"eventIds": eventIDs,
	}, o.Signer)
}

// SealSessionTranscript seals a human-readable narration of a run's
// lifecycle, one line per ledger event, as a SessionTranscript artifact
// (spec §7) — the operator-facing counterpart to SessionReplayPack's
// machine-replayable event ID list.
func (o *Orchestrator) SealSessionTranscript(tenantID, runID string) (map[string]interface{}, error) {
	events := o.Ledger.Events(tenantID, runID)
	if len(events) == 0 {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "run has no ledger events")
	}
	lines := make([]string, len(events))
	for i, ev := range events {
		gid, _ := ev.Payload["gateId"].(string)
		lines[i] = fmt.Sprintf("[%d] %s gateId=%s", ev.Sequence, ev.Type, gid)
	}
	return artifacts.Seal(artifacts.TypeSessionTranscript, map[string]interface{}{
		"tenantId": tenantID,
		"runId":    runID,
		"lines":    lines,
	}, o.Signer)
}

// SealMonthProof seals a tenant's calendar-month settled volume, drawn from
// its BillingPlan's MonthlyUsedCents, as a MonthProof artifact (spec §7)
// referencing the JobProof hashes it rolls up. Callers accumulate
// jobProofHashes from SealJobProof across the month's runs and pass them
// here once the month closes.
func (o *Orchestrator) SealMonthProof(tenantID, month string, jobProofHashes []string, currency string) (map[string]interface{}, error) {
	if o.Policy == nil {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "no billing plan configured for tenant")
	}
	plan, ok := o.Policy.GetPlan(tenantID)
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "no billing plan configured for tenant")
	}
	return artifacts.Seal(artifacts.TypeMonthProof, map[string]interface{}{
		"tenantId":       tenantID,
		"month":          month,
		"jobProofHashes": jobProofHashes,
		"totalCents":     plan.MonthlyUsedCents,
		"currency":       currency,
	}, o.Signer)
}

// SealFinancePack seals a tenant's billing-plan usage snapshot alongside the
// MonthProof it was rolled up from, as a FinancePack artifact (spec §7) for
// export to an accounting system.
func (o *Orchestrator) SealFinancePack(tenantID, monthProofHash string) (map[string]interface{}, error) {
	if o.Policy == nil {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "no billing plan configured for tenant")
	}
	plan, ok := o.Policy.GetPlan(tenantID)
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "no billing plan configured for tenant")
	}
	return artifacts.Seal(artifacts.TypeFinancePack, map[string]interface{}{
		"tenantId":         tenantID,
		"monthProofHash":   monthProofHash,
		"dailyUsedCents":   plan.DailyUsedCents,
		"monthlyUsedCents": plan.MonthlyUsedCents,
	}, o.Signer)
}

// requireEvidenceHash fails closed if evidenceRefs is missing the
// "http:request_sha256:<hex>" entry the command is bound to, or it does not
// match expectedRequestHash (spec §4.7 step 6).
func requireEvidenceHash(evidenceRefs []string, expectedRequestHash string, requiredCode, mismatchCode kernelerr.Code) error {
	hash, ok := reversal.EvidenceHash(evidenceRefs, "request_sha256")
	if !ok {
		return kernelerr.New(requiredCode, "request_sha256 binding evidence is required for this reversal action")
	}
	if expectedRequestHash == "" || hash != expectedRequestHash {
		return kernelerr.New(mismatchCode, "request_sha256 binding evidence does not match the command's bound request")
	}
	return nil
}
