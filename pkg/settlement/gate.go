// Package settlement implements the settlement gate state machine (C6): the
// lifecycle that moves a payer's locked balance through escrow to a payee
// (or back to the payer) under an x402-style agent-to-agent payment.
//
// The state machine's fail-closed, sequential-check structure is grounded on
// the teacher's envelope.EnvelopeGate (pkg/envelope/gate.go): an active
// record, a set of ordered checks that must all pass before a transition is
// allowed, and a decision record returned for every attempt whether or not
// it succeeded.
package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nooterra/settle/pkg/kernelerr"
	"github.com/nooterra/settle/pkg/wallet"
)

// Status is a gate's lifecycle state.
type Status string

const (
	StatusCreated           Status = "created"
	StatusAuthorized        Status = "authorized"
	StatusVerifying         Status = "verifying"
	StatusReleased          Status = "released"
	StatusPartiallyReleased Status = "partially_released"
	StatusRefundPending     Status = "refund_pending"
	StatusRefunded          Status = "refunded"
	StatusVoided            Status = "voided"
	StatusDisputed          Status = "disputed"
	StatusArbitrated        Status = "arbitrated"
)

// transitions enumerates every legal Status -> Status edge. Anything not
// listed here is rejected with GATE_STATE_INVALID, never silently allowed.
var transitions = map[Status]map[Status]bool{
	StatusCreated:           {StatusAuthorized: true, StatusVoided: true},
	StatusAuthorized:        {StatusVerifying: true, StatusVoided: true, StatusRefunded: true, StatusDisputed: true},
	StatusVerifying:         {StatusReleased: true, StatusPartiallyReleased: true, StatusRefunded: true, StatusDisputed: true},
	StatusReleased:          {StatusDisputed: true, StatusRefundPending: true},
	StatusPartiallyReleased: {StatusDisputed: true, StatusRefundPending: true},
	StatusRefundPending:     {StatusRefunded: true},
	StatusRefunded:          {},
	StatusVoided:            {},
	StatusDisputed:          {StatusArbitrated: true},
	StatusArbitrated:        {},
}

// Gate is a settlement gate record (spec §3 Settlement Gate).
type Gate struct {
	GateID        string
	TenantID      string
	PayerAgentID  string
	PayeeAgentID  string
	AmountCents   int64
	Currency      string
	ToolID        string
	Status        Status
	Authorization map[string]interface{}
	Policy        map[string]interface{}
	Quote         map[string]interface{}
	AgentPassport map[string]interface{}
	DecisionTrace []string
	CreatedAt     time.Time
	LastUpdated   time.Time

	// Populated by Verify (spec §4.6): the outcome of the most recent
	// verification, kept on the gate so a SettlementReceipt can bind to it
	// without the caller threading the numbers through separately.
	VerificationStatus string
	ReleasedCents      int64
	ReleasedMilliCents int64
	RefundedCents      int64
}

// Decision is returned from every transition attempt, successful or not,
// so callers always have an auditable record of why a gate moved or didn't.
type Decision struct {
	Allowed bool
	Reason  string
	Code    kernelerr.Code
	Gate    *Gate
}

// Store holds gates keyed by (tenantID, gateID), each guarded by its own
// lock so concurrent operations on unrelated gates never contend.
type Store struct {
	mu    sync.Mutex
	gates map[string]*entry

	// quoteIDs tracks provider quoteId uniqueness across every gate this
	// store has verified (spec §4.6: "quoteId unique"), keyed by
	// tenantID+"/"+quoteId. Guarded by mu alongside gates.
	quoteIDs map[string]bool
}

type entry struct {
	mu sync.Mutex
	g  Gate
}

func key(tenantID, gateID string) string { return tenantID + "/" + gateID }

// wrapFundsMoveErr turns a wallet funds-move failure into the kernel's typed
// error vocabulary: a *wallet.ConservationViolation becomes a
// kernelerr.Error carrying CodeConservationViolation (so the orchestrator's
// 409 problem-detail mapping applies), anything else is wrapped plainly.
func wrapFundsMoveErr(context string, err error) error {
	if cv, ok := err.(*wallet.ConservationViolation); ok {
		return kernelerr.Wrap(kernelerr.CodeConservationViolation, context+": "+cv.Error(), cv).
			WithDetails(map[string]interface{}{"tenantId": cv.TenantID, "deltas": cv.Deltas, "sum": cv.Sum})
	}
	return fmt.Errorf("%s: %w", context, err)
}

// NewStore returns an empty gate Store.
func NewStore() *Store {
	return &Store{gates: make(map[string]*entry)}
}

// Create opens a new gate in StatusCreated and locks the payer's funds into
// escrow via wallet.Lock — creation and fund-locking are a single logical
// step because an unlocked "created" gate would let a caller observe a gate
// that could never actually release.
func (s *Store) Create(ctx context.Context, ws wallet.Store, g Gate) (*Gate, error) {
	if g.TenantID == "" {
		return nil, kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	if g.AmountCents <= 0 {
		return nil, kernelerr.New(kernelerr.CodeSchemaInvalid, "amountCents must be positive")
	}

	if err := wallet.Lock(ws, g.TenantID, g.PayerAgentID, g.AmountCents); err != nil {
		return nil, wrapFundsMoveErr("settlement: escrow lock failed", err)
	}

	g.Status = StatusCreated
	now := time.Now().UTC()
	g.CreatedAt = now
	g.LastUpdated = now
	g.DecisionTrace = append(g.DecisionTrace, "created")

	s.mu.Lock()
	e := &entry{g: g}
	s.gates[key(g.TenantID, g.GateID)] = e
	s.mu.Unlock()

	out := e.g
	return &out, nil
}

func (s *Store) get(tenantID, gateID string) (*entry, error) {
	s.mu.Lock()
	e, ok := s.gates[key(tenantID, gateID)]
	s.mu.Unlock()
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "gate not found").
			WithDetails(map[string]interface{}{"tenantId": tenantID, "gateId": gateID})
	}
	return e, nil
}

// Get returns a copy of the current gate state.
func (s *Store) Get(tenantID, gateID string) (*Gate, error) {
	e, err := s.get(tenantID, gateID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.g
	return &cp, nil
}

// transition validates and applies a status change. A rejected attempt
// never touches DecisionTrace since the gate itself didn't change; the
// returned Decision is the caller's audit record for the rejection.
func (s *Store) transition(tenantID, gateID string, to Status, reason string, mutate func(*Gate)) (Decision, error) {
	e, err := s.get(tenantID, gateID)
	if err != nil {
		return Decision{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !transitions[e.g.Status][to] {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("illegal transition %s -> %s", e.g.Status, to),
			Code:    kernelerr.CodeGateStateInvalid,
		}, nil
	}

	if mutate != nil {
		mutate(&e.g)
	}
	e.g.Status = to
	e.g.LastUpdated = time.Now().UTC()
	e.g.DecisionTrace = append(e.g.DecisionTrace, reason)

	cp := e.g
	return Decision{Allowed: true, Reason: reason, Gate: &cp}, nil
}

// Authorize moves a gate from created to authorized once the payer's
// spend-authorization lineage and policy checks have passed (checked by the
// caller — policy package — before invoking this).
//
// Per spec §4.6, if the gate's agentPassport names a sponsor wallet, a
// signed walletAuthorizationDecisionToken from that sponsor's issuer is
// mandatory; its absence fails closed with
// X402_WALLET_ISSUER_DECISION_REQUIRED rather than silently authorizing
// against the payer's own wallet.
func (s *Store) Authorize(tenantID, gateID string, authorization map[string]interface{}) (Decision, error) {
	e, err := s.get(tenantID, gateID)
	if err != nil {
		return Decision{}, err
	}
	e.mu.Lock()
	passport := e.g.AgentPassport
	e.mu.Unlock()

	if passport != nil {
		if sponsor, ok := passport["sponsorWalletId"].(string); ok && sponsor != "" {
			if authorization == nil || authorization["walletAuthorizationDecisionToken"] == nil {
				return Decision{
					Allowed: false,
					Reason:  "agentPassport names a sponsor wallet but no walletAuthorizationDecisionToken was supplied",
					Code:    kernelerr.CodeWalletIssuerDecisionReq,
				}, nil
			}
		}
	}

	return s.transition(tenantID, gateID, StatusAuthorized, "authorized", func(g *Gate) {
		g.Authorization = authorization
	})
}

// BeginVerify moves an authorized gate into verifying, where the provider
// response / binding evidence is checked before release or refund.
func (s *Store) BeginVerify(tenantID, gateID string) (Decision, error) {
	return s.transition(tenantID, gateID, StatusVerifying, "verifying", nil)
}

// Release moves a verifying gate to released and moves escrowed funds to
// the payee via the wallet package, atomically from the caller's
// perspective: if the wallet move fails, the gate is left in verifying so
// the caller can retry rather than recording a released gate with no
// corresponding funds movement.
func (s *Store) Release(ctx context.Context, ws wallet.Store, tenantID, gateID string) (Decision, error) {
	g, err := s.Get(tenantID, gateID)
	if err != nil {
		return Decision{}, err
	}
	if !transitions[g.Status][StatusReleased] {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("illegal transition %s -> %s", g.Status, StatusReleased),
			Code:    kernelerr.CodeGateStateInvalid,
		}, nil
	}
	if err := wallet.Release(ws, tenantID, g.PayerAgentID, g.PayeeAgentID, g.AmountCents); err != nil {
		return Decision{}, wrapFundsMoveErr("settlement: release funds move failed", err)
	}
	return s.transition(tenantID, gateID, StatusReleased, "released", nil)
}

// Refund moves a gate (authorized or verifying) to refunded and returns the
// escrowed funds to the payer.
func (s *Store) Refund(ctx context.Context, ws wallet.Store, tenantID, gateID string) (Decision, error) {
	g, err := s.Get(tenantID, gateID)
	if err != nil {
		return Decision{}, err
	}
	if err := wallet.Refund(ws, tenantID, g.PayerAgentID, g.AmountCents); err != nil {
		return Decision{}, wrapFundsMoveErr("settlement: refund funds move failed", err)
	}
	return s.transition(tenantID, gateID, StatusRefunded, "refunded", nil)
}

// Void cancels a gate before execution (created or authorized) and returns
// the escrowed funds to the payer — identical funds movement to Refund but
// a distinct terminal status, since "the tool never ran" and "the tool ran
// and money came back" are different facts downstream consumers care about.
func (s *Store) Void(ctx context.Context, ws wallet.Store, tenantID, gateID string) (Decision, error) {
	g, err := s.Get(tenantID, gateID)
	if err != nil {
		return Decision{}, err
	}
	if err := wallet.Refund(ws, tenantID, g.PayerAgentID, g.AmountCents); err != nil {
		return Decision{}, wrapFundsMoveErr("settlement: void funds move failed", err)
	}
	return s.transition(tenantID, gateID, StatusVoided, "voided", nil)
}

// RequestRefund moves a released (or partially released) gate into
// refund_pending, per spec §4.7's request_refund reversal effect: "if gate
// is released, move it to refund_pending". No funds move yet — that only
// happens once the payee's decision is resolved via ResolveRefund.
func (s *Store) RequestRefund(tenantID, gateID string) (Decision, error) {
	return s.transition(tenantID, gateID, StatusRefundPending, "refund_requested", nil)
}

// ResolveRefund completes a pending refund_request once the payee has
// accepted it: the funds actually released to the payee (ReleasedCents,
// which may be less than AmountCents for a partially released gate) move
// back to the payer, and the gate becomes terminally refunded — spec
// §4.7's resolve_refund effect.
func (s *Store) ResolveRefund(ctx context.Context, ws wallet.Store, tenantID, gateID string) (Decision, error) {
	g, err := s.Get(tenantID, gateID)
	if err != nil {
		return Decision{}, err
	}
	if g.ReleasedCents > 0 {
		if err := wallet.Reverse(ws, tenantID, g.PayeeAgentID, g.PayerAgentID, g.ReleasedCents); err != nil {
			return Decision{}, wrapFundsMoveErr("settlement: resolve-refund funds move failed", err)
		}
	}
	return s.transition(tenantID, gateID, StatusRefunded, "refund_resolved", nil)
}

// Dispute marks a released or verifying gate as disputed, freezing it for
// the reversal/arbitration protocol (pkg/reversal).
func (s *Store) Dispute(tenantID, gateID string) (Decision, error) {
	return s.transition(tenantID, gateID, StatusDisputed, "disputed", nil)
}

// Arbitrate moves a disputed gate to its final arbitrated state once an
// ArbitrationVerdict has been recorded.
func (s *Store) Arbitrate(tenantID, gateID string) (Decision, error) {
	return s.transition(tenantID, gateID, StatusArbitrated, "arbitrated", nil)
}
