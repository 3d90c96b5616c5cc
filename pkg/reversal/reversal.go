// Package reversal implements the settlement kernel's reversal command
// protocol (C7): client-signed, idempotent-on-commandId requests to move
// funds back from a payee to a payer after release, plus the dispute and
// arbitration FSM layered over a settlement gate, plus the arbitration
// appeal chain.
//
// The appeal chain's parent-pointer-with-forward-index shape is grounded on
// the teacher's pkg/proofgraph.Graph (walkValidate's recursive parent-hash
// validation with a visited-set cycle guard); unlike the teacher's Graph,
// which always collapses to a single head, appeals here form a genuine tree
// — one parent per case, many possible children — so the forward index is
// a real lookup table, not derivable by just following NodeHash pointers.
package reversal

import (
	"strings"
	"sync"
	"time"

	"github.com/nooterra/settle/pkg/canonicalize"
	"github.com/nooterra/settle/pkg/envelope"
	"github.com/nooterra/settle/pkg/kernelerr"
)

// The three reversal actions spec §4.7 defines effects for. WalletPolicy's
// AllowedReversalActions gates on these literal strings.
const (
	ActionVoidAuthorization = "void_authorization"
	ActionRequestRefund     = "request_refund"
	ActionResolveRefund     = "resolve_refund"
)

// Command is a client-signed reversal request (spec §3 "Reversal Command",
// wire shape X402ReversalCommand.v1 in spec §6): bound to the original
// settlement gate via Target, to its own body via PayloadHash, and to the
// signing agent via AgentKeyID.
type Command struct {
	CommandID   string
	TenantID    string
	SponsorRef  string
	AgentKeyID  string
	GateID      string // Target.gateId
	ReceiptHash string // Target.receiptId's bound receipt hash
	QuoteID     string // Target.quoteId, optional
	RequestHash string // Target.requestSha256, optional

	PayloadHash  string
	SignatureHex string // Ed25519 signature over PayloadHash, by AgentKeyID
	Nonce        string
	Exp          time.Time

	Action   string // ActionVoidAuthorization | ActionRequestRefund | ActionResolveRefund, checked against WalletPolicy.AllowedReversalActions
	Reason   string
	SignedAt time.Time
	Outcome  string // "accepted" | "rejected" | "" (pending)
}

// Store enforces idempotency on CommandID and binds each command to the
// payload hash it was first submitted with, mirroring the idempotency
// invariant C9 applies to the outer request surface (spec §3).
type Store struct {
	mu       sync.Mutex
	commands map[string]*Command // key: tenantID + "/" + commandID
}

func NewStore() *Store { return &Store{commands: make(map[string]*Command)} }

func cmdKey(tenantID, commandID string) string { return tenantID + "/" + commandID }

// Submit records a reversal command. If commandID was already submitted, the
// stored command's PayloadHash must match payloadHash exactly — a mismatch
// is a deterministic conflict (X402_REVERSAL_COMMAND_PAYLOAD_HASH_MISMATCH),
// never a silent overwrite of the original request.
func (s *Store) Submit(cmd Command) (*Command, bool, error) {
	if cmd.TenantID == "" {
		return nil, false, kernelerr.New(kernelerr.CodeTenantRequired, "tenantId is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cmdKey(cmd.TenantID, cmd.CommandID)
	if existing, ok := s.commands[key]; ok {
		if existing.PayloadHash != cmd.PayloadHash {
			return nil, false, kernelerr.New(kernelerr.CodeReversalPayloadHashMismatch, "reversal commandId reused with a different payload").
				WithDetails(map[string]interface{}{"tenantId": cmd.TenantID, "commandId": cmd.CommandID})
		}
		cp := *existing
		return &cp, false, nil
	}

	cp := cmd
	s.commands[key] = &cp
	out := cp
	return &out, true, nil
}

// Resolve records the terminal outcome of a previously submitted command.
func (s *Store) Resolve(tenantID, commandID, outcome string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[cmdKey(tenantID, commandID)]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeNotFound, "reversal command not found")
	}
	cmd.Outcome = outcome
	cp := *cmd
	return &cp, nil
}

// HashPayload computes the canonical-JSON SHA-256 hash a Command's
// PayloadHash field is checked against.
func HashPayload(payload map[string]interface{}) (string, error) {
	return canonicalize.CanonicalHash(payload)
}

// EvidenceHash extracts the hex digest bound to evidenceRefs under kind
// ("request_sha256" or "response_sha256"), per the GLOSSARY's
// "http:request_sha256:<hex>" / "http:response_sha256:<hex>" binding
// evidence format.
func EvidenceHash(refs []string, kind string) (string, bool) {
	prefix := "http:" + kind + ":"
	for _, r := range refs {
		if strings.HasPrefix(r, prefix) {
			return strings.TrimPrefix(r, prefix), true
		}
	}
	return "", false
}

// VerifyCommandSignature checks spec §4.7 step 4: exp has not passed,
// target.gateId/receiptHash match what the caller expects the command to be
// bound to, and the command's Ed25519 signature over PayloadHash verifies
// against AgentKeyID. The command's QuoteID and RequestHash are not compared
// here.
func VerifyCommandSignature(cmd Command, verifier envelope.Verifier, now time.Time, expectedGateID, expectedReceiptHash string) error {
	if cmd.Exp.Before(now) {
		return kernelerr.New(kernelerr.CodeSchemaInvalid, "reversal command has expired").
			WithDetails(map[string]interface{}{"commandId": cmd.CommandID, "exp": cmd.Exp})
	}
	if cmd.GateID != expectedGateID || cmd.ReceiptHash != expectedReceiptHash {
		return kernelerr.New(kernelerr.CodeReversalEvidenceMismatch, "reversal command target does not bind to the referenced gate/receipt").
			WithDetails(map[string]interface{}{"commandId": cmd.CommandID})
	}
	if verifier == nil {
		return kernelerr.New(kernelerr.CodeSignatureInvalid, "no agent key verifier configured")
	}
	ok, err := verifier.VerifyDigestHex(cmd.AgentKeyID, cmd.PayloadHash, cmd.SignatureHex)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerr.New(kernelerr.CodeSignatureInvalid, "reversal command signature does not verify against agentKeyId").
			WithDetails(map[string]interface{}{"commandId": cmd.CommandID, "agentKeyId": cmd.AgentKeyID})
	}
	return nil
}

// ProviderDecisionArtifact is the payee-signed decision a resolve_refund
// command must carry (spec §4.7 step 7): "accepted" or "rejected", signed
// over its own canonical hash by the payee's registered key.
type ProviderDecisionArtifact struct {
	Outcome      string // "accepted" | "rejected"
	KeyID        string
	PayloadHash  string
	SignatureHex string
}

// VerifyProviderDecision checks a resolve_refund command's
// providerDecisionArtifact signature.
func VerifyProviderDecision(d ProviderDecisionArtifact, verifier envelope.Verifier) error {
	if verifier == nil {
		return kernelerr.New(kernelerr.CodeSignatureInvalid, "no provider key verifier configured")
	}
	ok, err := verifier.VerifyDigestHex(d.KeyID, d.PayloadHash, d.SignatureHex)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerr.New(kernelerr.CodeSignatureInvalid, "providerDecisionArtifact signature does not verify")
	}
	return nil
}

// BindingEvidence is the evidence a reversal or dispute-close call must
// supply and that the kernel cross-checks against the gate/receipt it
// references before honoring the request (spec §4.7:
// X402_REVERSAL_BINDING_EVIDENCE_REQUIRED / _MISMATCH and the dispute-close
// analogues).
type BindingEvidence struct {
	ReceiptHash string
	GateID      string
}

// CheckBindingEvidence fails closed if evidence is missing or does not
// reference the expected gate/receipt.
func CheckBindingEvidence(evidence *BindingEvidence, expectedGateID, expectedReceiptHash string, requiredCode, mismatchCode kernelerr.Code) error {
	if evidence == nil {
		return kernelerr.New(requiredCode, "binding evidence is required")
	}
	if evidence.GateID != expectedGateID || evidence.ReceiptHash != expectedReceiptHash {
		return kernelerr.New(mismatchCode, "binding evidence does not match the referenced gate/receipt").
			WithDetails(map[string]interface{}{"expectedGateId": expectedGateID, "gotGateId": evidence.GateID})
	}
	return nil
}
