// Package orchestrator implements the settlement kernel's request dispatch
// (C10): the single entry point that wires idempotency, policy, settlement,
// wallet, ledger, and envelope signing into one transactional operation per
// request, and the RFC 7807 Problem Detail mapping that surfaces kernelerr
// codes at the API boundary.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs), grounded
// on pkg/api.ProblemDetail: every error the orchestrator returns maps to one
// of these rather than a bare string.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s (%s): %s", p.Title, p.Code, p.Detail)
}

// statusForCode maps a kernelerr.Code to its HTTP status per spec §7's error
// taxonomy: schema/validation failures are 400, concurrency and idempotency
// conflicts are 409, as are signature failures and unknown signing keys,
// policy/billing denials are 402/403, unknown trust anchors are 403,
// upstream adapter failures are 502, and anything
// unrecognized fails closed to 500 rather than guessing.
func statusForCode(code kernelerr.Code) int {
	switch code {
	case kernelerr.CodeNumberNotFinite, kernelerr.CodeNegativeZeroDisallowed,
		kernelerr.CodeNonPlainObject, kernelerr.CodeSchemaInvalid, kernelerr.CodeTenantRequired:
		return http.StatusBadRequest
	case kernelerr.CodeNotFound:
		return http.StatusNotFound
	case kernelerr.CodeChainHashCASMismatch, kernelerr.CodeIdempotencyBodyMismatch,
		kernelerr.CodeGateStateInvalid, kernelerr.CodeReversalPayloadHashMismatch,
		kernelerr.CodeConservationViolation:
		return http.StatusConflict
	case kernelerr.CodeWalletIssuerDecisionReq, kernelerr.CodeQuoteBindingMismatch,
		kernelerr.CodeReversalEvidenceRequired, kernelerr.CodeReversalEvidenceMismatch,
		kernelerr.CodeDisputeEvidenceRequired, kernelerr.CodeDisputeEvidenceMismatch:
		return http.StatusUnprocessableEntity
	case kernelerr.CodeBillingPlanLimitExceeded, kernelerr.CodeDelegationBudgetExceeded:
		return http.StatusPaymentRequired
	case kernelerr.CodeReversalActionNotAllowed, kernelerr.CodeDelegationDepthExceeded,
		kernelerr.CodeTrustAnchorUnknown, kernelerr.CodeForbidden,
		kernelerr.CodeFederationUntrustedCoordinator, kernelerr.CodeFederationTrustAnchorRevoked:
		return http.StatusForbidden
	case kernelerr.CodeProviderSignatureInvalid, kernelerr.CodeSignatureInvalid, kernelerr.CodeKeyNotFound:
		return http.StatusConflict
	case kernelerr.CodeTenantConcurrencyLimit:
		return http.StatusTooManyRequests
	case kernelerr.CodeAdapterTimeout, kernelerr.CodeAdapterExecFailed, kernelerr.CodeFederationUpstreamUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromKernelError builds a ProblemDetail for err. Non-kernelerr errors map to
// a generic 500 with the underlying cause logged but never echoed to the
// caller, matching pkg/api.WriteInternal's never-leak-internals rule.
func FromKernelError(err error) *ProblemDetail {
	if err == nil {
		return nil
	}
	var kerr *kernelerr.Error
	if e, ok := err.(*kernelerr.Error); ok {
		kerr = e
	}
	code := kernelerr.CodeOf(err)
	status := statusForCode(code)

	detail := err.Error()
	if status == http.StatusInternalServerError && kerr == nil {
		slog.Error("orchestrator: unclassified internal error", "error", err)
		detail = "an internal error occurred"
	}

	return &ProblemDetail{
		Type:   fmt.Sprintf("https://settle.nooterra.dev/errors/%s", code),
		Title:  http.StatusText(status),
		Status: status,
		Code:   string(code),
		Detail: detail,
	}
}

// WriteProblem writes a ProblemDetail as an RFC 7807 JSON response.
func WriteProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
