// Package kernelerr defines the settlement kernel's typed error vocabulary.
//
// Exceptions are not used for control flow anywhere in this codebase: every
// fallible operation returns an explicit *Error carrying a stable Code, a
// human Message, and structured Details. Transport layers (HTTP, CLI) map
// Code to their own wire formats (e.g. RFC 7807 Problem Details) without
// needing to parse Message strings.
package kernelerr

import "fmt"

// Code is a stable, machine-checkable error identifier.
type Code string

const (
	CodeNumberNotFinite           Code = "NUMBER_NOT_FINITE"
	CodeNegativeZeroDisallowed    Code = "NEGATIVE_ZERO_DISALLOWED"
	CodeNonPlainObject            Code = "NON_PLAIN_OBJECT"
	CodeSchemaInvalid             Code = "SCHEMA_INVALID"
	CodeTenantRequired            Code = "TENANT_REQUIRED"
	CodeChainHashCASMismatch      Code = "CHAIN_HASH_CAS_MISMATCH"
	CodeIdempotencyBodyMismatch   Code = "IDEMPOTENCY_BODY_MISMATCH"
	CodeWalletIssuerDecisionReq   Code = "X402_WALLET_ISSUER_DECISION_REQUIRED"
	CodeProviderSignatureInvalid  Code = "PROVIDER_SIGNATURE_INVALID"
	CodeQuoteBindingMismatch      Code = "QUOTE_BINDING_MISMATCH"
	CodeReversalPayloadHashMismatch Code = "X402_REVERSAL_COMMAND_PAYLOAD_HASH_MISMATCH"
	CodeReversalActionNotAllowed  Code = "X402_WALLET_POLICY_REVERSAL_ACTION_NOT_ALLOWED"
	CodeReversalEvidenceRequired  Code = "X402_REVERSAL_BINDING_EVIDENCE_REQUIRED"
	CodeReversalEvidenceMismatch  Code = "X402_REVERSAL_BINDING_EVIDENCE_MISMATCH"
	CodeDisputeEvidenceRequired   Code = "X402_DISPUTE_CLOSE_BINDING_EVIDENCE_REQUIRED"
	CodeDisputeEvidenceMismatch   Code = "X402_DISPUTE_CLOSE_BINDING_EVIDENCE_MISMATCH"
	CodeBillingPlanLimitExceeded  Code = "BILLING_PLAN_LIMIT_EXCEEDED"
	CodeTenantConcurrencyLimit    Code = "TENANT_CONCURRENCY_LIMIT"
	CodeRateLimited               Code = "RATE_LIMITED"
	CodeAdapterTimeout            Code = "ADAPTER_TIMEOUT"
	CodeAdapterExecFailed         Code = "ADAPTER_EXEC_FAILED"
	CodeConservationViolation     Code = "WALLET_CONSERVATION_VIOLATION"
	CodeSignatureInvalid          Code = "SIGNATURE_INVALID"
	CodeKeyNotFound               Code = "KEY_NOT_FOUND"
	CodeGateStateInvalid          Code = "GATE_STATE_INVALID"
	CodeDelegationDepthExceeded   Code = "DELEGATION_DEPTH_EXCEEDED"
	CodeDelegationBudgetExceeded  Code = "DELEGATION_BUDGET_EXCEEDED"
	CodeTrustAnchorUnknown        Code = "TRUST_ANCHOR_UNKNOWN"
	CodeFederationUntrustedCoordinator Code = "FEDERATION_UNTRUSTED_COORDINATOR"
	CodeFederationTrustAnchorRevoked   Code = "FEDERATION_TRUST_ANCHOR_REVOKED"
	CodeFederationUpstreamUnreachable  Code = "FEDERATION_UPSTREAM_UNREACHABLE"
	CodeForbidden                 Code = "FORBIDDEN"
	CodeNotFound                  Code = "NOT_FOUND"
	CodeInternal                  Code = "INTERNAL"
)

// Error is the kernel's explicit result type for the failure case, used in
// place of ad hoc exceptions so call sites can branch on Code deterministically.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an *Error with no details.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error carrying cause so %w chains still resolve.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails returns a copy of e with Details merged in.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	merged := make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &Error{Code: e.Code, Message: e.Message, Details: merged, cause: e.cause}
}

// Is supports errors.Is comparison against sentinel codes constructed via New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, otherwise
// returns CodeInternal.
func CodeOf(err error) Code {
	var kerr *Error
	if as(err, &kerr) {
		return kerr.Code
	}
	return CodeInternal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
