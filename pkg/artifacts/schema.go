package artifacts

// Type names artifacts are tagged with when sealed (schema.go's "type"
// field). Each corresponds to one of the kernel's durable output records
// (spec §7): proofs of settlement runs, financial rollups, x402 receipts
// and reversal commands, arbitration verdicts, session replay material, and
// conformance reports/certificates.
const (
	TypeJobProof             = "kernel/job-proof.v1"
	TypeMonthProof           = "kernel/month-proof.v1"
	TypeFinancePack          = "kernel/finance-pack.v1"
	TypeX402ReceiptRecord    = "kernel/x402-receipt-record.v1"
	TypeArbitrationVerdict   = "kernel/arbitration-verdict.v1"
	TypeX402ReversalCommand  = "kernel/x402-reversal-command.v1"
	TypeSessionReplayPack    = "kernel/session-replay-pack.v1"
	TypeSessionTranscript    = "kernel/session-transcript.v1"
	TypeConformanceRunReport = "kernel/conformance-run-report.v1"
	TypeConformanceCertBundle = "kernel/conformance-cert-bundle.v1"
)

// JobProof attests that a single run's gate lifecycle (create through
// release/refund/void) settled with a verified ledger chain.
type JobProof struct {
	TenantID      string   `json:"tenantId"`
	RunID         string   `json:"runId"`
	GateIDs       []string `json:"gateIds"`
	ChainHeadHash string   `json:"chainHeadHash"`
	EventCount    int      `json:"eventCount"`
}

// MonthProof rolls up a tenant's settled volume over a calendar month,
// referencing the JobProof hashes that back it.
type MonthProof struct {
	TenantID    string   `json:"tenantId"`
	Month       string   `json:"month"` // "2026-07"
	JobProofs   []string `json:"jobProofHashes"`
	TotalCents  int64    `json:"totalCents"`
	Currency    string   `json:"currency"`
}

// FinancePack bundles a tenant's billing-plan usage snapshot alongside its
// MonthProof for export to an accounting system.
type FinancePack struct {
	TenantID       string `json:"tenantId"`
	MonthProofHash string `json:"monthProofHash"`
	DailyUsedCents int64  `json:"dailyUsedCents"`
	MonthlyUsedCents int64 `json:"monthlyUsedCents"`
}

// X402ReceiptRecord is the settled receipt handed back to the payer/payee
// once a gate releases or refunds.
type X402ReceiptRecord struct {
	TenantID    string `json:"tenantId"`
	GateID      string `json:"gateId"`
	RunID       string `json:"runId"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// ArbitrationVerdict is the sealed outcome of a dispute's arbitration.
type ArbitrationVerdict struct {
	TenantID  string `json:"tenantId"`
	GateID    string `json:"gateId"`
	DisputeID string `json:"disputeId"`
	Outcome   string `json:"outcome"`
	Rationale string `json:"rationale"`
}

// X402ReversalCommand is the sealed form of a reversal.Command once it has
// been accepted or rejected.
type X402ReversalCommand struct {
	TenantID    string `json:"tenantId"`
	GateID      string `json:"gateId"`
	CommandID   string `json:"commandId"`
	Action      string `json:"action"`
	PayloadHash string `json:"payloadHash"`
	Outcome     string `json:"outcome"`
}

// SessionReplayPack bundles a run's ordered ledger events for deterministic
// replay against the conformance harness.
type SessionReplayPack struct {
	TenantID string   `json:"tenantId"`
	RunID    string   `json:"runId"`
	EventIDs []string `json:"eventIds"`
}

// SessionTranscript is a human-readable narration of a run's lifecycle,
// generated from its ledger events.
type SessionTranscript struct {
	TenantID string `json:"tenantId"`
	RunID    string `json:"runId"`
	Lines    []string `json:"lines"`
}

// ConformanceCaseResult is one conformance vector's outcome: which
// invariants it exercised and whether it passed, per spec §4.8's "per-case
// invariantIds".
type ConformanceCaseResult struct {
	CaseID       string   `json:"caseId"`
	InvariantIDs []string `json:"invariantIds"`
	Passed       bool     `json:"passed"`
}

// ConformanceSummary aggregates a report's per-case results.
type ConformanceSummary struct {
	Total         int  `json:"total"`
	Passed        int  `json:"passed"`
	Failed        int  `json:"failed"`
	Deterministic bool `json:"deterministic"`
}

// ConformanceReportCore is the hash-bound core of a ConformanceRunReport:
// the pack identity, the schema version the per-case records conform to,
// the aggregate summary, and the per-case results themselves. It is
// embedded byte-for-byte inside the cert bundle's core (spec §4.8:
// "certCore.reportCore == reportCore byte-for-byte"), so its field order
// and contents must be reproduced exactly, not merely referenced by hash.
type ConformanceReportCore struct {
	Pack               string                  `json:"pack"`
	CasesSchemaVersion string                  `json:"casesSchemaVersion"`
	Summary            ConformanceSummary      `json:"summary"`
	Results            []ConformanceCaseResult `json:"results"`
}

// ConformanceRunReport is the sealed result of running the conformance
// harness against a vector set (wire shape ConformanceRunReport.v1).
type ConformanceRunReport struct {
	SchemaVersion string                `json:"schemaVersion"`
	GeneratedAt   string                `json:"generatedAt"`
	ReportHash    string                `json:"reportHash"`
	ReportCore    ConformanceReportCore `json:"reportCore"`
}

// ConformanceCertCore binds a cert to the exact report it certifies: the
// report's own schemaVersion and hash, plus a byte-for-byte copy of its
// core (spec §4.8's cross-binding invariant), so a cert can never be
// reissued against a report it doesn't reproduce exactly.
type ConformanceCertCore struct {
	ReportSchemaVersion string                `json:"reportSchemaVersion"`
	ReportHash          string                `json:"reportHash"`
	ReportCore          ConformanceReportCore `json:"reportCore"`
}

// ConformanceCertBundle wraps a passing ConformanceRunReport's binding
// information for distribution as a compliance artifact (wire shape
// ConformanceCertBundle.v1).
type ConformanceCertBundle struct {
	SchemaVersion string               `json:"schemaVersion"`
	GeneratedAt   string               `json:"generatedAt"`
	CertHash      string               `json:"certHash"`
	CertCore      ConformanceCertCore  `json:"certCore"`
}
