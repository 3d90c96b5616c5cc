// Package artifacts implements the settlement kernel's durable output
// records (C8): signed JobProof/MonthProof/FinancePack/X402ReceiptRecord/
// ArbitrationVerdict/X402ReversalCommand/SessionReplayPack/
// SessionTranscript/ConformanceRunReport/ConformanceCertBundle envelopes,
// content-addressed in a filesystem, S3, or GCS-backed Store.
//
// Seal wraps a typed core (schema.go) as an envelope.Build record; Registry
// persists and verifies the result against the configured Store.
package artifacts
