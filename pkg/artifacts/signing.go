package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nooterra/settle/pkg/envelope"
	"github.com/nooterra/settle/pkg/kernelerr"
)

var ErrSignerNotConfigured = errors.New("artifacts: signer not configured (fail-closed)")

// hashFieldByType is the schema-specific hash-field name each artifact type
// seals under (spec §4.3: "the hash-field name is schema-specific"; the wire
// table in spec §6 names receiptHash/verdictHash/payloadHash/packHash/
// transcriptHash/reportHash/certHash). JobProof/MonthProof/FinancePack
// aren't in that table but follow the same <entity>Hash convention.
var hashFieldByType = map[string]string{
	TypeJobProof:              "jobProofHash",
	TypeMonthProof:            "monthProofHash",
	TypeFinancePack:           "financePackHash",
	TypeX402ReceiptRecord:     "receiptHash",
	TypeArbitrationVerdict:    "verdictHash",
	TypeX402ReversalCommand:   "payloadHash",
	TypeSessionReplayPack:     "packHash",
	TypeSessionTranscript:     "transcriptHash",
	TypeConformanceRunReport:  "reportHash",
	TypeConformanceCertBundle: "certHash",
}

// HashFieldFor returns the schema-specific hash-field name artifactType
// seals under, for callers (e.g. settlectl) that need to verify a sealed
// envelope without re-sealing it.
func HashFieldFor(artifactType string) (string, bool) {
	f, ok := hashFieldByType[artifactType]
	return f, ok
}

// Seal wraps an artifact core (one of the types in schema.go) in a signed
// envelope.Build record, stamping its artifact type and production time.
// The returned map is what gets marshaled and handed to Store.
func Seal(artifactType string, core map[string]interface{}, signer envelope.Signer) (map[string]interface{}, error) {
	if signer == nil {
		return nil, ErrSignerNotConfigured
	}
	if core == nil {
		core = map[string]interface{}{}
	}
	core, err := normalizeJSON(core)
	if err != nil {
		return nil, fmt.Errorf("artifacts: core is not JSON-representable: %w", err)
	}
	if err := ValidateCore(artifactType, core); err != nil {
		return nil, err
	}
	hashField, ok := hashFieldByType[artifactType]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeSchemaInvalid, fmt.Sprintf("no hash field registered for artifact type %q", artifactType))
	}
	stamped := make(map[string]interface{}, len(core)+2)
	for k, v := range core {
		stamped[k] = v
	}
	stamped["type"] = artifactType
	stamped["producedAt"] = time.Now().UTC().Format(time.RFC3339)

	env, err := envelope.Build(stamped, hashField, signer)
	if err != nil {
		return nil, fmt.Errorf("artifacts: seal failed: %w", err)
	}
	return env, nil
}

// Marshal canonicalizes a sealed envelope for CAS storage.
func Marshal(env map[string]interface{}) ([]byte, error) {
	return json.Marshal(env)
}

// normalizeJSON round-trips core through encoding/json so every value is one
// of the types the JSON Schema validator and the wire format actually see
// (float64 for numbers, []interface{} for arrays, map[string]interface{}
// for objects) regardless of whether the caller built core with Go-native
// int64/[]string values or JSON-decoded ones.
func normalizeJSON(core map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(core)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
