package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settle/pkg/artifacts"
	"github.com/nooterra/settle/pkg/crypto"
)

func writeJSON(t *testing.T, dir, name string, v interface{}) string {
	t.Helper()
	path := filepath.Join(dir, name)
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestRun_NoArgsIsUsageError(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run(nil, &out, &errOut)
	require.Equal(t, 2, code)
}

func TestRun_UnknownSubcommandIsUsageError(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"bogus"}, &out, &errOut)
	require.Equal(t, 2, code)
}

func TestRunVerify_ValidArtifactSucceeds(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring := crypto.NewKeyRing()
	ring.AddKey(kp)

	sealed, err := artifacts.Seal(artifacts.TypeX402ReceiptRecord, map[string]interface{}{
		"tenantId":    "tenant-1",
		"gateId":      "gate-1",
		"runId":       "run-1",
		"status":      "released",
		"amountCents": float64(500),
		"currency":    "usd",
	}, ring)
	require.NoError(t, err)

	dir := t.TempDir()
	path := writeJSON(t, dir, "receipt.json", sealed)

	var out, errOut bytes.Buffer
	code := Run([]string{"verify", path, kp.PublicKeyHex()}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
}

func TestRunVerify_TamperedArtifactFails(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring := crypto.NewKeyRing()
	ring.AddKey(kp)

	sealed, err := artifacts.Seal(artifacts.TypeX402ReceiptRecord, map[string]interface{}{
		"tenantId":    "tenant-1",
		"gateId":      "gate-1",
		"runId":       "run-1",
		"status":      "released",
		"amountCents": float64(500),
		"currency":    "usd",
	}, ring)
	require.NoError(t, err)
	sealed["amountCents"] = float64(999999)

	dir := t.TempDir()
	path := writeJSON(t, dir, "receipt.json", sealed)

	var out, errOut bytes.Buffer
	code := Run([]string{"verify", path, kp.PublicKeyHex()}, &out, &errOut)
	require.Equal(t, 1, code)
}

func TestRunVerify_WrongArgCountIsUsageError(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"verify", "only-one-arg"}, &out, &errOut)
	require.Equal(t, 2, code)
}

func conformanceReportCore() map[string]interface{} {
	return map[string]interface{}{
		"pack":               "x402-core",
		"casesSchemaVersion": "1",
		"summary": map[string]interface{}{
			"total":         float64(1),
			"passed":        float64(1),
			"failed":        float64(0),
			"deterministic": true,
		},
		"results": []interface{}{
			map[string]interface{}{
				"caseId":       "vector-1",
				"invariantIds": []interface{}{"I-GATE-01"},
				"passed":       true,
			},
		},
	}
}

func TestRunConformance_MatchingPairSucceeds(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring := crypto.NewKeyRing()
	ring.AddKey(kp)

	reportCore := conformanceReportCore()
	report, err := artifacts.Seal(artifacts.TypeConformanceRunReport, map[string]interface{}{
		"schemaVersion": "1",
		"generatedAt":   "2026-01-01T00:00:00Z",
		"reportCore":    reportCore,
	}, ring)
	require.NoError(t, err)
	reportHash := report["reportHash"].(string)

	cert, err := artifacts.Seal(artifacts.TypeConformanceCertBundle, map[string]interface{}{
		"schemaVersion": "1",
		"generatedAt":   "2026-01-01T00:00:01Z",
		"certCore": map[string]interface{}{
			"reportSchemaVersion": "1",
			"reportHash":          reportHash,
			"reportCore":          reportCore,
		},
	}, ring)
	require.NoError(t, err)

	dir := t.TempDir()
	reportPath := writeJSON(t, dir, "report.json", report)
	certPath := writeJSON(t, dir, "cert.json", cert)

	var out, errOut bytes.Buffer
	code := Run([]string{"conformance", reportPath, certPath}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
}

func TestRunConformance_HashMismatchFails(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring := crypto.NewKeyRing()
	ring.AddKey(kp)

	reportCore := conformanceReportCore()
	report, err := artifacts.Seal(artifacts.TypeConformanceRunReport, map[string]interface{}{
		"schemaVersion": "1",
		"generatedAt":   "2026-01-01T00:00:00Z",
		"reportCore":    reportCore,
	}, ring)
	require.NoError(t, err)

	cert, err := artifacts.Seal(artifacts.TypeConformanceCertBundle, map[string]interface{}{
		"schemaVersion": "1",
		"generatedAt":   "2026-01-01T00:00:01Z",
		"certCore": map[string]interface{}{
			"reportSchemaVersion": "1",
			"reportHash":          "not-the-real-hash",
			"reportCore":          reportCore,
		},
	}, ring)
	require.NoError(t, err)

	dir := t.TempDir()
	reportPath := writeJSON(t, dir, "report.json", report)
	certPath := writeJSON(t, dir, "cert.json", cert)

	var out, errOut bytes.Buffer
	code := Run([]string{"conformance", reportPath, certPath}, &out, &errOut)
	require.Equal(t, 1, code)
	require.Contains(t, errOut.String(), "reportHash mismatch")
}

func TestRunConformance_CoreTamperFails(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring := crypto.NewKeyRing()
	ring.AddKey(kp)

	reportCore := conformanceReportCore()
	report, err := artifacts.Seal(artifacts.TypeConformanceRunReport, map[string]interface{}{
		"schemaVersion": "1",
		"generatedAt":   "2026-01-01T00:00:00Z",
		"reportCore":    reportCore,
	}, ring)
	require.NoError(t, err)
	reportHash := report["reportHash"].(string)

	tamperedCore := conformanceReportCore()
	tamperedCore["summary"].(map[string]interface{})["passed"] = float64(0)
	tamperedCore["summary"].(map[string]interface{})["failed"] = float64(1)

	cert, err := artifacts.Seal(artifacts.TypeConformanceCertBundle, map[string]interface{}{
		"schemaVersion": "1",
		"generatedAt":   "2026-01-01T00:00:01Z",
		"certCore": map[string]interface{}{
			"reportSchemaVersion": "1",
			"reportHash":          reportHash,
			"reportCore":          tamperedCore,
		},
	}, ring)
	require.NoError(t, err)

	dir := t.TempDir()
	reportPath := writeJSON(t, dir, "report.json", report)
	certPath := writeJSON(t, dir, "cert.json", cert)

	var out, errOut bytes.Buffer
	code := Run([]string{"conformance", reportPath, certPath}, &out, &errOut)
	require.Equal(t, 1, code)
	require.Contains(t, errOut.String(), "does not byte-for-byte reproduce")
}

func TestRunExport_WritesNewlineDelimitedJSON(t *testing.T) {
	dir := t.TempDir()
	eventsPath := writeJSON(t, dir, "events.json", []map[string]interface{}{
		{"eventType": "gate.created", "gateId": "gate-1"},
		{"eventType": "gate.released", "gateId": "gate-1"},
	})
	outPath := filepath.Join(dir, "out.ndjson")

	var out, errOut bytes.Buffer
	code := Run([]string{"export", eventsPath, outPath}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	require.Len(t, lines, 2)
	require.Contains(t, string(lines[0]), `"eventType":"gate.created"`)
}

func TestRunExport_NonArrayInputIsUsageError(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "events.json", map[string]interface{}{"not": "an array"})

	var out, errOut bytes.Buffer
	code := Run([]string{"export", path}, &out, &errOut)
	require.Equal(t, 2, code)
}
