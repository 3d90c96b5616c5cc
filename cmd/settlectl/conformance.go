package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nooterra/settle/pkg/canonicalize"
)

// runConformance cross-references a sealed ConformanceRunReport against a
// sealed ConformanceCertBundle per spec §4.8's binding invariant:
// certCore.reportHash must equal the report's own reportHash, certCore.
// reportCore must reproduce the report's reportCore byte-for-byte, and
// certCore.reportSchemaVersion must equal the report's schemaVersion. Any
// broken pairing is reported as an enumerated diagnostic list rather than
// failing on the first mismatch, so an operator sees every problem in one
// pass.
func runConformance(args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(stderr, "usage: settlectl conformance <report.json> <cert.json>")
		return 2
	}
	reportPath, certPath := args[0], args[1]

	report, err := loadSealedJSON(reportPath)
	if err != nil {
		fmt.Fprintf(stderr, "settlectl: %v\n", err)
		return 2
	}
	cert, err := loadSealedJSON(certPath)
	if err != nil {
		fmt.Fprintf(stderr, "settlectl: %v\n", err)
		return 2
	}

	var diagnostics []string

	reportHash, _ := report["reportHash"].(string)
	reportSchemaVersion, _ := report["schemaVersion"].(string)
	reportCore, reportCoreOK := report["reportCore"].(map[string]interface{})
	if reportHash == "" {
		diagnostics = append(diagnostics, "report is missing reportHash")
	}
	if reportSchemaVersion == "" {
		diagnostics = append(diagnostics, "report is missing schemaVersion")
	}
	if !reportCoreOK {
		diagnostics = append(diagnostics, "report is missing reportCore")
	}

	certCore, certCoreOK := cert["certCore"].(map[string]interface{})
	if !certCoreOK {
		diagnostics = append(diagnostics, "cert is missing certCore")
	}

	if len(diagnostics) == 0 {
		certReportHash, _ := certCore["reportHash"].(string)
		if certReportHash == "" {
			diagnostics = append(diagnostics, "certCore is missing reportHash")
		} else if certReportHash != reportHash {
			diagnostics = append(diagnostics, fmt.Sprintf("reportHash mismatch: report=%s certCore=%s", reportHash, certReportHash))
		}

		certReportSchemaVersion, _ := certCore["reportSchemaVersion"].(string)
		if certReportSchemaVersion == "" {
			diagnostics = append(diagnostics, "certCore is missing reportSchemaVersion")
		} else if certReportSchemaVersion != reportSchemaVersion {
			diagnostics = append(diagnostics, fmt.Sprintf("reportSchemaVersion mismatch: report=%q certCore=%q", reportSchemaVersion, certReportSchemaVersion))
		}

		certReportCore, ok := certCore["reportCore"].(map[string]interface{})
		if !ok {
			diagnostics = append(diagnostics, "certCore is missing reportCore")
		} else if matched, mErr := coresMatchByteForByte(reportCore, certReportCore); mErr != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("reportCore comparison failed: %v", mErr))
		} else if !matched {
			diagnostics = append(diagnostics, "certCore.reportCore does not byte-for-byte reproduce the report's reportCore")
		}
	}

	if len(diagnostics) > 0 {
		fmt.Fprintln(stderr, "settlectl: conformance cross-reference failed:")
		for _, d := range diagnostics {
			fmt.Fprintf(stderr, "  - %s\n", d)
		}
		return 1
	}

	fmt.Fprintf(stdout, "OK  schemaVersion=%s reportHash=%s\n", reportSchemaVersion, reportHash)
	return 0
}

// coresMatchByteForByte reports whether a and b canonicalize to the same
// bytes, the byte-for-byte equality spec §4.8 requires between a cert's
// embedded reportCore and the report's own reportCore. Canonical-hash
// equality rather than a field-by-field struct comparison is used
// deliberately: it's the same JCS canonicalization envelope.Build already
// hashes cores with, so "byte-for-byte" means exactly what it signed.
func coresMatchByteForByte(a, b map[string]interface{}) (bool, error) {
	aHash, err := canonicalize.CanonicalHash(a)
	if err != nil {
		return false, err
	}
	bHash, err := canonicalize.CanonicalHash(b)
	if err != nil {
		return false, err
	}
	return aHash == bHash, nil
}

func loadSealedJSON(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%s is not valid JSON: %w", path, err)
	}
	return m, nil
}
