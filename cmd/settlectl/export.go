package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nooterra/settle/pkg/canonicalize"
)

// runExport reads a JSON array of records (typically ledger events or
// receipts dumped from the kernel) and writes them out as
// newline-delimited canonical JSON, matching spec §6's
// `GET /x402/receipts/export` shape so an operator can diff two exports
// byte-for-byte.
func runExport(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(stderr, "usage: settlectl export <events.json> [out.ndjson]")
		return 2
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "settlectl: cannot read %s: %v\n", args[0], err)
		return 2
	}

	var records []interface{}
	if err := json.Unmarshal(raw, &records); err != nil {
		fmt.Fprintf(stderr, "settlectl: %s is not a JSON array: %v\n", args[0], err)
		return 2
	}

	out := stdout
	if len(args) == 2 {
		f, err := os.Create(args[1])
		if err != nil {
			fmt.Fprintf(stderr, "settlectl: cannot create %s: %v\n", args[1], err)
			return 2
		}
		defer f.Close()
		out = f
	}

	for i, rec := range records {
		line, err := canonicalize.JCS(rec)
		if err != nil {
			fmt.Fprintf(stderr, "settlectl: record %d failed canonicalization: %v\n", i, err)
			return 1
		}
		if _, err := out.Write(append(line, '\n')); err != nil {
			fmt.Fprintf(stderr, "settlectl: write failed: %v\n", err)
			return 1
		}
	}

	return 0
}
