package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nooterra/settle/pkg/artifacts"
	"github.com/nooterra/settle/pkg/crypto"
	"github.com/nooterra/settle/pkg/envelope"
)

// staticVerifier resolves every keyId to the same single public key: the
// one the operator handed the CLI on the command line. It fails closed on
// any keyId it wasn't told about rather than silently accepting one.
type staticVerifier struct {
	keyID        string
	publicKeyHex string
}

func (v staticVerifier) VerifyDigestHex(keyID, digestHex, signatureHex string) (bool, error) {
	if keyID != v.keyID {
		return false, fmt.Errorf("settlectl: envelope signed by keyId %q, expected %q", keyID, v.keyID)
	}
	return crypto.VerifyHashHex(v.publicKeyHex, digestHex, signatureHex)
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(stderr, "usage: settlectl verify <artifact.json> <pubkey-hex>")
		return 2
	}
	artifactPath, pubKeyHex := args[0], args[1]

	raw, err := os.ReadFile(artifactPath)
	if err != nil {
		fmt.Fprintf(stderr, "settlectl: cannot read %s: %v\n", artifactPath, err)
		return 2
	}

	var sealed map[string]interface{}
	if err := json.Unmarshal(raw, &sealed); err != nil {
		fmt.Fprintf(stderr, "settlectl: %s is not valid JSON: %v\n", artifactPath, err)
		return 2
	}

	sig, ok := sealed["signature"].(map[string]interface{})
	if !ok {
		fmt.Fprintln(stderr, "settlectl: artifact has no signature block")
		return 1
	}
	keyID, _ := sig["keyId"].(string)
	if keyID == "" {
		fmt.Fprintln(stderr, "settlectl: artifact signature block has no keyId")
		return 1
	}

	artifactType, _ := sealed["type"].(string)
	hashField, ok := artifacts.HashFieldFor(artifactType)
	if !ok {
		fmt.Fprintf(stderr, "settlectl: no hash field registered for artifact type %q\n", artifactType)
		return 1
	}

	verifier := staticVerifier{keyID: keyID, publicKeyHex: pubKeyHex}
	if err := envelope.Verify(sealed, hashField, verifier); err != nil {
		fmt.Fprintf(stderr, "settlectl: artifact failed verification: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK  type=%s keyId=%s\n", artifactType, keyID)
	return 0
}
