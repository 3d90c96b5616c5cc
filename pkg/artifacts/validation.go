package artifacts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// coreSchemas holds the JSON Schema (2020-12) text for every artifact type
// defined in schema.go. An artifact core is validated against its schema
// before Seal signs it: a malformed core must never reach a signature.
var coreSchemas = map[string]string{
	TypeJobProof: `{
		"type": "object",
		"required": ["tenantId", "runId", "gateIds", "chainHeadHash", "eventCount"],
		"properties": {
			"tenantId": {"type": "string", "minLength": 1},
			"runId": {"type": "string", "minLength": 1},
			"gateIds": {"type": "array", "items": {"type": "string"}},
			"chainHeadHash": {"type": "string", "minLength": 1},
			"eventCount": {"type": "integer", "minimum": 0}
		}
	}`,
	TypeMonthProof: `{
		"type": "object",
		"required": ["tenantId", "month", "jobProofHashes", "totalCents", "currency"],
		"properties": {
			"tenantId": {"type": "string", "minLength": 1},
			"month": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}$"},
			"jobProofHashes": {"type": "array", "items": {"type": "string"}},
			"totalCents": {"type": "integer"},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3}
		}
	}`,
	TypeFinancePack: `{
		"type": "object",
		"required": ["tenantId", "monthProofHash", "dailyUsedCents", "monthlyUsedCents"],
		"properties": {
			"tenantId": {"type": "string", "minLength": 1},
			"monthProofHash": {"type": "string", "minLength": 1},
			"dailyUsedCents": {"type": "integer"},
			"monthlyUsedCents": {"type": "integer"}
		}
	}`,
	TypeX402ReceiptRecord: `{
		"type": "object",
		"required": ["tenantId", "gateId", "runId", "status", "amountCents", "currency"],
		"properties": {
			"tenantId": {"type": "string", "minLength": 1},
			"gateId": {"type": "string", "minLength": 1},
			"runId": {"type": "string", "minLength": 1},
			"status": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 0},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3}
		}
	}`,
	TypeArbitrationVerdict: `{
		"type": "object",
		"required": ["tenantId", "gateId", "disputeId", "outcome"],
		"properties": {
			"tenantId": {"type": "string", "minLength": 1},
			"gateId": {"type": "string", "minLength": 1},
			"disputeId": {"type": "string", "minLength": 1},
			"outcome": {"type": "string", "minLength": 1},
			"rationale": {"type": "string"}
		}
	}`,
	TypeX402ReversalCommand: `{
		"type": "object",
		"required": ["tenantId", "gateId", "commandId", "action", "outcome"],
		"properties": {
			"tenantId": {"type": "string", "minLength": 1},
			"gateId": {"type": "string", "minLength": 1},
			"commandId": {"type": "string", "minLength": 1},
			"action": {"type": "string", "minLength": 1},
			"payloadHash": {"type": "string"},
			"outcome": {"type": "string", "minLength": 1}
		}
	}`,
	TypeSessionReplayPack: `{
		"type": "object",
		"required": ["tenantId", "runId", "eventIds"],
		"properties": {
			"tenantId": {"type": "string", "minLength": 1},
			"runId": {"type": "string", "minLength": 1},
			"eventIds": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	TypeSessionTranscript: `{
		"type": "object",
		"required": ["tenantId", "runId", "lines"],
		"properties": {
			"tenantId": {"type": "string", "minLength": 1},
			"runId": {"type": "string", "minLength": 1},
			"lines": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	TypeConformanceRunReport: `{
		"type": "object",
		"required": ["schemaVersion", "generatedAt", "reportCore"],
		"properties": {
			"schemaVersion": {"type": "string", "minLength": 1},
			"generatedAt": {"type": "string", "minLength": 1},
			"reportCore": {
				"type": "object",
				"required": ["pack", "casesSchemaVersion", "summary", "results"],
				"properties": {
					"pack": {"type": "string", "minLength": 1},
					"casesSchemaVersion": {"type": "string", "minLength": 1},
					"summary": {
						"type": "object",
						"required": ["total", "passed", "failed", "deterministic"],
						"properties": {
							"total": {"type": "integer", "minimum": 0},
							"passed": {"type": "integer", "minimum": 0},
							"failed": {"type": "integer", "minimum": 0},
							"deterministic": {"type": "boolean"}
						}
					},
					"results": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["caseId", "invariantIds", "passed"],
							"properties": {
								"caseId": {"type": "string", "minLength": 1},
								"invariantIds": {"type": "array", "items": {"type": "string"}},
								"passed": {"type": "boolean"}
							}
						}
					}
				}
			}
		}
	}`,
	TypeConformanceCertBundle: `{
		"type": "object",
		"required": ["schemaVersion", "generatedAt", "certCore"],
		"properties": {
			"schemaVersion": {"type": "string", "minLength": 1},
			"generatedAt": {"type": "string", "minLength": 1},
			"certCore": {
				"type": "object",
				"required": ["reportSchemaVersion", "reportHash", "reportCore"],
				"properties": {
					"reportSchemaVersion": {"type": "string", "minLength": 1},
					"reportHash": {"type": "string", "minLength": 1},
					"reportCore": {"type": "object"}
				}
			}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compileCoreSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		for artifactType, schemaText := range coreSchemas {
			url := "settle://artifacts/" + strings.ReplaceAll(artifactType, "/", "-") + ".schema.json"
			if err := c.AddResource(url, strings.NewReader(schemaText)); err != nil {
				compileErr = fmt.Errorf("artifacts: failed to load schema for %s: %w", artifactType, err)
				return
			}
		}
		out := make(map[string]*jsonschema.Schema, len(coreSchemas))
		for artifactType := range coreSchemas {
			url := "settle://artifacts/" + strings.ReplaceAll(artifactType, "/", "-") + ".schema.json"
			schema, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("artifacts: failed to compile schema for %s: %w", artifactType, err)
				return
			}
			out[artifactType] = schema
		}
		compiled = out
	})
	return compiled, compileErr
}

// ValidateCore checks core against artifactType's JSON Schema. Seal calls
// this before signing: an artifact core that doesn't match its own schema
// must never reach a signature. A type with no registered schema is
// rejected, not silently passed.
func ValidateCore(artifactType string, core map[string]interface{}) error {
	schemas, err := compileCoreSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[artifactType]
	if !ok {
		return kernelerr.New(kernelerr.CodeSchemaInvalid, fmt.Sprintf("no schema registered for artifact type %q", artifactType))
	}
	if err := schema.Validate(core); err != nil {
		return kernelerr.Wrap(kernelerr.CodeSchemaInvalid, fmt.Sprintf("artifact core failed schema validation for %q", artifactType), err)
	}
	return nil
}
