package artifacts

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settle/pkg/kernelerr"
)

func TestValidateCoreRejectsMissingRequiredField(t *testing.T) {
	err := ValidateCore(TypeJobProof, map[string]interface{}{
		"tenantId": "tenant-1",
		// runId, gateIds, chainHeadHash, eventCount all missing.
	})
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeSchemaInvalid, kernelerr.CodeOf(err))
}

func TestValidateCoreAcceptsWellFormedCore(t *testing.T) {
	err := ValidateCore(TypeJobProof, map[string]interface{}{
		"tenantId":      "tenant-1",
		"runId":         "run-1",
		"gateIds":       []interface{}{"gate-1"},
		"chainHeadHash": "deadbeef",
		"eventCount":    float64(3),
	})
	require.NoError(t, err)
}

func TestValidateCoreRejectsUnknownArtifactType(t *testing.T) {
	err := ValidateCore("kernel/not-a-real-type.v1", map[string]interface{}{})
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeSchemaInvalid, kernelerr.CodeOf(err))
}

func TestSealValidatesCoreBeforeSigning(t *testing.T) {
	ring := newTestRing(t)
	_, err := Seal(TypeJobProof, map[string]interface{}{"tenantId": "tenant-1"}, ring)
	require.Error(t, err)
	require.Equal(t, kernelerr.CodeSchemaInvalid, kernelerr.CodeOf(err))
}
