package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settle/pkg/crypto"
)

func newTestRing(t *testing.T) *crypto.KeyRing {
	t.Helper()
	ring := crypto.NewKeyRing()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ring.AddKey(kp)
	return ring
}

func TestBuildAndVerifyRoundTrip(t *testing.T) {
	ring := newTestRing(t)
	core := map[string]interface{}{
		"eventId": "evt_1",
		"type":    "settlement.released",
		"amount":  float64(1000),
	}

	env, err := Build(core, "eventHash", ring)
	require.NoError(t, err)
	require.Contains(t, env, "eventHash")
	require.Contains(t, env, "signature")

	require.NoError(t, Verify(env, "eventHash", ring))
}

func TestVerifyDetectsMutation(t *testing.T) {
	ring := newTestRing(t)
	core := map[string]interface{}{"amount": float64(500)}

	env, err := Build(core, "eventHash", ring)
	require.NoError(t, err)

	env["amount"] = float64(999)
	err = Verify(env, "eventHash", ring)
	require.Error(t, err)
}

func TestVerifyDetectsSignatureBitFlip(t *testing.T) {
	ring := newTestRing(t)
	core := map[string]interface{}{"amount": float64(1)}

	env, err := Build(core, "eventHash", ring)
	require.NoError(t, err)

	sig := env["signature"].(map[string]interface{})
	b64 := sig["signatureBase64"].(string)
	flipped := []byte(b64)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}
	sig["signatureBase64"] = string(flipped)

	err = Verify(env, "eventHash", ring)
	require.Error(t, err)
}
