//go:build property
// +build property

package ledger

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestAppendedChainAlwaysVerifies checks spec §8's chain-hash-linkage
// property: any sequence of Appends to a single run, each using the
// previous Head as its expectedPrevChainHash, produces a chain VerifyChain
// accepts — regardless of event type/payload content.
func TestAppendedChainAlwaysVerifies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("appending events in order always yields a verifiable chain", prop.ForAll(
		func(eventTypes []string) bool {
			l := New()
			ctx := context.Background()
			const tenantID, runID = "tenant-prop", "run-prop"

			for _, et := range eventTypes {
				if et == "" {
					et = "noop"
				}
				prev := l.Head(tenantID, runID)
				if _, err := l.Append(ctx, tenantID, runID, et, map[string]interface{}{"note": et}, prev); err != nil {
					return false
				}
			}

			valid, _, _ := VerifyChain(l.Events(tenantID, runID))
			return valid
		},
		gen.SliceOfN(10, gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestIdempotentReplayIsByteForByte checks spec §8's idempotency-replay
// property: reserving the same (tenantId, idempotencyKey, bodyHash) twice
// after a Store always replays the identical response.
func TestIdempotentReplayIsByteForByte(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("replaying a stored idempotent response is byte-for-byte stable", prop.ForAll(
		func(tenantID, key, bodyHash, note string) bool {
			if tenantID == "" {
				tenantID = "t"
			}
			store := NewMemIdempotencyStore()
			want := IdempotentResponse{StatusCode: 200, Body: map[string]interface{}{"note": note}, BodyHash: bodyHash}
			if err := store.Store(tenantID, key, bodyHash, want); err != nil {
				return false
			}

			got1, found1, err1 := store.Reserve(tenantID, key, bodyHash)
			got2, found2, err2 := store.Reserve(tenantID, key, bodyHash)
			if err1 != nil || err2 != nil || !found1 || !found2 {
				return false
			}
			return got1.StatusCode == got2.StatusCode && got1.Body["note"] == got2.Body["note"]
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
