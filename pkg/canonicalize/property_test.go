//go:build property
// +build property

package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nooterra/settle/pkg/canonicalize"
)

// TestCanonicalHashDeterministic verifies spec §8's canonical-JSON property:
// CanonicalHash(obj) == CanonicalHash(obj) for any object, regardless of key
// insertion order (gen.MapOf iterates map construction non-deterministically).
func TestCanonicalHashDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("CanonicalHash is stable across re-derivation", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			if len(obj) == 0 {
				return true
			}

			h1, err1 := canonicalize.CanonicalHash(obj)
			h2, err2 := canonicalize.CanonicalHash(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCanonicalHashKeyOrderInvariant verifies two maps built with the same
// entries in a different insertion order hash identically (JCS sorts keys).
func TestCanonicalHashKeyOrderInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("key insertion order does not affect the hash", prop.ForAll(
		func(a, b, c string) bool {
			forward := map[string]interface{}{"a": a, "b": b, "c": c}
			reverse := map[string]interface{}{"c": c, "b": b, "a": a}

			h1, err1 := canonicalize.CanonicalHash(forward)
			h2, err2 := canonicalize.CanonicalHash(reverse)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
