package canonicalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// Normalize converts an arbitrary Go value (struct, map, slice, primitive)
// into the restricted value universe this package's encoder accepts: nil,
// bool, json.Number, string, []interface{}, and map[string]interface{}.
//
// It fails closed rather than silently coercing on any of:
//   - NaN or +/-Inf floats                    -> NUMBER_NOT_FINITE
//   - negative zero (-0, -0.0)                -> NEGATIVE_ZERO_DISALLOWED
//   - a value that is not a plain JSON shape
//     (functions, channels, unsupported types) -> NON_PLAIN_OBJECT
//
// path is a JSONPath-ish breadcrumb ("$", "$.payload", "$.items[3]") used to
// make the returned *kernelerr.Error actionable.
func Normalize(v interface{}, path string) (interface{}, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		var uve *json.UnsupportedValueError
		if errors.As(err, &uve) && (uve.Value.Kind() == reflect.Float64 || uve.Value.Kind() == reflect.Float32) {
			return nil, kernelerr.Wrap(kernelerr.CodeNumberNotFinite, fmt.Sprintf("number at %s is not finite: %s", path, uve.Str), err)
		}
		return nil, kernelerr.Wrap(kernelerr.CodeNonPlainObject, fmt.Sprintf("value at %s cannot be represented as JSON", path), err)
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeNonPlainObject, fmt.Sprintf("value at %s failed JSON decode", path), err)
	}

	return walkNormalize(generic, path)
}

func walkNormalize(v interface{}, path string) (interface{}, error) {
	switch t := v.(type) {
	case nil, bool:
		return t, nil
	case string:
		// Two strings that render identically but differ in Unicode
		// normalization form must hash identically: NFC-normalize before any
		// value reaches the hasher, not after.
		return norm.NFC.String(t), nil
	case json.Number:
		if err := checkNumber(t, path); err != nil {
			return nil, err
		}
		return t, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			n, err := walkNormalize(elem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, elem := range t {
			n, err := walkNormalize(elem, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, kernelErrNonPlainObject(path, v)
	}
}

// checkNumber rejects NaN, +/-Inf, and negative zero. json.Number never
// decodes NaN/Inf from valid JSON text, but this guards values constructed
// programmatically (e.g. from a Go float64 via json.Marshal, which renders
// NaN/Inf as invalid JSON and would already fail at Marshal time — this is
// the defense for values built directly as json.Number strings).
func checkNumber(n json.Number, path string) error {
	s := string(n)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return kernelerr.New(kernelerr.CodeNumberNotFinite, fmt.Sprintf("number at %s is not finite: %s", path, s))
		}
		if f == 0 && math.Signbit(f) {
			return kernelerr.New(kernelerr.CodeNegativeZeroDisallowed, fmt.Sprintf("negative zero is not allowed at %s", path))
		}
	}
	if strings.HasPrefix(s, "-0") && !strings.ContainsAny(s, ".eE") {
		rest := s[2:]
		if rest == "" || onlyZeros(rest) {
			return kernelerr.New(kernelerr.CodeNegativeZeroDisallowed, fmt.Sprintf("negative zero is not allowed at %s", path))
		}
	}
	return nil
}

func onlyZeros(s string) bool {
	for _, r := range s {
		if r != '0' {
			return false
		}
	}
	return true
}

// AllowedKeys validates that m contains only keys present in allowed,
// failing closed (SCHEMA_INVALID) on any unrecognized key. This is the
// explicit allowed-keys gate spec components use instead of duck-typed
// payload acceptance: unknown keys are a hard error, never silently dropped.
func AllowedKeys(m map[string]interface{}, allowed map[string]bool, path string) error {
	for k := range m {
		if !allowed[k] {
			return kernelerr.New(kernelerr.CodeSchemaInvalid, fmt.Sprintf("unrecognized field %q at %s", k, path)).
				WithDetails(map[string]interface{}{"field": k, "path": path})
		}
	}
	return nil
}
