// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic hashing of settlement kernel
// records. Every hash chain, signature, and idempotency comparison in this
// codebase is built on the byte-stability this package guarantees.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
//  1. Object keys are sorted by UTF-16 code unit order (RFC 8785 §3.2.3) —
//     not raw UTF-8 byte order, which disagrees with it for non-BMP runes.
//  2. HTML escaping is disabled.
//  3. NaN, +/-Inf, and negative zero are rejected rather than silently
//     coerced (see Normalize).
func JCS(v interface{}) ([]byte, error) {
	normalized, err := Normalize(v, "$")
	if err != nil {
		return nil, err
	}
	return marshalRecursive(normalized)
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalRecursive(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		return marshalString(t)
	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		return marshalObject(t)
	default:
		return nil, fmt.Errorf("canonicalize: unexpected normalized type %T", v)
	}
}

func marshalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("canonicalize: string encode failed: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func marshalObject(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalString(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		vb, err := marshalRecursive(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// lessUTF16 orders two strings by UTF-16 code unit value, per RFC 8785
// §3.2.3. This differs from raw UTF-8 byte order only for characters outside
// the Basic Multilingual Plane.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// kernelErrNonPlainObject builds a NON_PLAIN_OBJECT error with a json path.
func kernelErrNonPlainObject(path string, got interface{}) error {
	return kernelerr.New(kernelerr.CodeNonPlainObject, fmt.Sprintf("value at %s is not a plain JSON value: %T", path, got))
}
