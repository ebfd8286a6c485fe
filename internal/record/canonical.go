package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces a deterministic JSON encoding of a change
// payload value, used only for checksum computation. Properties:
//
//  1. Object keys are sorted bytewise.
//  2. Strings are NFC normalized at the serialization boundary.
//  3. No HTML escaping (< > & are emitted verbatim).
//  4. Numbers must be integers carried as json.Number, int64 or int;
//     floats are rejected because their textual form is not stable
//     across encoders.
//  5. Null is rejected; absent fields are simply omitted upstream.
//
// Wire serialization of records does NOT use this encoding; it exists so
// that two nodes computing a checksum over the same logical payload
// always produce the same bytes.
func MarshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not canonical")
	case string:
		return canonicalString(val)
	case json.Number:
		if _, err := val.Int64(); err != nil {
			return nil, fmt.Errorf("non-integer number %q is not canonical", val)
		}
		return []byte(val.String()), nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case float64, float32:
		return nil, fmt.Errorf("floats are not canonical: %v (decode with json.Number)", val)
	case []any:
		return canonicalArray(val)
	case map[string]any:
		return canonicalObject(val)
	default:
		return nil, fmt.Errorf("unsupported canonical type %T", v)
	}
}

// canonicalString encodes s with NFC normalization and HTML escaping
// disabled.
func canonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder appends a newline.
	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

func canonicalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := MarshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func canonicalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := canonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
