// Package value implements the schema-flexible JSON value type used for
// plans, step inputs, and event payloads: a tagged union of
// null/bool/number/string/array/object that the core reads selectively and
// otherwise passes through untouched.
package value

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// Value wraps an opaque JSON document. It round-trips through
// encoding/json exactly as received; callers that need a specific field use
// Get, which delegates to gjson's read path instead of fully decoding into a
// typed struct.
type Value struct {
	raw json.RawMessage
}

// Null is the empty/absent value.
var Null = Value{}

// New wraps an already-encoded JSON document.
func New(raw json.RawMessage) Value {
	if len(raw) == 0 {
		return Value{raw: json.RawMessage("null")}
	}
	return Value{raw: append(json.RawMessage(nil), raw...)}
}

// FromAny marshals an arbitrary Go value into a Value.
func FromAny(v interface{}) (Value, error) {
	if v == nil {
		return Value{raw: json.RawMessage("null")}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("value: marshal: %w", err)
	}
	return Value{raw: raw}, nil
}

// IsZero reports whether the value carries no document at all (distinct
// from an explicit JSON null).
func (v Value) IsZero() bool {
	return len(v.raw) == 0
}

// Raw returns the underlying JSON bytes. Callers must not mutate the slice.
func (v Value) Raw() json.RawMessage {
	if v.IsZero() {
		return json.RawMessage("null")
	}
	return v.raw
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	v.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Get reads a field by gjson path (e.g. "_policy.tools_allowed.0"). It
// returns the zero gjson.Result (Exists() == false) when the path is absent
// — the core validates only the fields it reads and leaves the rest alone.
func (v Value) Get(path string) gjson.Result {
	if v.IsZero() {
		return gjson.Result{}
	}
	return gjson.GetBytes(v.raw, path)
}

// Decode unmarshals the value into dst, the same escape hatch a tool
// handler uses when it needs a typed view of its inputs.
func (v Value) Decode(dst interface{}) error {
	if v.IsZero() {
		return nil
	}
	return json.Unmarshal(v.raw, dst)
}

// WithField returns a copy of v with key set to fieldValue, used to embed
// `_policy` into a step's inputs without disturbing the rest of the
// document.
func (v Value) WithField(key string, fieldValue interface{}) (Value, error) {
	base := map[string]json.RawMessage{}
	if !v.IsZero() && len(v.raw) > 0 && string(bytes.TrimSpace(v.raw)) != "null" {
		if err := json.Unmarshal(v.raw, &base); err != nil {
			return Value{}, fmt.Errorf("value: WithField on non-object: %w", err)
		}
	}
	encoded, err := json.Marshal(fieldValue)
	if err != nil {
		return Value{}, err
	}
	base[key] = encoded
	raw, err := json.Marshal(base)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: raw}, nil
}

// Canonical returns a canonical-JSON encoding: object keys sorted
// recursively, no insignificant whitespace. It is the input to the
// idempotency-key hash, so two semantically identical documents with
// differently ordered keys must produce the same bytes.
func (v Value) Canonical() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	var generic interface{}
	if err := json.Unmarshal(v.raw, &generic); err != nil {
		return nil, fmt.Errorf("value: canonicalize: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		encoded, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}

// IdempotencyKey computes `runId:stepName:first-12-hex-of-sha256(canonical(inputs))`
// per the invariant in spec.md section 3.
func IdempotencyKey(runID, stepName string, inputs Value) (string, error) {
	canon, err := inputs.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%s:%s:%s", runID, stepName, hex.EncodeToString(sum[:])[:12]), nil
}
