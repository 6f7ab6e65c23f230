// Package canonical implements the deterministic JSON encoding used for
// every hash computation in the audit core: object keys sorted, no
// insignificant whitespace, shortest stable float representation, UTF-8.
//
// Two values that are equal after a JSON round-trip always canonicalize to
// the same bytes, so hashes computed here are stable across process
// restarts and across export repetitions.
package canonical

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Version identifies the canonicalisation rules. Recorded on every run so
// an export consumer knows which encoding produced the hashes it is
// checking. Bump only when the byte-level encoding changes.
const Version = "sha256-canonical-json/1"

// MarshalJSON encodes v as canonical JSON. v is first normalized through
// encoding/json semantics (structs become objects, numbers become float64
// unless already integral), then re-emitted with sorted keys.
//
// Non-finite floats (NaN, ±Inf) are rejected: they have no JSON form and
// must never reach an audit hash. Callers holding Tier-3 external data use
// MarshalQuarantined instead.
func MarshalJSON(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, norm, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalQuarantined is the lenient encoder for quarantined external data:
// non-finite floats are replaced with tagged strings ("__nonfinite__:NaN")
// so that malformed input can still be hashed and recorded instead of
// crashing the recorder.
func MarshalQuarantined(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, norm, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex-encoded SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := MarshalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashQuarantined hashes with the lenient encoder. Used only for rows
// quarantined at ingestion.
func HashQuarantined(v any) (string, error) {
	b, err := MarshalQuarantined(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex-encoded SHA-256 of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Sign returns the hex-encoded HMAC-SHA256 of the canonical encoding of v.
func Sign(key []byte, v any) (string, error) {
	b, err := MarshalJSON(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// ErrorHash is the truncated error-hash form recorded with failed token
// outcomes: first 16 hex chars of SHA-256 of the message.
func ErrorHash(msg string) string {
	sum := sha256.Sum256([]byte(msg))
	return hex.EncodeToString(sum[:])[:16]
}

// normalize converts v into the canonical value domain:
// nil, bool, string, float64, int64, map[string]any, []any.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, float64, int, int64, json.Number:
		return x, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		// Everything else (structs, typed maps/slices, other numerics)
		// goes through encoding/json once.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonical: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var out any
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("canonical: %w", err)
		}
		return out, nil
	}
}

func encode(buf *bytes.Buffer, v any, lenient bool) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, x)
	case json.Number:
		buf.WriteString(x.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case float64:
		return encodeFloat(buf, x, lenient)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, x[k], lenient); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, elem := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem, lenient); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func encodeFloat(buf *bytes.Buffer, f float64, lenient bool) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		if !lenient {
			return fmt.Errorf("canonical: non-finite float %v", f)
		}
		tag := "NaN"
		if math.IsInf(f, 1) {
			tag = "Infinity"
		} else if math.IsInf(f, -1) {
			tag = "-Infinity"
		}
		return encodeString(buf, "__nonfinite__:"+tag)
	}
	// Integral floats emit without exponent or trailing ".0" so that a
	// value surviving a JSON round-trip hashes identically to the int it
	// started as.
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
