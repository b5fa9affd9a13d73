// Package fixed renders floating point values in JSON documents with a fixed
// number of decimal digits so dataset files stay stable across runs.
package fixed

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Digits is the number of decimal digits written for every Float.
const Digits = 6

// Float is a float64 that marshals as a fixed-precision JSON number.
// Non-finite values have no JSON form: they are written as null and read
// back as NaN.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'f', Digits, 64), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = Float(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Normalize walks a decoded document (maps, slices and scalars, as produced
// by YAML or JSON decoders) and returns a copy whose float values marshal
// with fixed precision. Integers and json.Number values pass through
// unchanged, so a blob decoded with UseNumber re-encodes byte for byte.
func Normalize(v any) any {
	switch t := v.(type) {
	case float64:
		return Float(t)
	case float32:
		return Float(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = Normalize(x)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			if s, ok := k.(string); ok {
				out[s] = Normalize(x)
			} else {
				b, _ := json.Marshal(k)
				out[string(b)] = Normalize(x)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = Normalize(x)
		}
		return out
	default:
		return v
	}
}
