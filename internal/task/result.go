package task

import (
	"encoding/json"
	"fmt"
	"math"
)

// Largest count that survives a round trip through a JSON number.
const maxExactCount = 1 << 53

// Decoded is the outcome of normalizing a raw backend value.
// Exactly one of Counts or Err is set.
type Decoded struct {
	Counts Counts
	Err    error
}

// DecodeResult normalizes a result delivered either as encoded bytes or as an
// already structured value into Counts.
func DecodeResult(v any) Decoded {
	switch r := v.(type) {
	case []byte:
		return decodeBytes(r)
	case json.RawMessage:
		return decodeBytes(r)
	case string:
		return decodeBytes([]byte(r))
	case Counts:
		return normalizeInts(r)
	case map[string]int:
		return normalizeInts(r)
	case map[string]any:
		return normalizeAny(r)
	default:
		return Decoded{Err: fmt.Errorf("%w: unexpected type %T", ErrResultFormat, v)}
	}
}

func decodeBytes(b []byte) Decoded {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return Decoded{Err: fmt.Errorf("%w: %v", ErrResultFormat, err)}
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return Decoded{Err: fmt.Errorf("%w: expected object, got %T", ErrResultFormat, raw)}
	}
	return normalizeAny(m)
}

func normalizeInts(m map[string]int) Decoded {
	out := make(Counts, len(m))
	for k, v := range m {
		if v < 0 {
			return Decoded{Err: fmt.Errorf("%w: negative count for %q", ErrResultFormat, k)}
		}
		out[k] = v
	}
	return Decoded{Counts: out}
}

func normalizeAny(m map[string]any) Decoded {
	out := make(Counts, len(m))
	for k, v := range m {
		f, ok := v.(float64)
		if !ok {
			if i, isInt := v.(int); isInt {
				f, ok = float64(i), true
			}
		}
		if !ok || f < 0 || f != math.Trunc(f) || f > maxExactCount {
			return Decoded{Err: fmt.Errorf("%w: bad count for %q", ErrResultFormat, k)}
		}
		out[k] = int(f)
	}
	return Decoded{Counts: out}
}

// EncodeResult is the wire form the worker writes to the result backend.
func EncodeResult(c Counts) ([]byte, error) {
	if c == nil {
		c = Counts{}
	}
	return json.Marshal(c)
}
