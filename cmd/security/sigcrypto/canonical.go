package sigcrypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

const maxBodyDepth = 64

// canonicalEncMode produces DAG-CBOR compatible output: map keys sorted
// length-first, definite lengths, floats always encoded as 64-bit.
var canonicalEncMode = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{
		Sort:          cbor.SortLengthFirst,
		ShortestFloat: cbor.ShortestFloatNone,
		NaNConvert:    cbor.NaNConvertNone,
		InfConvert:    cbor.InfConvertNone,
		IndefLength:   cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("sigcrypto: canonical cbor mode: %v", err))
	}
	return em
}

// CanonicalEncode returns the canonical CBOR encoding of body.
//
// body may be a decoded JSON value (map[string]any, []any, json.Number, ...),
// raw JSON (json.RawMessage or []byte), or any JSON-marshalable Go value.
// Numbers are normalized so that 1, 1.0 and 1e0 encode identically.
func CanonicalEncode(body any) ([]byte, error) {
	v, err := normalize(body, 0)
	if err != nil {
		return nil, err
	}
	return canonicalEncMode.Marshal(v)
}

// DecodeBody parses a single JSON value with numbers preserved as json.Number.
func DecodeBody(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrUnsupportedValue, err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrUnsupportedValue)
	}
	return v, nil
}

func normalize(v any, depth int) (any, error) {
	if depth > maxBodyDepth {
		return nil, ErrBodyTooDeep
	}

	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case json.Number:
		return normalizeNumber(t.String())
	case float64:
		return normalizeFloat(t)
	case float32:
		return normalizeFloat(float64(t))
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return normalizeUint(uint64(t)), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return normalizeUint(t), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalize(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case json.RawMessage:
		return decodeAndNormalize(t, depth)
	case []byte:
		return decodeAndNormalize(t, depth)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
		}
		return decodeAndNormalize(b, depth)
	}
}

func decodeAndNormalize(raw []byte, depth int) (any, error) {
	v, err := DecodeBody(raw)
	if err != nil {
		return nil, err
	}
	return normalize(v, depth)
}

// maxUint64Float is 2^64, the first float64 above the uint64 range.
const maxUint64Float = float64(1 << 64)

func normalizeNumber(s string) (any, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: number %q", ErrUnsupportedValue, s)
	}
	// Exponent and fraction spellings of a 64-bit integer resolve exactly, so
	// 9223372036854775807.0 does not round to 2^63 on the way through float64.
	if math.Abs(f) <= maxUint64Float {
		if x, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven); err == nil && x.IsInt() {
			if n, acc := x.Int64(); acc == big.Exact {
				return n, nil
			}
			if n, acc := x.Uint64(); acc == big.Exact {
				return n, nil
			}
		}
	}
	return normalizeFloat(f)
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ErrNonFiniteNumber
	}
	// Integral values in the int64 or uint64 range encode as CBOR integers.
	if f == math.Trunc(f) {
		switch {
		case f >= math.MinInt64 && f < math.MaxInt64:
			return int64(f), nil
		case f >= 0 && f < maxUint64Float:
			return uint64(f), nil
		}
	}
	return f, nil
}

func normalizeUint(n uint64) any {
	if n <= math.MaxInt64 {
		return int64(n)
	}
	return n
}
