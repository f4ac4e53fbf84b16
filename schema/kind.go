package schema

import (
	"encoding/json"
	"math"
	"math/big"

	"github.com/pkg/errors"
)

// Kind enumerates the closed set of column value representations. Arbitrary
// source types are resolved into a Kind once, at schema registration, and all
// later validation and serialization dispatches on it.
type Kind int

const (
	// String is an arbitrary unicode string.
	String Kind = iota + 1
	// Integer is a signed 64-bit integer.
	Integer
	// BigInt is an arbitrary-precision integer, normalized to its canonical
	// base-10 string.
	BigInt
	// Float is a 64-bit floating point number.
	Float
	// Boolean is a true/false value.
	Boolean
	// Bytes is an opaque byte sequence.
	Bytes
	// JSON is an arbitrary JSON document, normalized to its encoded form.
	JSON
	// Enum is a string drawn from a fixed set declared by the column.
	Enum
	// List is an ordered sequence of values of a single element Kind.
	List
)

var kindNames = map[Kind]string{
	String:  "string",
	Integer: "int",
	BigInt:  "bigint",
	Float:   "float",
	Boolean: "boolean",
	Bytes:   "bytes",
	JSON:    "json",
	Enum:    "enum",
	List:    "list",
}

// String returns the lowercase name of the Kind, as used in schema documents.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "invalid"
}

// ParseKind maps a schema document type name to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown column kind %q", s)
}

// keyable returns whether values of the Kind have a defined ordering and may
// participate in a primary key.
func (k Kind) keyable() bool {
	switch k {
	case String, Integer, BigInt, Boolean, Bytes, Enum:
		return true
	default:
		return false
	}
}

// normalize type-checks |v| against the Kind and returns its canonical
// representation. A nil value passes through unchanged (nullability is
// enforced separately, by the column).
func (k Kind) normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch k {
	case String, Enum:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Integer:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint64:
			if n <= math.MaxInt64 {
				return int64(n), nil
			}
		case float64:
			// JSON numbers decode as float64.
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		}
	case BigInt:
		switch n := v.(type) {
		case string:
			if b, ok := new(big.Int).SetString(n, 10); ok {
				return b.String(), nil
			}
		case int:
			return big.NewInt(int64(n)).String(), nil
		case int64:
			return big.NewInt(n).String(), nil
		case float64:
			if n == float64(int64(n)) {
				return big.NewInt(int64(n)).String(), nil
			}
		case *big.Int:
			return n.String(), nil
		case json.Number:
			if b, ok := new(big.Int).SetString(n.String(), 10); ok {
				return b.String(), nil
			}
		}
	case Float:
		switch n := v.(type) {
		case float32:
			return float64(n), nil
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, nil
			}
		}
	case Boolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case Bytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	case JSON:
		switch j := v.(type) {
		case json.RawMessage:
			return j, nil
		case []byte:
			return json.RawMessage(j), nil
		default:
			if b, err := json.Marshal(v); err == nil {
				return json.RawMessage(b), nil
			}
		}
	}
	return nil, errors.Errorf("value %v (%T) is not a valid %s", v, v, k)
}
