package schema

import (
	"fmt"

	"github.com/jgraettinger/cockroach-encoding/encoding"
)

// Key is the ordered tuple of a row's primary-key column values. Two rows of
// a table are the same row exactly when their Keys are equal.
type Key []interface{}

// InvalidKeyError is returned for keys which don't match the table's declared
// primary key (wrong arity, wrong kind, or missing values).
type InvalidKeyError struct {
	Table  string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid key for table %s: %s", e.Table, e.Reason)
}

// NormalizeKey validates |key| against the table's primary key and returns
// its canonical form.
func (t *Table) NormalizeKey(key Key) (Key, error) {
	if len(key) != len(t.PrimaryKey) {
		return nil, &InvalidKeyError{Table: t.Name,
			Reason: fmt.Sprintf("expected %d values, got %d", len(t.PrimaryKey), len(key))}
	}
	var out = make(Key, len(key))
	for i, name := range t.PrimaryKey {
		if key[i] == nil {
			return nil, &InvalidKeyError{Table: t.Name,
				Reason: fmt.Sprintf("primary key column %s is nil", name)}
		}
		var c, _ = t.Column(name)
		var n, err = c.Validate(key[i])
		if err != nil {
			return nil, &InvalidKeyError{Table: t.Name, Reason: err.Error()}
		}
		out[i] = n
	}
	return out, nil
}

// EncodeKey maps a normalized Key to an order-preserving byte string, prefixed
// by the table name. It's used as the map key of cache entries and preserves
// the tuple ordering of the underlying values.
func (t *Table) EncodeKey(key Key) (string, error) {
	key, err := t.NormalizeKey(key)
	if err != nil {
		return "", err
	}
	var b = encoding.EncodeStringAscending(nil, t.Name)
	for i, name := range t.PrimaryKey {
		var c, _ = t.Column(name)
		switch c.Kind {
		case String, Enum, BigInt:
			b = encoding.EncodeStringAscending(b, key[i].(string))
		case Integer:
			b = encoding.EncodeVarintAscending(b, key[i].(int64))
		case Boolean:
			if key[i].(bool) {
				b = encoding.EncodeVarintAscending(b, 1)
			} else {
				b = encoding.EncodeVarintAscending(b, 0)
			}
		case Bytes:
			b = encoding.EncodeBytesAscending(b, key[i].([]byte))
		default:
			return "", &InvalidKeyError{Table: t.Name,
				Reason: fmt.Sprintf("kind %s of column %s is not encodable", c.Kind, name)}
		}
	}
	return string(b), nil
}

// KeyOf extracts the primary-key tuple of |row|. Every primary-key column
// must be present and non-nil.
func (t *Table) KeyOf(row map[string]interface{}) (Key, error) {
	var key = make(Key, len(t.PrimaryKey))
	for i, name := range t.PrimaryKey {
		var v, ok = row[name]
		if !ok || v == nil {
			return nil, &InvalidKeyError{Table: t.Name,
				Reason: fmt.Sprintf("row has no value for primary key column %s", name)}
		}
		key[i] = v
	}
	return t.NormalizeKey(key)
}
