package backend

import (
	"encoding/base64"
	"encoding/json"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"go.chainstore.dev/core/schema"
)

// encodePrior serializes a prior row image for the provenance log as
// snappy-compressed JSON. A nil image (OpCreate) encodes as nil.
func encodePrior(prior map[string]interface{}) ([]byte, error) {
	if prior == nil {
		return nil, nil
	}
	var b, err = json.Marshal(prior)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding prior image")
	}
	return snappy.Encode(nil, b), nil
}

// decodePrior inverts encodePrior, normalizing values against the table's
// column kinds (JSON decoding loses them: integers become float64, byte
// sequences become base64 strings).
func decodePrior(table *schema.Table, b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var dec, err = snappy.Decode(nil, b)
	if err != nil {
		return nil, errors.WithMessage(err, "decompressing prior image")
	}
	var raw map[string]interface{}
	if err = json.Unmarshal(dec, &raw); err != nil {
		return nil, errors.WithMessage(err, "decoding prior image")
	}
	for name, v := range raw {
		if c, ok := table.Column(name); ok && v != nil {
			if raw[name], err = fromJSON(c, v); err != nil {
				return nil, err
			}
		}
	}
	return table.Normalize(raw)
}

// encodeKeyJSON serializes a primary-key tuple as a JSON array.
func encodeKeyJSON(key schema.Key) (string, error) {
	var b, err = json.Marshal([]interface{}(key))
	if err != nil {
		return "", errors.WithMessage(err, "encoding key")
	}
	return string(b), nil
}

// decodeKeyJSON inverts encodeKeyJSON against the table's primary key kinds.
func decodeKeyJSON(table *schema.Table, s string) (schema.Key, error) {
	var raw []interface{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, errors.WithMessage(err, "decoding key")
	}
	if len(raw) != len(table.PrimaryKey) {
		return nil, errors.Errorf("decoded key arity %d doesn't match table %s", len(raw), table.Name)
	}
	for i, name := range table.PrimaryKey {
		var c, _ = table.Column(name)
		var v, err = fromJSON(c, raw[i])
		if err != nil {
			return nil, err
		}
		raw[i] = v
	}
	return table.NormalizeKey(schema.Key(raw))
}

// fromJSON undoes JSON-specific value representations ahead of normalization.
func fromJSON(c *schema.Column, v interface{}) (interface{}, error) {
	if s, ok := v.(string); ok && c.Kind == schema.Bytes {
		var b, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding bytes of column %s", c.Name)
		}
		return b, nil
	}
	if l, ok := v.([]interface{}); ok && c.Kind == schema.List && c.Elem == schema.Bytes {
		for i, e := range l {
			if s, ok := e.(string); ok {
				var b, err = base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, errors.WithMessagef(err, "decoding bytes of column %s[%d]", c.Name, i)
				}
				l[i] = b
			}
		}
	}
	return v, nil
}
