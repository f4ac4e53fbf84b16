package schema

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v2"
)

// yamlSchema is the document layout of a schema definition file:
//
//	tables:
//	  - name: accounts
//	    columns:
//	      - {name: id, kind: string}
//	      - {name: balance, kind: bigint, notNull: true, default: "0"}
//	      - {name: kind, kind: enum, values: [external, contract]}
//	      - {name: tags, kind: list, elem: string}
//	    primaryKey: [id]
//	  - name: transfers
//	    columns:
//	      - {name: id, kind: string, default: uuid}
//	      - {name: from, kind: string, notNull: true}
//	    primaryKey: [id]
//	    references:
//	      - {column: from, table: accounts}
type yamlSchema struct {
	Tables []yamlTable `yaml:"tables"`
}

type yamlTable struct {
	Name       string          `yaml:"name"`
	Columns    []yamlColumn    `yaml:"columns"`
	PrimaryKey []string        `yaml:"primaryKey"`
	References []yamlReference `yaml:"references"`
}

type yamlColumn struct {
	Name    string      `yaml:"name"`
	Kind    string      `yaml:"kind"`
	Elem    string      `yaml:"elem"`
	NotNull bool        `yaml:"notNull"`
	Values  []string    `yaml:"values"`
	Default interface{} `yaml:"default"`
}

type yamlReference struct {
	Column string `yaml:"column"`
	Table  string `yaml:"table"`
}

// Load reads and parses a YAML schema definition from |path| of |fs|.
func Load(fs afero.Fs, path string) (*Schema, error) {
	var b, err = afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading schema %s", path)
	}
	return Parse(b)
}

// Parse parses a YAML schema definition document.
func Parse(b []byte) (*Schema, error) {
	var doc yamlSchema
	if err := yaml.UnmarshalStrict(b, &doc); err != nil {
		return nil, errors.WithMessage(err, "parsing schema document")
	}

	var tables []*Table
	for _, yt := range doc.Tables {
		var columns []Column
		for _, yc := range yt.Columns {
			var col = Column{
				Name:       yc.Name,
				NotNull:    yc.NotNull,
				EnumValues: yc.Values,
			}
			var err error
			if col.Kind, err = ParseKind(yc.Kind); err != nil {
				return nil, errors.WithMessagef(err, "table %s column %s", yt.Name, yc.Name)
			}
			if yc.Elem != "" {
				if col.Elem, err = ParseKind(yc.Elem); err != nil {
					return nil, errors.WithMessagef(err, "table %s column %s", yt.Name, yc.Name)
				}
			}
			if col.Default, err = parseDefault(yc.Default); err != nil {
				return nil, errors.WithMessagef(err, "table %s column %s", yt.Name, yc.Name)
			}
			columns = append(columns, col)
		}
		var refs []Reference
		for _, yr := range yt.References {
			refs = append(refs, Reference{Column: yr.Column, Table: yr.Table})
		}
		var t, err = NewTable(yt.Name, columns, yt.PrimaryKey, refs)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return New(tables...)
}

func parseDefault(v interface{}) (DefaultFunc, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case string:
		switch d {
		case "uuid":
			return UUIDDefault, nil
		case "now":
			return NowDefault, nil
		default:
			return LiteralDefault(d), nil
		}
	default:
		return LiteralDefault(v), nil
	}
}
