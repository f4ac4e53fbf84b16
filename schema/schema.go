// Package schema models the relational table definitions which an indexing
// store is constructed over: ordered column descriptors with a closed set of
// value kinds, primary keys, and informational foreign-key references. A
// Schema is immutable after construction and shared by all rows of its tables.
package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultFunc generates a default value for a column which was not assigned
// one, evaluated at the moment the row is created.
type DefaultFunc func() interface{}

// LiteralDefault returns a DefaultFunc which always produces |v|.
func LiteralDefault(v interface{}) DefaultFunc {
	return func() interface{} { return v }
}

// UUIDDefault is a DefaultFunc producing a random UUID string.
func UUIDDefault() interface{} { return uuid.NewString() }

// NowDefault is a DefaultFunc producing the current wall-clock time as a
// Unix-epoch Integer of seconds.
func NowDefault() interface{} { return time.Now().Unix() }

// Column is a single column descriptor of a Table.
type Column struct {
	// Name of the column.
	Name string
	// Kind of values the column holds.
	Kind Kind
	// Elem is the element Kind when Kind is List.
	Elem Kind
	// NotNull requires that persisted rows carry a non-nil value.
	NotNull bool
	// EnumValues is the allowed value set when Kind is Enum.
	EnumValues []string
	// Default optionally generates a value for rows created without one.
	Default DefaultFunc
}

// Validate type-checks |v| against the column and returns its canonical
// representation.
func (c *Column) Validate(v interface{}) (interface{}, error) {
	if c.Kind == List {
		if v == nil {
			return nil, nil
		}
		var in, ok = v.([]interface{})
		if !ok {
			return nil, errors.Errorf("column %s: value %v (%T) is not a list", c.Name, v, v)
		}
		var out = make([]interface{}, len(in))
		for i, e := range in {
			var n, err = c.Elem.normalize(e)
			if err != nil {
				return nil, errors.WithMessagef(err, "column %s[%d]", c.Name, i)
			}
			out[i] = n
		}
		return out, nil
	}
	var n, err = c.Kind.normalize(v)
	if err != nil {
		return nil, errors.WithMessagef(err, "column %s", c.Name)
	}
	if c.Kind == Enum && n != nil {
		var s = n.(string)
		for _, allowed := range c.EnumValues {
			if s == allowed {
				return n, nil
			}
		}
		return nil, errors.Errorf("column %s: %q is not an allowed value of enum", c.Name, s)
	}
	return n, nil
}

// Reference is an informational foreign-key reference from a column of this
// table to the primary key of another. References order bulk operations
// across tables but are not transactionally enforced.
type Reference struct {
	Column string
	Table  string
}

// Table is an immutable table descriptor.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
	References []Reference

	byName map[string]*Column
}

// NewTable validates and returns a Table descriptor.
func NewTable(name string, columns []Column, primaryKey []string, references []Reference) (*Table, error) {
	if name == "" {
		return nil, errors.New("table name is required")
	} else if len(columns) == 0 {
		return nil, errors.Errorf("table %s: at least one column is required", name)
	} else if len(primaryKey) == 0 {
		return nil, errors.Errorf("table %s: a primary key is required", name)
	}

	var t = &Table{
		Name:       name,
		Columns:    columns,
		PrimaryKey: primaryKey,
		References: references,
		byName:     make(map[string]*Column, len(columns)),
	}
	for i := range t.Columns {
		var c = &t.Columns[i]
		if _, ok := t.byName[c.Name]; ok {
			return nil, errors.Errorf("table %s: duplicated column %s", name, c.Name)
		}
		if c.Kind == Enum && len(c.EnumValues) == 0 {
			return nil, errors.Errorf("table %s: enum column %s declares no values", name, c.Name)
		}
		if c.Kind == List && (c.Elem == 0 || c.Elem == List) {
			return nil, errors.Errorf("table %s: list column %s has invalid element kind", name, c.Name)
		}
		t.byName[c.Name] = c
	}
	for _, pk := range primaryKey {
		var c, ok = t.byName[pk]
		if !ok {
			return nil, errors.Errorf("table %s: primary key column %s is not defined", name, pk)
		}
		if !c.Kind.keyable() {
			return nil, errors.Errorf("table %s: kind %s of primary key column %s is not orderable",
				name, c.Kind, pk)
		}
		c.NotNull = true // Primary key columns are implicitly NOT NULL.
	}
	for _, r := range references {
		if _, ok := t.byName[r.Column]; !ok {
			return nil, errors.Errorf("table %s: reference column %s is not defined", name, r.Column)
		}
	}
	return t, nil
}

// Column returns the named column descriptor, or false if not defined.
func (t *Table) Column(name string) (*Column, bool) {
	var c, ok = t.byName[name]
	return c, ok
}

// Normalize type-checks and canonicalizes |row| against the table's columns.
// A column not present in |row| is left absent. Unknown columns are an error.
func (t *Table) Normalize(row map[string]interface{}) (map[string]interface{}, error) {
	var out = make(map[string]interface{}, len(row))
	for name, v := range row {
		var c, ok = t.byName[name]
		if !ok {
			return nil, errors.Errorf("table %s has no column %s", t.Name, name)
		}
		var n, err = c.Validate(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "table %s", t.Name)
		}
		out[name] = n
	}
	return out, nil
}

// FillDefaults populates absent or nil columns of |row| from their declared
// defaults, and then enforces NOT NULL constraints. It mutates |row| and is
// called at the moment a create (or an update produced by conflict handling)
// would persist the row.
func (t *Table) FillDefaults(row map[string]interface{}) error {
	for i := range t.Columns {
		var c = &t.Columns[i]
		if v, ok := row[c.Name]; !ok || v == nil {
			if c.Default != nil {
				var n, err = c.Validate(c.Default())
				if err != nil {
					return errors.WithMessagef(err, "table %s: default of column %s", t.Name, c.Name)
				}
				row[c.Name] = n
			} else if c.NotNull {
				return &NotNullError{Table: t.Name, Column: c.Name}
			} else {
				row[c.Name] = nil
			}
		}
	}
	return nil
}

// NotNullError is returned when a persisted row would leave a NOT NULL column
// without a value.
type NotNullError struct {
	Table  string
	Column string
}

func (e *NotNullError) Error() string {
	return fmt.Sprintf("not-null constraint violation: column %s.%s has no value and no default",
		e.Table, e.Column)
}

// Schema is an immutable set of Tables with a topological order over their
// foreign-key references.
type Schema struct {
	tables map[string]*Table
	order  []*Table
}

// New validates the combined set of Tables and returns a Schema. Foreign-key
// references must name defined tables and must not form a cycle.
func New(tables ...*Table) (*Schema, error) {
	var s = &Schema{tables: make(map[string]*Table, len(tables))}

	for _, t := range tables {
		if _, ok := s.tables[t.Name]; ok {
			return nil, errors.Errorf("duplicated table %s", t.Name)
		}
		s.tables[t.Name] = t
	}
	for _, t := range tables {
		for _, r := range t.References {
			if _, ok := s.tables[r.Table]; !ok {
				return nil, errors.Errorf("table %s references undefined table %s", t.Name, r.Table)
			}
		}
	}

	// Kahn's algorithm: referenced tables order before referencing ones.
	var degree = make(map[string]int, len(tables))
	for _, t := range tables {
		for _, r := range t.References {
			if r.Table != t.Name { // Self references don't order.
				degree[t.Name]++
			}
		}
	}
	var queue []*Table
	for _, t := range tables {
		if degree[t.Name] == 0 {
			queue = append(queue, t)
		}
	}
	for len(queue) != 0 {
		var next = queue[0]
		queue = queue[1:]
		s.order = append(s.order, next)

		for _, t := range tables {
			for _, r := range t.References {
				if r.Table == next.Name && r.Table != t.Name {
					if degree[t.Name]--; degree[t.Name] == 0 {
						queue = append(queue, t)
					}
				}
			}
		}
	}
	if len(s.order) != len(tables) {
		return nil, errors.New("foreign-key references form a cycle")
	}
	return s, nil
}

// Table returns the named Table, or false if not defined.
func (s *Schema) Table(name string) (*Table, bool) {
	var t, ok = s.tables[name]
	return t, ok
}

// InsertOrder returns tables ordered such that referenced tables appear
// before tables which reference them. Bulk deletes apply the reverse order.
func (s *Schema) InsertOrder() []*Table { return s.order }

// Len returns the number of defined tables.
func (s *Schema) Len() int { return len(s.tables) }
