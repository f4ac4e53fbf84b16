package schema

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestTableValidationCases(t *testing.T) {
	var cols = []Column{{Name: "id", Kind: String}}

	var _, err = NewTable("", cols, []string{"id"}, nil)
	require.EqualError(t, err, "table name is required")

	_, err = NewTable("t", nil, []string{"id"}, nil)
	require.Regexp(t, "at least one column", err)

	_, err = NewTable("t", cols, nil, nil)
	require.Regexp(t, "a primary key is required", err)

	_, err = NewTable("t", []Column{{Name: "id", Kind: String}, {Name: "id", Kind: Integer}},
		[]string{"id"}, nil)
	require.Regexp(t, "duplicated column id", err)

	_, err = NewTable("t", []Column{{Name: "e", Kind: Enum}}, []string{"e"}, nil)
	require.Regexp(t, "declares no values", err)

	_, err = NewTable("t", []Column{{Name: "id", Kind: String}, {Name: "l", Kind: List}},
		[]string{"id"}, nil)
	require.Regexp(t, "invalid element kind", err)

	_, err = NewTable("t", cols, []string{"missing"}, nil)
	require.Regexp(t, "primary key column missing is not defined", err)

	_, err = NewTable("t", []Column{{Name: "f", Kind: Float}}, []string{"f"}, nil)
	require.Regexp(t, "is not orderable", err)

	_, err = NewTable("t", cols, []string{"id"}, []Reference{{Column: "nope", Table: "other"}})
	require.Regexp(t, "reference column nope is not defined", err)
}

func TestPrimaryKeyColumnsAreNotNull(t *testing.T) {
	var tbl, err = NewTable("t", []Column{
		{Name: "id", Kind: String},
		{Name: "v", Kind: Integer},
	}, []string{"id"}, nil)
	require.NoError(t, err)

	var c, _ = tbl.Column("id")
	require.True(t, c.NotNull)
	c, _ = tbl.Column("v")
	require.False(t, c.NotNull)
}

func TestNormalizeRejectsUnknownColumns(t *testing.T) {
	var tbl, err = NewTable("t", []Column{{Name: "id", Kind: String}}, []string{"id"}, nil)
	require.NoError(t, err)

	_, err = tbl.Normalize(map[string]interface{}{"id": "x", "bogus": 1})
	require.Regexp(t, "table t has no column bogus", err)
}

func TestEnumValidation(t *testing.T) {
	var tbl, err = NewTable("t", []Column{
		{Name: "id", Kind: String},
		{Name: "state", Kind: Enum, EnumValues: []string{"open", "closed"}},
	}, []string{"id"}, nil)
	require.NoError(t, err)

	var row, rerr = tbl.Normalize(map[string]interface{}{"state": "open"})
	require.NoError(t, rerr)
	require.Equal(t, "open", row["state"])

	_, err = tbl.Normalize(map[string]interface{}{"state": "ajar"})
	require.Regexp(t, `"ajar" is not an allowed value`, err)
}

func TestListValidation(t *testing.T) {
	var tbl, err = NewTable("t", []Column{
		{Name: "id", Kind: String},
		{Name: "nums", Kind: List, Elem: Integer},
	}, []string{"id"}, nil)
	require.NoError(t, err)

	var row, rerr = tbl.Normalize(map[string]interface{}{"nums": []interface{}{1, float64(2), int64(3)}})
	require.NoError(t, rerr)
	require.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, row["nums"])

	_, err = tbl.Normalize(map[string]interface{}{"nums": []interface{}{"x"}})
	require.Regexp(t, `nums\[0\]`, err)

	_, err = tbl.Normalize(map[string]interface{}{"nums": "not a list"})
	require.Regexp(t, "is not a list", err)
}

func TestFillDefaultsAndNotNull(t *testing.T) {
	var tbl, err = NewTable("t", []Column{
		{Name: "id", Kind: String, Default: UUIDDefault},
		{Name: "count", Kind: Integer, NotNull: true, Default: LiteralDefault(0)},
		{Name: "required", Kind: String, NotNull: true},
		{Name: "optional", Kind: String},
	}, []string{"id"}, nil)
	require.NoError(t, err)

	// A default satisfies NOT NULL; a missing required column doesn't.
	var row = map[string]interface{}{}
	err = tbl.FillDefaults(row)
	require.IsType(t, &NotNullError{}, err)
	require.Equal(t, &NotNullError{Table: "t", Column: "required"}, err)

	row = map[string]interface{}{"required": "yes"}
	require.NoError(t, tbl.FillDefaults(row))

	_, uerr := uuid.Parse(row["id"].(string))
	require.NoError(t, uerr)
	require.Equal(t, int64(0), row["count"])
	require.Nil(t, row["optional"]) // Populated as explicit nil.
	require.Contains(t, row, "optional")
}

func TestSchemaInsertOrder(t *testing.T) {
	var accounts, err = NewTable("accounts", []Column{{Name: "id", Kind: String}}, []string{"id"}, nil)
	require.NoError(t, err)
	transfers, err := NewTable("transfers", []Column{
		{Name: "id", Kind: String},
		{Name: "src", Kind: String},
		{Name: "dst", Kind: String},
	}, []string{"id"}, []Reference{
		{Column: "src", Table: "accounts"},
		{Column: "dst", Table: "accounts"},
	})
	require.NoError(t, err)
	receipts, err := NewTable("receipts", []Column{
		{Name: "id", Kind: String},
		{Name: "transfer", Kind: String},
	}, []string{"id"}, []Reference{{Column: "transfer", Table: "transfers"}})
	require.NoError(t, err)

	// Referenced tables order before referencing ones, regardless of the
	// order they're supplied in.
	sch, err := New(receipts, transfers, accounts)
	require.NoError(t, err)

	var names []string
	for _, tbl := range sch.InsertOrder() {
		names = append(names, tbl.Name)
	}
	require.Equal(t, []string{"accounts", "transfers", "receipts"}, names)
	require.Equal(t, 3, sch.Len())
}

func TestSchemaSelfReferenceIsAllowed(t *testing.T) {
	var nodes, err = NewTable("nodes", []Column{
		{Name: "id", Kind: String},
		{Name: "parent", Kind: String},
	}, []string{"id"}, []Reference{{Column: "parent", Table: "nodes"}})
	require.NoError(t, err)

	sch, err := New(nodes)
	require.NoError(t, err)
	require.Equal(t, 1, len(sch.InsertOrder()))
}

func TestSchemaRejectsCyclesAndUnknownReferences(t *testing.T) {
	var a, err = NewTable("a", []Column{{Name: "id", Kind: String}, {Name: "b", Kind: String}},
		[]string{"id"}, []Reference{{Column: "b", Table: "b"}})
	require.NoError(t, err)
	b, err := NewTable("b", []Column{{Name: "id", Kind: String}, {Name: "a", Kind: String}},
		[]string{"id"}, []Reference{{Column: "a", Table: "a"}})
	require.NoError(t, err)

	_, err = New(a, b)
	require.EqualError(t, err, "foreign-key references form a cycle")

	_, err = New(a)
	require.Regexp(t, "references undefined table b", err)

	_, err = New(b, b)
	require.Regexp(t, "duplicated table b", err)
}
