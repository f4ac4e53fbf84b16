package schema

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const schemaFixture = `
tables:
  - name: accounts
    columns:
      - {name: addr, kind: string}
      - {name: balance, kind: bigint, notNull: true, default: "0"}
      - {name: kind, kind: enum, values: [external, contract], default: external}
      - {name: tags, kind: list, elem: string}
    primaryKey: [addr]
  - name: transfers
    columns:
      - {name: id, kind: string, default: uuid}
      - {name: src, kind: string, notNull: true}
      - {name: amount, kind: bigint, notNull: true}
      - {name: at, kind: int, default: now}
    primaryKey: [id]
    references:
      - {column: src, table: accounts}
`

func TestParseSchemaFixture(t *testing.T) {
	var sch, err = Parse([]byte(schemaFixture))
	require.NoError(t, err)
	require.Equal(t, 2, sch.Len())

	var accounts, ok = sch.Table("accounts")
	require.True(t, ok)
	var balance, _ = accounts.Column("balance")
	require.Equal(t, BigInt, balance.Kind)
	require.True(t, balance.NotNull)
	require.Equal(t, "0", balance.Default())

	kind, _ := accounts.Column("kind")
	require.Equal(t, []string{"external", "contract"}, kind.EnumValues)
	require.Equal(t, "external", kind.Default())

	tags, _ := accounts.Column("tags")
	require.Equal(t, List, tags.Kind)
	require.Equal(t, String, tags.Elem)

	transfers, ok := sch.Table("transfers")
	require.True(t, ok)
	require.Equal(t, []Reference{{Column: "src", Table: "accounts"}}, transfers.References)

	// "uuid" and "now" name generated defaults rather than literals.
	var id, _ = transfers.Column("id")
	require.NotEqual(t, id.Default(), id.Default())
	at, _ := transfers.Column("at")
	require.IsType(t, int64(0), at.Default())

	// Insert order places accounts ahead of transfers.
	require.Equal(t, "accounts", sch.InsertOrder()[0].Name)
}

func TestParseRejectsUnknownFieldsAndKinds(t *testing.T) {
	var _, err = Parse([]byte(`{tables: [{name: t, bogus: 1}]}`))
	require.Regexp(t, "parsing schema document", err)

	_, err = Parse([]byte(`
tables:
  - name: t
    columns: [{name: id, kind: varchar}]
    primaryKey: [id]
`))
	require.Regexp(t, `unknown column kind "varchar"`, err)
}

func TestLoadFromFilesystem(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/schema.yaml", []byte(schemaFixture), 0644))

	var sch, err = Load(fs, "/etc/schema.yaml")
	require.NoError(t, err)
	require.Equal(t, 2, sch.Len())

	_, err = Load(fs, "/etc/missing.yaml")
	require.Regexp(t, "reading schema /etc/missing.yaml", err)
}
