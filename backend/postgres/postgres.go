// Package postgres provides a Postgres Backend which bulk-loads created rows
// through the COPY protocol.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.chainstore.dev/core/backend"
	"go.chainstore.dev/core/schema"
)

// Open returns a SQLBackend over the Postgres database at |dsn|, persisting
// under |storeID|.
func Open(dsn string, sch *schema.Schema, storeID string) (*backend.SQLBackend, error) {
	var db, err = sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return backend.NewSQL(db, Dialect{}, sch, storeID), nil
}

// Dialect is the Postgres backend.Dialect.
type Dialect struct{}

var _ backend.Dialect = Dialect{}

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Dialect) ColumnType(c *schema.Column) string {
	switch c.Kind {
	case schema.Integer:
		return "BIGINT"
	case schema.BigInt:
		return "NUMERIC"
	case schema.Float:
		return "DOUBLE PRECISION"
	case schema.Boolean:
		return "BOOLEAN"
	case schema.Bytes:
		return "BYTEA"
	case schema.JSON, schema.List:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (Dialect) SerialPK() string { return "BIGSERIAL PRIMARY KEY" }

func (Dialect) BlobType() string { return "BYTEA" }

// BulkInsert loads |rows| through the COPY protocol, one pass per table
// rather than one statement per row.
func (Dialect) BulkInsert(ctx context.Context, tx *sql.Tx, table *schema.Table, rows []backend.Row) error {
	if len(rows) == 0 {
		return nil
	}
	var names = make([]string, len(table.Columns))
	for i := range table.Columns {
		names[i] = table.Columns[i].Name
	}
	var stmt, err = tx.PrepareContext(ctx, pq.CopyIn(table.Name, names...))
	if err != nil {
		return errors.WithMessagef(err, "preparing COPY of %s", table.Name)
	}
	for _, row := range rows {
		var args = make([]interface{}, len(names))
		for i := range table.Columns {
			if args[i], err = backend.SQLArg(&table.Columns[i], row.Values[names[i]]); err != nil {
				_ = stmt.Close()
				return err
			}
		}
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			_ = stmt.Close()
			return errors.WithMessagef(err, "COPY of %s", table.Name)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return errors.WithMessagef(err, "flushing COPY of %s", table.Name)
	}
	return stmt.Close()
}

// DeleteByKey batches single-column keys into one "= ANY" statement, and
// falls back to generic per-row predicates for composite keys.
func (d Dialect) DeleteByKey(ctx context.Context, tx *sql.Tx, table *schema.Table, keys []schema.Key) error {
	if len(keys) == 0 {
		return nil
	}
	if len(table.PrimaryKey) != 1 {
		return backend.GenericDeleteByKey(ctx, tx, d, table, keys)
	}
	var c, _ = table.Column(table.PrimaryKey[0])
	var vals = make([]interface{}, len(keys))
	for i, key := range keys {
		var arg, err = backend.SQLArg(c, key[0])
		if err != nil {
			return err
		}
		vals[i] = arg
	}
	var _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1);",
		table.Name, table.PrimaryKey[0]), pq.Array(vals))
	return errors.WithMessagef(err, "deleting from %s", table.Name)
}
