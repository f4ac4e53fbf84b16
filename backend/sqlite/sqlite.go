// Package sqlite provides a SQLite Backend, suitable for local development
// runs and tests.
package sqlite

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3" // Register "sqlite3" sql driver.
	"go.chainstore.dev/core/backend"
	"go.chainstore.dev/core/schema"
)

// Open returns a SQLBackend over the SQLite database at |path| (which may be
// ":memory:"), persisting under |storeID|.
func Open(path string, sch *schema.Schema, storeID string) (*backend.SQLBackend, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps transient ":memory:" databases coherent and
	// serializes writer access. It also means a read-through Find queues
	// behind an in-flight flush transaction until it commits; workloads
	// where that stall matters should use the Postgres backend.
	db.SetMaxOpenConns(1)
	return backend.NewSQL(db, Dialect{}, sch, storeID), nil
}

// Dialect is the SQLite backend.Dialect.
type Dialect struct{}

var _ backend.Dialect = Dialect{}

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) ColumnType(c *schema.Column) string {
	switch c.Kind {
	case schema.Integer, schema.Boolean:
		return "INTEGER"
	case schema.Float:
		return "REAL"
	case schema.Bytes:
		return "BLOB"
	default:
		// String, Enum, BigInt, JSON and List all store as text.
		return "TEXT"
	}
}

func (Dialect) SerialPK() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

func (Dialect) BlobType() string { return "BLOB" }

// BulkInsert has no COPY analogue under SQLite, and uses chunked multi-row
// INSERT statements.
func (d Dialect) BulkInsert(ctx context.Context, tx *sql.Tx, table *schema.Table, rows []backend.Row) error {
	return backend.GenericBulkInsert(ctx, tx, d, table, rows)
}

func (d Dialect) DeleteByKey(ctx context.Context, tx *sql.Tx, table *schema.Table, keys []schema.Key) error {
	return backend.GenericDeleteByKey(ctx, tx, d, table, keys)
}
