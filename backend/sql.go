package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.chainstore.dev/core/schema"
)

// Meta tables maintained alongside user tables. The checkpoint row carries a
// write fence which is incremented by RestoreCheckpoint and verified on every
// commit, after the pattern of fenced consumer checkpoints.
const (
	checkpointTable = "chainstore_checkpoints"
	opsTable        = "chainstore_ops"
)

// Dialect abstracts the SQL variations between supported backends: bind
// parameter style, DDL types, and the bulk-load fast path.
type Dialect interface {
	// Placeholder returns the bind parameter token of 1-indexed argument |n|.
	Placeholder(n int) string
	// ColumnType maps a column to its DDL type.
	ColumnType(c *schema.Column) string
	// SerialPK is the DDL of an auto-incrementing integer primary key.
	SerialPK() string
	// BlobType is the DDL of an opaque byte-sequence column.
	BlobType() string
	// BulkInsert loads |rows| of |table| within |tx| using the backend's most
	// efficient bulk path.
	BulkInsert(ctx context.Context, tx *sql.Tx, table *schema.Table, rows []Row) error
	// DeleteByKey removes rows of |table| by primary key within |tx|.
	DeleteByKey(ctx context.Context, tx *sql.Tx, table *schema.Table, keys []schema.Key) error
}

// SQLBackend is a Backend over a "database/sql" DB and a Dialect.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	schema  *schema.Schema
	storeID string

	fence int64 // fence value after restore, verified on each commit.
}

var _ Backend = &SQLBackend{}

// NewSQL returns a SQLBackend of the DB and Dialect, persisting under the
// given store ID. Call EnsureSchema and RestoreCheckpoint before use.
func NewSQL(db *sql.DB, dialect Dialect, sch *schema.Schema, storeID string) *SQLBackend {
	return &SQLBackend{
		db:      db,
		dialect: dialect,
		schema:  sch,
		storeID: storeID,
	}
}

// DB returns the underlying *sql.DB, eg for serving read-only queries.
func (b *SQLBackend) DB() *sql.DB { return b.db }

// EnsureSchema creates the meta tables and every user table of the schema,
// if they don't already exist.
func (b *SQLBackend) EnsureSchema(ctx context.Context) error {
	var stmts = []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			store_id TEXT PRIMARY KEY NOT NULL,
			fence    INTEGER NOT NULL,
			block    INTEGER NOT NULL,
			pruned   INTEGER NOT NULL
		);`, checkpointTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq   %s,
			tbl   TEXT NOT NULL,
			key   TEXT NOT NULL,
			block INTEGER NOT NULL,
			op    INTEGER NOT NULL,
			prior %s
		);`, opsTable, b.dialect.SerialPK(), b.dialect.BlobType()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_block ON %s (block);`, opsTable, opsTable),
	}
	for _, t := range b.schema.InsertOrder() {
		var cols []string
		for i := range t.Columns {
			var c = &t.Columns[i]
			var def = fmt.Sprintf("%s %s", c.Name, b.dialect.ColumnType(c))
			if c.NotNull {
				def += " NOT NULL"
			}
			cols = append(cols, def)
		}
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(t.PrimaryKey, ", ")))
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n);",
			t.Name, strings.Join(cols, ",\n\t")))
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return errors.WithMessagef(err, "creating schema (%s)", stmt)
		}
	}
	return nil
}

// RestoreCheckpoint recovers the most recent Checkpoint of this store ID and
// increments its fence, failing later commits of any older instance.
func (b *SQLBackend) RestoreCheckpoint(ctx context.Context) (cp Checkpoint, _ error) {
	var txn, err = b.db.BeginTx(ctx, nil)
	if err != nil {
		return cp, err
	}
	defer func() {
		if txn != nil {
			_ = txn.Rollback()
		}
	}()

	if _, err = txn.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET fence=fence+1 WHERE store_id=%s;",
		checkpointTable, b.dialect.Placeholder(1)), b.storeID); err != nil {
		return cp, err
	}
	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT fence, block FROM %s WHERE store_id=%s;",
		checkpointTable, b.dialect.Placeholder(1)), b.storeID).Scan(&b.fence, &cp.Block)

	if err == sql.ErrNoRows {
		if _, err = txn.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (store_id, fence, block, pruned) VALUES (%s, 1, 0, 0);",
			checkpointTable, b.dialect.Placeholder(1)), b.storeID); err != nil {
			return cp, err
		}
		b.fence = 1
	} else if err != nil {
		return cp, err
	}

	if err = txn.Commit(); err != nil {
		return cp, err
	}
	txn = nil
	return cp, nil
}

// BeginFlush starts a flush transaction.
func (b *SQLBackend) BeginFlush(ctx context.Context) (FlushTx, error) {
	var tx, err = b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlFlushTx{b: b, tx: tx, ctx: ctx}, nil
}

// Find returns the durable row of |table| at |key|, or nil if none exists.
func (b *SQLBackend) Find(ctx context.Context, table *schema.Table, key schema.Key) (map[string]interface{}, error) {
	key, err := table.NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	var names = make([]string, len(table.Columns))
	var dests = make([]interface{}, len(table.Columns))
	for i := range table.Columns {
		names[i] = table.Columns[i].Name
		dests[i] = scanDest(&table.Columns[i])
	}
	var where, args, werr = b.keyPredicate(table, key, 1)
	if werr != nil {
		return nil, werr
	}
	err = b.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s;",
		strings.Join(names, ", "), table.Name, where), args...).Scan(dests...)

	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithMessagef(err, "reading %s", table.Name)
	}
	var row = make(map[string]interface{}, len(table.Columns))
	for i := range table.Columns {
		if row[names[i]], err = scanValue(&table.Columns[i], dests[i]); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// Revert rolls durable state back to just before |block| by replaying the
// provenance log in reverse order, then resets the Checkpoint.
func (b *SQLBackend) Revert(ctx context.Context, block int64) (cp Checkpoint, _ error) {
	var txn, err = b.db.BeginTx(ctx, nil)
	if err != nil {
		return cp, err
	}
	defer func() {
		if txn != nil {
			_ = txn.Rollback()
		}
	}()

	var pruned int64
	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT block, pruned FROM %s WHERE store_id=%s;",
		checkpointTable, b.dialect.Placeholder(1)), b.storeID).Scan(&cp.Block, &pruned)
	if err == sql.ErrNoRows {
		return cp, &ProvenanceError{Block: block, Reason: "no checkpoint exists for this store"}
	} else if err != nil {
		return cp, err
	}
	if pruned >= block {
		return cp, &ProvenanceError{Block: block,
			Reason: fmt.Sprintf("provenance was pruned through block %d", pruned)}
	}

	var reverted int
	if cp.Block >= block {
		if reverted, err = b.replayOps(ctx, txn, block); err != nil {
			return cp, err
		}
		if _, err = txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE block >= %s;",
			opsTable, b.dialect.Placeholder(1)), block); err != nil {
			return cp, err
		}
		cp.Block = block - 1
	}

	var res sql.Result
	res, err = txn.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET block=%s WHERE store_id=%s AND fence=%s;",
		checkpointTable, b.dialect.Placeholder(1), b.dialect.Placeholder(2), b.dialect.Placeholder(3)),
		cp.Block, b.storeID, b.fence)
	if err == nil {
		if n, aerr := res.RowsAffected(); aerr == nil && n == 0 {
			err = errors.Errorf("checkpoint fence was updated (ie, by a new writer)")
		}
	}
	if err != nil {
		return cp, err
	}
	if err = txn.Commit(); err != nil {
		return cp, err
	}
	txn = nil

	log.WithFields(log.Fields{
		"store":    b.storeID,
		"block":    block,
		"reverted": reverted,
	}).Info("reverted durable state")
	return cp, nil
}

// replayOps applies compensating writes for logged operations at |block| and
// beyond, in reverse sequence order.
func (b *SQLBackend) replayOps(ctx context.Context, txn *sql.Tx, block int64) (int, error) {
	rows, err := txn.QueryContext(ctx, fmt.Sprintf(
		"SELECT tbl, key, op, prior FROM %s WHERE block >= %s ORDER BY seq DESC;",
		opsTable, b.dialect.Placeholder(1)), block)
	if err != nil {
		return 0, err
	}

	type compensation struct {
		table *schema.Table
		key   schema.Key
		op    Op
		prior map[string]interface{}
	}
	var pending []compensation

	for rows.Next() {
		var tbl, keyJSON string
		var op Op
		var prior []byte

		if err = rows.Scan(&tbl, &keyJSON, &op, &prior); err != nil {
			_ = rows.Close()
			return 0, err
		}
		var table, ok = b.schema.Table(tbl)
		if !ok {
			_ = rows.Close()
			return 0, &ProvenanceError{Block: block,
				Reason: fmt.Sprintf("log references unknown table %s", tbl)}
		}
		var c = compensation{table: table, op: op}
		if c.key, err = decodeKeyJSON(table, keyJSON); err != nil {
			_ = rows.Close()
			return 0, &ProvenanceError{Block: block, Reason: err.Error()}
		}
		if c.prior, err = decodePrior(table, prior); err != nil {
			_ = rows.Close()
			return 0, &ProvenanceError{Block: block, Reason: err.Error()}
		}
		if c.op != OpCreate && c.prior == nil {
			_ = rows.Close()
			return 0, &ProvenanceError{Block: block,
				Reason: fmt.Sprintf("%s of %s has no prior image", c.op, tbl)}
		}
		pending = append(pending, c)
	}
	if err = rows.Close(); err != nil {
		return 0, err
	}

	for _, c := range pending {
		if c.op == OpCreate {
			err = b.dialect.DeleteByKey(ctx, txn, c.table, []schema.Key{c.key})
		} else {
			err = upsertRows(ctx, txn, b.dialect, c.table, []Row{{Key: c.key, Values: c.prior}})
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "compensating %s of %s", c.op, c.table.Name)
		}
	}
	return len(pending), nil
}

// PruneOps discards provenance of blocks at or before |block|, marking them
// final and no longer revertible.
func (b *SQLBackend) PruneOps(ctx context.Context, block int64) error {
	var txn, err = b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if txn != nil {
			_ = txn.Rollback()
		}
	}()

	if _, err = txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE block <= %s;",
		opsTable, b.dialect.Placeholder(1)), block); err != nil {
		return err
	}
	if _, err = txn.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET pruned=%s WHERE store_id=%s AND pruned < %s;",
		checkpointTable, b.dialect.Placeholder(1), b.dialect.Placeholder(2), b.dialect.Placeholder(3)),
		block, b.storeID, block); err != nil {
		return err
	}
	if err = txn.Commit(); err != nil {
		return err
	}
	txn = nil
	return nil
}

// Close closes the underlying DB.
func (b *SQLBackend) Close() error { return b.db.Close() }

// keyPredicate renders "pk1=$n AND pk2=$n+1" with its arguments, starting at
// placeholder |n|.
func (b *SQLBackend) keyPredicate(table *schema.Table, key schema.Key, n int) (string, []interface{}, error) {
	var terms = make([]string, len(table.PrimaryKey))
	var args = make([]interface{}, len(table.PrimaryKey))
	for i, name := range table.PrimaryKey {
		var c, _ = table.Column(name)
		var arg, err = SQLArg(c, key[i])
		if err != nil {
			return "", nil, err
		}
		terms[i] = fmt.Sprintf("%s=%s", name, b.dialect.Placeholder(n+i))
		args[i] = arg
	}
	return strings.Join(terms, " AND "), args, nil
}

// sqlFlushTx is the FlushTx of a SQLBackend.
type sqlFlushTx struct {
	b   *SQLBackend
	tx  *sql.Tx
	ctx context.Context
}

func (f *sqlFlushTx) BulkInsert(table *schema.Table, rows []Row) error {
	return f.b.dialect.BulkInsert(f.ctx, f.tx, table, rows)
}

func (f *sqlFlushTx) Upsert(table *schema.Table, rows []Row) error {
	return upsertRows(f.ctx, f.tx, f.b.dialect, table, rows)
}

func (f *sqlFlushTx) Delete(table *schema.Table, keys []schema.Key) error {
	return f.b.dialect.DeleteByKey(f.ctx, f.tx, table, keys)
}

func (f *sqlFlushTx) LogOps(entries []LogEntry) error {
	var d = f.b.dialect
	// Five arguments per entry; chunk within conservative driver limits.
	for _, chunk := range chunkBy(len(entries), maxBindArgs/5) {
		var sb strings.Builder
		var args []interface{}

		fmt.Fprintf(&sb, "INSERT INTO %s (tbl, key, block, op, prior) VALUES ", opsTable)
		for i, e := range entries[chunk.begin:chunk.end] {
			var keyJSON, err = encodeKeyJSON(e.Key)
			if err != nil {
				return err
			}
			prior, err := encodePrior(e.Prior)
			if err != nil {
				return err
			}
			if i != 0 {
				sb.WriteString(", ")
			}
			var n = len(args)
			fmt.Fprintf(&sb, "(%s, %s, %s, %s, %s)",
				d.Placeholder(n+1), d.Placeholder(n+2), d.Placeholder(n+3),
				d.Placeholder(n+4), d.Placeholder(n+5))
			args = append(args, e.Table, keyJSON, e.Block, int8(e.Op), prior)
		}
		sb.WriteString(";")

		if _, err := f.tx.ExecContext(f.ctx, sb.String(), args...); err != nil {
			return errors.WithMessage(err, "logging provenance")
		}
	}
	return nil
}

func (f *sqlFlushTx) Commit(cp Checkpoint) error {
	var d = f.b.dialect
	var res, err = f.tx.ExecContext(f.ctx, fmt.Sprintf(
		"UPDATE %s SET block=%s WHERE store_id=%s AND fence=%s;",
		checkpointTable, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3)),
		cp.Block, f.b.storeID, f.b.fence)

	if err == nil {
		if n, aerr := res.RowsAffected(); aerr == nil && n == 0 {
			err = errors.Errorf("checkpoint fence was updated (ie, by a new writer)")
		}
	}
	if err != nil {
		_ = f.tx.Rollback()
		return err
	}
	return f.tx.Commit()
}

func (f *sqlFlushTx) Rollback() error { return f.tx.Rollback() }

// maxBindArgs bounds the arguments of one statement, within the default
// limits of both SQLite (999) and Postgres (65535).
const maxBindArgs = 900

type chunk struct{ begin, end int }

// chunkBy partitions |total| items into chunks of at most |size|.
func chunkBy(total, size int) []chunk {
	if size < 1 {
		size = 1
	}
	var out []chunk
	for begin := 0; begin < total; begin += size {
		var end = begin + size
		if end > total {
			end = total
		}
		out = append(out, chunk{begin, end})
	}
	return out
}

// upsertRows writes |rows| as multi-row INSERT .. ON CONFLICT (pk) DO UPDATE
// statements, shared by both dialects (and by compensating restores).
func upsertRows(ctx context.Context, tx *sql.Tx, d Dialect, table *schema.Table, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	var names = make([]string, len(table.Columns))
	for i := range table.Columns {
		names[i] = table.Columns[i].Name
	}
	var isPK = make(map[string]bool, len(table.PrimaryKey))
	for _, pk := range table.PrimaryKey {
		isPK[pk] = true
	}
	var conflict string
	var sets []string
	for _, n := range names {
		if !isPK[n] {
			sets = append(sets, fmt.Sprintf("%s=excluded.%s", n, n))
		}
	}
	if len(sets) == 0 {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(table.PrimaryKey, ", "))
	} else {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(table.PrimaryKey, ", "), strings.Join(sets, ", "))
	}

	for _, ch := range chunkBy(len(rows), maxBindArgs/len(names)) {
		var sb strings.Builder
		var args []interface{}

		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table.Name, strings.Join(names, ", "))
		for i, row := range rows[ch.begin:ch.end] {
			if i != 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for j := range table.Columns {
				if j != 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(d.Placeholder(len(args) + 1))
				var arg, err = SQLArg(&table.Columns[j], row.Values[names[j]])
				if err != nil {
					return err
				}
				args = append(args, arg)
			}
			sb.WriteString(")")
		}
		sb.WriteString(" " + conflict + ";")

		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return errors.WithMessagef(err, "upserting into %s", table.Name)
		}
	}
	return nil
}

// GenericBulkInsert loads |rows| as chunked multi-row INSERT statements. It's
// the bulk path of dialects without a dedicated one.
func GenericBulkInsert(ctx context.Context, tx *sql.Tx, d Dialect, table *schema.Table, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	var names = make([]string, len(table.Columns))
	for i := range table.Columns {
		names[i] = table.Columns[i].Name
	}
	for _, ch := range chunkBy(len(rows), maxBindArgs/len(names)) {
		var sb strings.Builder
		var args []interface{}

		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table.Name, strings.Join(names, ", "))
		for i, row := range rows[ch.begin:ch.end] {
			if i != 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for j := range table.Columns {
				if j != 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(d.Placeholder(len(args) + 1))
				var arg, err = SQLArg(&table.Columns[j], row.Values[names[j]])
				if err != nil {
					return err
				}
				args = append(args, arg)
			}
			sb.WriteString(")")
		}
		sb.WriteString(";")

		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return errors.WithMessagef(err, "bulk-inserting into %s", table.Name)
		}
	}
	return nil
}

// GenericDeleteByKey removes |keys| as chunked DELETE statements with one
// primary-key predicate per row.
func GenericDeleteByKey(ctx context.Context, tx *sql.Tx, d Dialect, table *schema.Table, keys []schema.Key) error {
	if len(keys) == 0 {
		return nil
	}
	var width = len(table.PrimaryKey)

	for _, ch := range chunkBy(len(keys), maxBindArgs/width) {
		var sb strings.Builder
		var args []interface{}

		fmt.Fprintf(&sb, "DELETE FROM %s WHERE ", table.Name)
		for i, key := range keys[ch.begin:ch.end] {
			if i != 0 {
				sb.WriteString(" OR ")
			}
			sb.WriteString("(")
			for j, name := range table.PrimaryKey {
				if j != 0 {
					sb.WriteString(" AND ")
				}
				var c, _ = table.Column(name)
				var arg, err = SQLArg(c, key[j])
				if err != nil {
					return err
				}
				fmt.Fprintf(&sb, "%s=%s", name, d.Placeholder(len(args)+1))
				args = append(args, arg)
			}
			sb.WriteString(")")
		}
		sb.WriteString(";")

		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return errors.WithMessagef(err, "deleting from %s", table.Name)
		}
	}
	return nil
}

// SQLArg converts a normalized column value into a driver argument. JSON and
// List values bind as their JSON text encoding.
func SQLArg(c *schema.Column, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Kind {
	case schema.JSON:
		return string(v.(json.RawMessage)), nil
	case schema.List:
		var b, err = json.Marshal(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "encoding list column %s", c.Name)
		}
		return string(b), nil
	default:
		return v, nil
	}
}

// scanDest allocates a scan destination appropriate to the column's kind.
func scanDest(c *schema.Column) interface{} {
	switch c.Kind {
	case schema.Integer:
		return new(sql.NullInt64)
	case schema.Float:
		return new(sql.NullFloat64)
	case schema.Boolean:
		return new(sql.NullBool)
	case schema.Bytes:
		return new([]byte)
	default:
		return new(sql.NullString)
	}
}

// scanValue converts a populated scan destination back to the column's
// normalized representation.
func scanValue(c *schema.Column, dest interface{}) (interface{}, error) {
	switch c.Kind {
	case schema.Integer:
		if d := dest.(*sql.NullInt64); d.Valid {
			return d.Int64, nil
		}
	case schema.Float:
		if d := dest.(*sql.NullFloat64); d.Valid {
			return d.Float64, nil
		}
	case schema.Boolean:
		if d := dest.(*sql.NullBool); d.Valid {
			return d.Bool, nil
		}
	case schema.Bytes:
		if d := dest.(*[]byte); *d != nil {
			return *d, nil
		}
	case schema.JSON:
		if d := dest.(*sql.NullString); d.Valid {
			return json.RawMessage(d.String), nil
		}
	case schema.List:
		if d := dest.(*sql.NullString); d.Valid {
			var raw []interface{}
			if err := json.Unmarshal([]byte(d.String), &raw); err != nil {
				return nil, errors.WithMessagef(err, "decoding list column %s", c.Name)
			}
			var v, err = fromJSON(c, raw)
			if err != nil {
				return nil, err
			}
			return c.Validate(v)
		}
	default:
		if d := dest.(*sql.NullString); d.Valid {
			return d.String, nil
		}
	}
	return nil, nil
}
