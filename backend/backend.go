// Package backend defines the durable storage contract of the indexing store:
// bulk-loading flush transactions, fenced checkpoints, point lookups by
// primary key, and a per-row provenance log sufficient to revert the effects
// of a chain reorganization.
package backend

import (
	"context"
	"fmt"

	"go.chainstore.dev/core/schema"
)

// Checkpoint records the last block number through which flushed data
// reflects confirmed chain state. It's written transactionally with every
// flush, and consulted to decide rollback applicability.
type Checkpoint struct {
	Block int64
}

// Op is the terminal operation kind of a flushed row mutation.
type Op int8

const (
	// OpCreate is a row inserted this flush cycle.
	OpCreate Op = iota + 1
	// OpUpdate is an existing durable row overwritten this flush cycle.
	OpUpdate
	// OpDelete is an existing durable row deleted this flush cycle.
	OpDelete
)

// String returns a short name of the Op.
func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid(%d)", o)
	}
}

// Row is a materialized row presented for bulk load.
type Row struct {
	Key    schema.Key
	Values map[string]interface{}
}

// LogEntry is one provenance log record: the operation applied to a row at a
// block, along with the prior row image needed to compensate it during a
// revert. Prior is nil for OpCreate (the compensation is a delete).
type LogEntry struct {
	Table string
	Key   schema.Key
	Block int64
	Op    Op
	Prior map[string]interface{}
}

// FlushTx is a single durable transaction which materializes one flush cycle.
// External readers observe either none or all of its effects. Within a table,
// BulkInsert, Upsert and Delete target disjoint keys; across tables, the
// caller orders inserts referenced-tables-first and deletes in reverse.
type FlushTx interface {
	// BulkInsert loads created rows using the backend's most efficient
	// bulk path (eg, COPY).
	BulkInsert(table *schema.Table, rows []Row) error
	// Upsert writes updated rows as insert-or-update by primary key.
	Upsert(table *schema.Table, rows []Row) error
	// Delete removes rows by primary key.
	Delete(table *schema.Table, keys []schema.Key) error
	// LogOps appends provenance records for every mutation of this flush.
	LogOps(entries []LogEntry) error
	// Commit persists the Checkpoint, verifies the write fence installed by
	// RestoreCheckpoint, and commits. A fence which has moved (because
	// another writer restored after this one) fails the commit.
	Commit(cp Checkpoint) error
	// Rollback aborts the transaction, leaving storage at its pre-flush state.
	Rollback() error
}

// Backend is a durable relational store supporting bulk-loaded flushes,
// fenced checkpoints, and provenance-driven reverts.
type Backend interface {
	// RestoreCheckpoint recovers the most recent committed Checkpoint and
	// installs a write fence which fails commits of any older Backend
	// instance of the same store.
	RestoreCheckpoint(ctx context.Context) (Checkpoint, error)
	// BeginFlush starts the durable transaction of one flush cycle.
	BeginFlush(ctx context.Context) (FlushTx, error)
	// Find returns the durable row at |key|, or nil if none exists.
	Find(ctx context.Context, table *schema.Table, key schema.Key) (map[string]interface{}, error)
	// Revert rolls durable state back to just before |block|: rows created at
	// or after it are deleted, and prior images of rows updated or deleted at
	// or after it are restored, in reverse log order. The Checkpoint is reset
	// to block-1. Missing or pruned provenance is a *ProvenanceError.
	Revert(ctx context.Context, block int64) (Checkpoint, error)
	// PruneOps discards provenance of blocks before |block|, which the caller
	// asserts are final and will never be reverted.
	PruneOps(ctx context.Context, block int64) error
	// Close releases the Backend.
	Close() error
}

// ProvenanceError indicates provenance needed to revert to Block is missing
// or inconsistent. It's fatal: indexing cannot safely continue, and requires
// a manual resync.
type ProvenanceError struct {
	Block  int64
	Reason string
}

func (e *ProvenanceError) Error() string {
	return fmt.Sprintf("cannot revert to block %d: %s (manual resync required)", e.Block, e.Reason)
}
