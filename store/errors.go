package store

import (
	"fmt"

	"github.com/pkg/errors"
	"go.chainstore.dev/core/schema"
)

// UniqueViolationError is returned by Create when a non-deleted row already
// exists at the key and no conflict handling was attached.
type UniqueViolationError struct {
	Table string
	Key   schema.Key
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique constraint violation: table %s already has a row at key %v",
		e.Table, []interface{}(e.Key))
}

// NotFoundError is returned by Update when no row exists at the key, in
// either the cache or durable storage.
type NotFoundError struct {
	Table string
	Key   schema.Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("row not found: table %s has no row at key %v", e.Table, []interface{}(e.Key))
}

// ErrFlushFatal is surfaced after a flush has exhausted its bounded retries,
// or when the store has otherwise halted. Indexing cannot continue: doing so
// while unable to persist would silently lose data.
var ErrFlushFatal = errors.New("flush failed and retries are exhausted; indexing is halted")
