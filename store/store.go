// Package store implements a reorg-aware, in-memory write buffer over a
// durable relational backend. Indexing functions mutate rows synchronously
// against the cache, which holds only deltas since the last flush; a
// background scheduler periodically materializes accumulated mutations
// through the backend's bulk-load path within a single transaction.
package store

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.chainstore.dev/core/backend"
	"go.chainstore.dev/core/metrics"
	"go.chainstore.dev/core/ops"
	"go.chainstore.dev/core/schema"
)

// Config are tunables of a Store. Zero values adopt defaults.
type Config struct {
	// FlushRows triggers a flush when this many rows are pending.
	FlushRows int
	// FlushBytes triggers a flush when the estimated serialized size of
	// pending mutations reaches this many bytes.
	FlushBytes int64
	// FlushInterval triggers a flush when this long has elapsed since the
	// last one, even if thresholds haven't been reached.
	FlushInterval time.Duration
	// FlushRetries bounds retries of a failed flush before the store halts.
	FlushRetries int
	// MaxPendingRows bounds total buffered rows across both the accumulating
	// and in-flight batches. Mutations block once it's reached.
	MaxPendingRows int
	// BaselineCacheSize bounds the LRU of durable rows backing read-through.
	BaselineCacheSize int
}

func (c *Config) applyDefaults() {
	if c.FlushRows == 0 {
		c.FlushRows = 10000
	}
	if c.FlushBytes == 0 {
		c.FlushBytes = 1 << 24 // 16MB.
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.FlushRetries == 0 {
		c.FlushRetries = 3
	}
	if c.MaxPendingRows == 0 {
		c.MaxPendingRows = 4 * c.FlushRows
	}
	if c.BaselineCacheSize == 0 {
		c.BaselineCacheSize = 4096
	}
}

// UpdateFunc computes an update from the current materialized row. The
// returned map is applied as a patch over the current state.
type UpdateFunc func(current map[string]interface{}) map[string]interface{}

// createOptions collect conflict handling attached to a Create.
type createOptions struct {
	doNothing bool
	doUpdate  UpdateFunc
}

// CreateOption attaches conflict handling to a Create.
type CreateOption func(*createOptions)

// OnConflictDoNothing converts a Create which collides with an existing row
// into a no-op returning the pre-existing row.
func OnConflictDoNothing() CreateOption {
	return func(o *createOptions) { o.doNothing = true }
}

// OnConflictDoUpdate converts a colliding Create into an update applying
// |patch| over the existing row.
func OnConflictDoUpdate(patch map[string]interface{}) CreateOption {
	return func(o *createOptions) {
		o.doUpdate = func(map[string]interface{}) map[string]interface{} { return patch }
	}
}

// OnConflictDoUpdateFunc converts a colliding Create into an update applying
// the patch computed by |fn| from the existing materialized row.
func OnConflictDoUpdateFunc(fn UpdateFunc) CreateOption {
	return func(o *createOptions) { o.doUpdate = fn }
}

// baseline is a read-through cache value: the durable row, or nil recording
// that no durable row exists at the key.
type baseline struct {
	row map[string]interface{}
}

// Store is the historical indexing store. It's constructed once with its
// schema and backend, and passed by reference to indexing functions; there is
// no ambient singleton. Mutations come from a single logical writer in block
// order, while flushes (and reads against durable storage) run concurrently.
type Store struct {
	schema  *schema.Schema
	backend backend.Backend
	cfg     Config

	mu          sync.Mutex
	cur         *batch  // Accumulating batch.
	sealed      *batch  // Batch being flushed, or retained after a failed flush.
	sealedBlock int64   // Block through which |sealed| reflects chain state.
	block       int64   // Current block of the single logical writer.
	cp          backend.Checkpoint
	flushOp     *ops.AsyncOperation // In-flight flush, or nil.
	retries     int
	fatal       error

	kickCh chan struct{} // Signals the scheduler that a threshold was reached.
	bases  *lru.Cache    // Encoded key -> *baseline.
}

// New returns a Store over the schema and backend, restoring the backend's
// checkpoint (and installing its write fence).
func New(ctx context.Context, sch *schema.Schema, be backend.Backend, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	var cp, err = be.RestoreCheckpoint(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "restoring checkpoint")
	}
	bases, err := lru.New(cfg.BaselineCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		schema:  sch,
		backend: be,
		cfg:     cfg,
		cur:     newBatch(),
		block:   cp.Block,
		cp:      cp,
		kickCh:  make(chan struct{}, 1),
		bases:   bases,
	}, nil
}

// SetBlock advances the block number which subsequent mutations are
// attributed to. It's called by the event dispatcher as it moves through the
// ordered event stream.
func (s *Store) SetBlock(block int64) {
	s.mu.Lock()
	s.block = block
	s.mu.Unlock()
}

// Checkpoint returns the last block through which flushed data is durable.
func (s *Store) Checkpoint() backend.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp
}

// Create inserts a row at |key|. Without conflict options it fails with
// *UniqueViolationError if a non-deleted row already exists there, and with
// *schema.NotNullError if a required column is missing and has no default.
// It returns the created (or conflict-resolved) materialized row.
func (s *Store) Create(ctx context.Context, table string, key schema.Key, data map[string]interface{},
	options ...CreateOption) (map[string]interface{}, error) {

	var o createOptions
	for _, opt := range options {
		opt(&o)
	}
	var t, enc, err = s.resolve(table, key)
	if err != nil {
		return nil, err
	}
	if key, err = t.NormalizeKey(key); err != nil {
		return nil, err
	}
	row, err := t.Normalize(data)
	if err != nil {
		return nil, err
	}

	existing, exists, err := s.lookup(ctx, t, key, enc)
	if err != nil {
		return nil, err
	}

	if exists {
		if o.doNothing {
			return cloneRow(existing), nil
		}
		if o.doUpdate == nil {
			return nil, &UniqueViolationError{Table: t.Name, Key: key}
		}
		patch, err := t.Normalize(o.doUpdate(cloneRow(existing)))
		if err != nil {
			return nil, err
		}
		if err = checkPatchKey(t, patch); err != nil {
			return nil, err
		}
		var merged = cloneRow(existing)
		for k, v := range patch {
			merged[k] = v
		}
		if err = checkNotNull(t, merged); err != nil {
			return nil, err
		}
		return s.apply(ctx, t, key, enc, merged)
	}

	// Write primary-key columns through to the row, then fill defaults and
	// enforce NOT NULL before the row enters pending state.
	for i, name := range t.PrimaryKey {
		row[name] = key[i]
	}
	if err = t.FillDefaults(row); err != nil {
		return nil, err
	}
	return s.apply(ctx, t, key, enc, row)
}

// Update applies |patch| over the row at |key|, failing with *NotFoundError
// if no row exists there (consulting durable storage if not cached).
func (s *Store) Update(ctx context.Context, table string, key schema.Key,
	patch map[string]interface{}) (map[string]interface{}, error) {
	return s.UpdateFunc(ctx, table, key,
		func(map[string]interface{}) map[string]interface{} { return patch })
}

// UpdateFunc is Update with a patch computed from the current materialized
// row (durable state merged with any pending cache delta).
func (s *Store) UpdateFunc(ctx context.Context, table string, key schema.Key, fn UpdateFunc) (map[string]interface{}, error) {
	var t, enc, err = s.resolve(table, key)
	if err != nil {
		return nil, err
	}
	if key, err = t.NormalizeKey(key); err != nil {
		return nil, err
	}
	existing, exists, err := s.lookup(ctx, t, key, enc)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &NotFoundError{Table: t.Name, Key: key}
	}
	patch, err := t.Normalize(fn(cloneRow(existing)))
	if err != nil {
		return nil, err
	}
	if err = checkPatchKey(t, patch); err != nil {
		return nil, err
	}
	var merged = cloneRow(existing)
	for k, v := range patch {
		merged[k] = v
	}
	if err = checkNotNull(t, merged); err != nil {
		return nil, err
	}
	return s.apply(ctx, t, key, enc, merged)
}

// Delete removes the row at |key|, returning whether a row existed. Deleting
// a durable row records a pending delete marker flushed later.
func (s *Store) Delete(ctx context.Context, table string, key schema.Key) (bool, error) {
	var t, enc, err = s.resolve(table, key)
	if err != nil {
		return false, err
	}
	if key, err = t.NormalizeKey(key); err != nil {
		return false, err
	}
	_, exists, err := s.lookup(ctx, t, key, enc)
	if err != nil || !exists {
		return false, err
	}
	if _, err = s.apply(ctx, t, key, enc, nil); err != nil {
		return false, err
	}
	return true, nil
}

// Find returns the materialized row at |key| (pending cache state overlaid on
// durable state), or nil if none exists. It never blocks on a flush in
// progress; a read-through to durable storage occurs only when the key is
// absent from the cache.
func (s *Store) Find(ctx context.Context, table string, key schema.Key) (map[string]interface{}, error) {
	var t, enc, err = s.resolve(table, key)
	if err != nil {
		return nil, err
	}
	if key, err = t.NormalizeKey(key); err != nil {
		return nil, err
	}
	row, exists, err := s.lookup(ctx, t, key, enc)
	if err != nil || !exists {
		return nil, err
	}
	return cloneRow(row), nil
}

// resolve maps a table name and key to the Table and its encoded cache key.
func (s *Store) resolve(table string, key schema.Key) (*schema.Table, string, error) {
	var t, ok = s.schema.Table(table)
	if !ok {
		return nil, "", errors.Errorf("no such table %s", table)
	}
	var enc, err = t.EncodeKey(key)
	if err != nil {
		return nil, "", err
	}
	return t, enc, nil
}

// lookup materializes the current row at |key|: the accumulating batch
// overlays the sealed batch, which overlays durable state. Only a key absent
// from all cache layers reaches the backend (through the baseline LRU).
func (s *Store) lookup(ctx context.Context, t *schema.Table, key schema.Key, enc string) (map[string]interface{}, bool, error) {
	s.mu.Lock()
	if e, ok := s.cur.entries[enc]; ok {
		var row, exists = e.current()
		s.mu.Unlock()
		return row, exists, nil
	}
	if s.sealed != nil {
		if e, ok := s.sealed.entries[enc]; ok {
			var row, exists = e.current()
			s.mu.Unlock()
			return row, exists, nil
		}
	}
	s.mu.Unlock()

	if v, ok := s.bases.Get(enc); ok {
		metrics.ReadThroughsTotal.WithLabelValues("cache").Inc()
		var b = v.(*baseline)
		return b.row, b.row != nil, nil
	}

	// This read is the store's only suspension point. The single logical
	// writer means no concurrent mutator can race the key into the cache.
	metrics.ReadThroughsTotal.WithLabelValues("backend").Inc()
	var row, err = s.backend.Find(ctx, t, key)
	if err != nil {
		return nil, false, err
	}
	s.bases.Add(enc, &baseline{row: row})
	return row, row != nil, nil
}

// apply records a mutation of the row at |enc| (|data| nil for deletion) into
// the accumulating batch, after applying backpressure.
func (s *Store) apply(ctx context.Context, t *schema.Table, key schema.Key, enc string,
	data map[string]interface{}) (map[string]interface{}, error) {

	if err := s.backpressure(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal != nil {
		return nil, s.fatal
	}
	var e, ok = s.cur.entries[enc]
	if !ok {
		e = &entry{table: t, key: key}
		if s.sealed != nil {
			if se, sok := s.sealed.entries[enc]; sok {
				// The sealed entry's current state is (or is about to become)
				// the durable baseline of this new entry.
				e.base, e.baseExists = se.current()
			} else {
				e.base, e.baseExists = s.cachedBaseline(enc)
			}
		} else {
			e.base, e.baseExists = s.cachedBaseline(enc)
		}
	}
	s.cur.push(enc, e, s.block, cloneRow(data))
	metrics.PendingRows.Set(float64(s.pendingRowsLocked()))

	if len(s.cur.entries) >= s.cfg.FlushRows || s.cur.bytes >= s.cfg.FlushBytes {
		select {
		case s.kickCh <- struct{}{}:
		default:
		}
	}
	return cloneRow(data), nil
}

// cachedBaseline returns the LRU'd durable baseline of |enc|. The preceding
// lookup always populates it, so a miss means no durable row.
func (s *Store) cachedBaseline(enc string) (map[string]interface{}, bool) {
	if v, ok := s.bases.Get(enc); ok {
		var b = v.(*baseline)
		return cloneRow(b.row), b.row != nil
	}
	return nil, false
}

// backpressure blocks mutation while total pending rows are at the bound.
// With a flush in flight it waits for that flush; otherwise it triggers one
// synchronously. This bounds buffered memory when mutation volume outpaces
// flush throughput.
func (s *Store) backpressure(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.fatal != nil {
			var err = s.fatal
			s.mu.Unlock()
			return err
		}
		if s.pendingRowsLocked() < s.cfg.MaxPendingRows {
			s.mu.Unlock()
			return nil
		}
		// Assign to the OpFuture only when non-nil, so a nil *AsyncOperation
		// doesn't masquerade as a non-nil interface.
		var op ops.OpFuture
		if s.flushOp != nil {
			op = s.flushOp
		}
		s.mu.Unlock()

		if op == nil {
			op = s.Flush(ctx)
		}
		select {
		case <-op.Done():
			// Loop to re-check.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) pendingRowsLocked() int {
	var n = len(s.cur.entries)
	if s.sealed != nil {
		n += len(s.sealed.entries)
	}
	return n
}

// checkNotNull verifies a fully-merged row doesn't leave any NOT NULL column
// without a value.
// checkPatchKey rejects patches which name primary-key columns. A row's key
// is fixed at Create: rewriting it in the cache would diverge from the row's
// durable identity, and the flush upsert would insert a second row under the
// patched key while the original survives.
func checkPatchKey(t *schema.Table, patch map[string]interface{}) error {
	for _, name := range t.PrimaryKey {
		if _, ok := patch[name]; ok {
			return errors.Errorf("table %s: patch cannot modify primary-key column %s", t.Name, name)
		}
	}
	return nil
}

func checkNotNull(t *schema.Table, row map[string]interface{}) error {
	for i := range t.Columns {
		var c = &t.Columns[i]
		if c.NotNull && row[c.Name] == nil {
			return &schema.NotNullError{Table: t.Name, Column: c.Name}
		}
	}
	return nil
}
