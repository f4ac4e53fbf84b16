package store

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.chainstore.dev/core/backend"
	"go.chainstore.dev/core/metrics"
	"go.chainstore.dev/core/ops"
	"go.chainstore.dev/core/schema"
)

// State is the flush scheduler's current state.
type State int

const (
	// Idle: no pending mutations and no flush in flight.
	Idle State = iota
	// Accumulating: mutations are pending and below flush triggers.
	Accumulating
	// Flushing: a sealed batch is committing to durable storage.
	Flushing
)

// String returns a short name of the State.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Accumulating:
		return "Accumulating"
	case Flushing:
		return "Flushing"
	default:
		return "invalid"
	}
}

// State returns the scheduler's current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flushOp != nil {
		return Flushing
	} else if !s.cur.empty() || s.sealed != nil {
		return Accumulating
	}
	return Idle
}

// Serve runs the flush scheduler until |ctx| is cancelled: it flushes when
// the configured interval elapses or when a size threshold kicks it,
// whichever comes first. Transient flush failures are retried on the next
// trigger; once retries exhaust, Serve returns the fatal error. On
// cancellation an in-flight flush completes (or cleanly rolls back) before
// Serve returns.
func (s *Store) Serve(ctx context.Context) error {
	var timer = time.NewTimer(s.cfg.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			var op = s.flushOp
			s.mu.Unlock()
			if op != nil {
				<-op.Done()
			}
			return ctx.Err()

		case <-timer.C:
		case <-s.kickCh:
		}

		var op = s.Flush(ctx)
		select {
		case <-op.Done():
		case <-ctx.Done():
			<-op.Done()
			return ctx.Err()
		}

		if err := op.Err(); err != nil {
			if s.fatalErr() != nil {
				return err
			}
			log.WithField("err", err).Warn("flush failed (will retry)")
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.FlushInterval)
	}
}

// Flush seals the accumulating batch and begins committing it to durable
// storage in the background, returning an OpFuture of the commit. Mutations
// continue to accumulate into a fresh batch while it runs. If a flush is
// already in flight, its OpFuture is returned instead.
func (s *Store) Flush(ctx context.Context) ops.OpFuture {
	s.mu.Lock()

	if s.fatal != nil {
		s.mu.Unlock()
		return ops.FinishedOperation(s.fatal)
	}
	if s.flushOp != nil {
		var op = s.flushOp
		s.mu.Unlock()
		return op
	}
	// Seal the accumulating batch. A batch retained by a failed flush absorbs
	// the newer mutations: its entries are older and their version chains
	// extend with the current batch's.
	if s.sealed == nil {
		s.sealed = s.cur
	} else {
		s.sealed.absorb(s.cur)
	}
	s.cur = newBatch()
	// sealedBlock may fall mid-block: the checkpoint then covers a block
	// whose later mutations are still accumulating, and a resuming reader
	// must re-apply that boundary block idempotently.
	s.sealedBlock = s.block

	if s.sealed.empty() {
		s.sealed = nil
		s.mu.Unlock()
		return ops.FinishedOperation(nil)
	}
	var op = ops.NewAsyncOperation()
	s.flushOp = op
	s.mu.Unlock()

	go s.runFlush(ctx, op)
	return op
}

func (s *Store) fatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// runFlush materializes the sealed batch within one durable transaction, and
// resolves |op| with the outcome.
func (s *Store) runFlush(ctx context.Context, op *ops.AsyncOperation) {
	var started = time.Now()
	var stats, err = s.flushSealed(ctx)

	s.mu.Lock()
	if err == nil {
		// Flushed rows are now the durable baselines of their keys.
		for enc, e := range s.sealed.entries {
			var row, exists = e.current()
			if exists {
				s.bases.Add(enc, &baseline{row: cloneRow(row)})
			} else {
				s.bases.Add(enc, &baseline{})
			}
		}
		s.cp = backend.Checkpoint{Block: s.sealedBlock}
		var block = s.cp.Block
		var bytes = s.sealed.bytes
		s.sealed = nil
		s.retries = 0
		s.flushOp = nil
		metrics.PendingRows.Set(float64(s.pendingRowsLocked()))
		s.mu.Unlock()

		metrics.FlushesTotal.WithLabelValues(metrics.Ok).Inc()
		metrics.FlushRowsTotal.WithLabelValues("create").Add(float64(stats.creates))
		metrics.FlushRowsTotal.WithLabelValues("update").Add(float64(stats.updates))
		metrics.FlushRowsTotal.WithLabelValues("delete").Add(float64(stats.deletes))
		metrics.FlushBytesTotal.Add(float64(bytes))
		metrics.FlushDurationSeconds.Observe(time.Since(started).Seconds())

		log.WithFields(log.Fields{
			"block":   block,
			"creates": stats.creates,
			"updates": stats.updates,
			"deletes": stats.deletes,
			"size":    humanize.IBytes(uint64(bytes)),
			"took":    time.Since(started),
		}).Info("flushed batch")

		op.Resolve(nil)
		return
	}

	s.retries++
	metrics.FlushesTotal.WithLabelValues(metrics.Fail).Inc()

	if s.retries > s.cfg.FlushRetries {
		s.fatal = errors.WithMessagef(ErrFlushFatal, "after %d attempts (last: %s)", s.retries, err)
		err = s.fatal
	} else {
		err = errors.WithMessagef(err, "flush attempt %d of %d (batch retained)",
			s.retries, s.cfg.FlushRetries+1)
	}
	s.flushOp = nil
	s.mu.Unlock()
	op.Resolve(err)
}

type flushStats struct {
	creates, updates, deletes int
}

// flushSealed partitions the sealed batch by table and terminal operation
// kind, and emits it through one backend transaction: bulk inserts and
// upserts in foreign-key order, deletes in reverse order, the provenance log,
// and the checkpoint. The sealed batch itself is read-only here; concurrent
// lookups may overlay it throughout.
func (s *Store) flushSealed(ctx context.Context) (stats flushStats, _ error) {
	type part struct {
		creates []backend.Row
		upserts []backend.Row
		deletes []schema.Key
	}
	var parts = make(map[string]*part)
	var logs []backend.LogEntry

	for _, e := range s.sealed.entries {
		var p = parts[e.table.Name]
		if p == nil {
			p = &part{}
			parts[e.table.Name] = p
		}

		// One provenance record per retained version, chaining each prior
		// image so that reverts can stop at any block within the cycle.
		var prior, priorExists = e.base, e.baseExists
		for _, v := range e.versions {
			var op backend.Op
			if !priorExists {
				op = backend.OpCreate
			} else if v.data == nil {
				op = backend.OpDelete
			} else {
				op = backend.OpUpdate
			}
			var img map[string]interface{}
			if priorExists {
				img = cloneRow(prior)
			}
			logs = append(logs, backend.LogEntry{
				Table: e.table.Name,
				Key:   e.key,
				Block: v.block,
				Op:    op,
				Prior: img,
			})
			prior, priorExists = v.data, v.data != nil
		}

		// Terminal operation of the coalesced entry.
		var row, exists = e.current()
		if !exists {
			if e.baseExists {
				p.deletes = append(p.deletes, e.key)
				stats.deletes++
			}
			// A row created and deleted within one cycle has no terminal
			// durable effect, though its provenance is still logged.
		} else if e.baseExists {
			p.upserts = append(p.upserts, backend.Row{Key: e.key, Values: row})
			stats.updates++
		} else {
			p.creates = append(p.creates, backend.Row{Key: e.key, Values: row})
			stats.creates++
		}
	}

	var tx, err = s.backend.BeginFlush(ctx)
	if err != nil {
		return stats, errors.WithMessage(err, "beginning flush transaction")
	}

	var order = s.schema.InsertOrder()
	for _, t := range order {
		if p := parts[t.Name]; p != nil {
			if err = tx.BulkInsert(t, p.creates); err == nil {
				err = tx.Upsert(t, p.upserts)
			}
			if err != nil {
				_ = tx.Rollback()
				return stats, errors.WithMessagef(err, "flushing %s", t.Name)
			}
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		if p := parts[order[i].Name]; p != nil {
			if err = tx.Delete(order[i], p.deletes); err != nil {
				_ = tx.Rollback()
				return stats, errors.WithMessagef(err, "flushing deletes of %s", order[i].Name)
			}
		}
	}
	if err = tx.LogOps(logs); err != nil {
		_ = tx.Rollback()
		return stats, err
	}
	if err = tx.Commit(backend.Checkpoint{Block: s.sealedBlock}); err != nil {
		return stats, errors.WithMessage(err, "committing flush")
	}
	return stats, nil
}
