package store

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.chainstore.dev/core/backend"
	"go.chainstore.dev/core/metrics"
)

// Reorg rolls the store back to just before |block|, in response to a chain
// reorganization: pending mutations at or beyond it are discarded outright,
// durable rows modified at or beyond it are compensated through the backend's
// provenance log, and the checkpoint resets to block-1.
//
// Reorg serializes against ongoing mutation and flush: it waits out any
// in-flight flush and holds exclusive access throughout. A *ProvenanceError
// from the backend permanently halts the store; continuing to index over a
// partial rollback would be worse than not rolling back at all.
func (s *Store) Reorg(ctx context.Context, block int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal != nil {
		return s.fatal
	}
	for s.flushOp != nil {
		var op = s.flushOp
		s.mu.Unlock()
		<-op.Done()
		s.mu.Lock()
	}

	var discarded = s.cur.revert(block)
	if s.sealed != nil {
		discarded += s.sealed.revert(block)
		if s.sealed.empty() {
			s.sealed = nil
		}
	}

	if s.cp.Block >= block {
		var cp, err = s.backend.Revert(ctx, block)
		var pErr *backend.ProvenanceError
		if errors.As(err, &pErr) {
			s.fatal = err
			log.WithFields(log.Fields{"block": block, "err": err}).
				Error("reorg rollback is not possible; indexing halted")
			return err
		} else if err != nil {
			return errors.WithMessagef(err, "reverting durable state to block %d", block)
		}
		s.cp = cp
	}
	if s.block >= block {
		s.block = block - 1
	}
	// Durable baselines cached before the rollback are no longer trustworthy.
	s.bases.Purge()

	metrics.ReorgsTotal.Inc()
	metrics.ReorgDiscardedRows.Add(float64(discarded))
	metrics.PendingRows.Set(float64(s.pendingRowsLocked()))

	log.WithFields(log.Fields{
		"block":     block,
		"discarded": discarded,
	}).Info("recovered from chain reorganization")
	return nil
}

// PruneFinalized discards provenance of blocks at or before |block|, which
// the caller asserts are final. Reorgs past a pruned block are no longer
// possible and will halt the store.
func (s *Store) PruneFinalized(ctx context.Context, block int64) error {
	return s.backend.PruneOps(ctx, block)
}
