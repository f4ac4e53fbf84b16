package store

import (
	"encoding/json"

	"go.chainstore.dev/core/schema"
)

// version is one block-granular pending mutation of a row: the full row state
// after the mutation applied, or nil if the mutation deleted it. Versions are
// what chain reorganizations truncate, so repeated mutations within one block
// replace the tail rather than appending.
type version struct {
	block int64
	data  map[string]interface{}
}

// entry is the pending cache state of one row since the last flush. The cache
// holds only deltas: base captures the durable row as of the entry's first
// mutation, and versions overlay it in block order.
type entry struct {
	table *schema.Table
	key   schema.Key

	baseExists bool
	base       map[string]interface{}
	versions   []version
}

// current returns the materialized row and whether it (logically) exists.
func (e *entry) current() (map[string]interface{}, bool) {
	if n := len(e.versions); n != 0 {
		return e.versions[n-1].data, e.versions[n-1].data != nil
	}
	return e.base, e.baseExists
}

// push records the row state |data| (nil for deletion) as of |block|.
func (e *entry) push(block int64, data map[string]interface{}) {
	if n := len(e.versions); n != 0 && e.versions[n-1].block == block {
		e.versions[n-1].data = data
		return
	}
	e.versions = append(e.versions, version{block: block, data: data})
}

// revert discards versions at or beyond |block|, restoring the entry to its
// pending state as of block-1. It returns whether any pending state remains.
func (e *entry) revert(block int64) bool {
	var n = len(e.versions)
	for n != 0 && e.versions[n-1].block >= block {
		n--
	}
	e.versions = e.versions[:n]
	return n != 0
}

// batch is a set of pending entries accumulated since the last flush (or
// since the last seal, while a flush runs against the prior batch).
type batch struct {
	entries  map[string]*entry
	bytes    int64 // Estimated serialized size of accumulated mutations.
	maxBlock int64
}

func newBatch() *batch {
	return &batch{entries: make(map[string]*entry)}
}

func (b *batch) empty() bool { return len(b.entries) == 0 }

// push records a mutation against the (possibly new) entry at |enc|.
func (b *batch) push(enc string, e *entry, block int64, data map[string]interface{}) {
	if _, ok := b.entries[enc]; !ok {
		b.entries[enc] = e
		b.bytes += sizeOfRow(e.base)
	}
	e.push(block, data)
	b.bytes += sizeOfRow(data)
	if block > b.maxBlock {
		b.maxBlock = block
	}
}

// revert truncates all entries at |block|, dropping those left with no
// pending state. It returns the count of discarded versions.
func (b *batch) revert(block int64) int {
	var discarded int
	for enc, e := range b.entries {
		var before = len(e.versions)
		if !e.revert(block) {
			delete(b.entries, enc)
		}
		discarded += before - len(e.versions)
	}
	return discarded
}

// absorb merges |newer| into this batch: where both hold an entry of a key,
// this batch's base is authoritative and the newer versions extend the chain.
func (b *batch) absorb(newer *batch) {
	for enc, ne := range newer.entries {
		if e, ok := b.entries[enc]; ok {
			e.versions = append(e.versions, ne.versions...)
		} else {
			b.entries[enc] = ne
		}
	}
	b.bytes += newer.bytes
	if newer.maxBlock > b.maxBlock {
		b.maxBlock = newer.maxBlock
	}
}

// sizeOfRow estimates the serialized size of a row.
func sizeOfRow(row map[string]interface{}) int64 {
	var n int64
	for k, v := range row {
		n += int64(len(k)) + sizeOfValue(v)
	}
	return n
}

func sizeOfValue(v interface{}) int64 {
	switch t := v.(type) {
	case nil:
		return 1
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	case json.RawMessage:
		return int64(len(t))
	case bool:
		return 1
	case []interface{}:
		var n int64
		for _, e := range t {
			n += sizeOfValue(e)
		}
		return n
	default:
		// Integer and float kinds.
		return 8
	}
}

// cloneRow returns a defensive copy of |row|, or nil for nil. Reference-typed
// values (byte slices and lists) are copied as well, so mutating a returned
// value cannot corrupt pending cache state.
func cloneRow(row map[string]interface{}) map[string]interface{} {
	if row == nil {
		return nil
	}
	var out = make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return append([]byte(nil), t...)
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	case []interface{}:
		var l = make([]interface{}, len(t))
		for i, e := range t {
			l[i] = cloneValue(e)
		}
		return l
	default:
		return v
	}
}
