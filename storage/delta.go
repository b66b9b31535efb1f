package storage

import "github.com/jemdb/jemdb/model"

// biEntry is one blockindex journal record: (id, blockIndex).
// BlockIndex 0 encodes a deletion.
type biEntry struct {
	ID         int64
	BlockIndex int64
}

// blEntry is one blocklist journal record: (blockIndex, exists).
type blEntry struct {
	Index  int64
	Exists bool
}

// rowEntry is one row append: (blockIndex, id, record), in append order.
type rowEntry struct {
	BlockIndex int64
	ID         int64
	Rec        model.Record
}

// Delta batches the journal entries of one write call. It is built up by
// Set/Del (and by defragmentation during commit) and flushed atomically by
// CommitDelta.
type Delta struct {
	step uint64

	blockIndexEntries []biEntry
	blockListEntries  []blEntry
	rows              []rowEntry

	// delFiles are block files to unlink once the journal is durable.
	delFiles []int64
}

// delta returns the pending delta for a step, creating it on first use.
// Caller holds e.mu.
func (e *Engine) delta(step uint64) *Delta {
	d, ok := e.deltas[step]
	if !ok {
		d = &Delta{step: step}
		e.deltas[step] = d
	}
	return d
}

// CancelDelta discards an in-memory delta without any I/O.
//
// Rows already placed into blocks by Set stay there; cancellation only
// guarantees nothing of the step reaches the journal. Callers use it to
// abandon a failed batch before it was committed.
func (e *Engine) CancelDelta(step uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.deltas, step)
}

// PendingDeltas returns the number of uncommitted delta steps.
func (e *Engine) PendingDeltas() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.deltas)
}
