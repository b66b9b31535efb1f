package storage

import (
	"sort"
)

// defragFillRatio: a block with delCount > 0 whose live share fell below
// this fraction of its persisted row count is rewritten.
const defragFillRatio = 0.6

// defragLocked runs one defragmentation pass inside the committing delta,
// so its row moves and block deletions are journaled together with the user
// mutations. Caller holds e.mu.
//
// A candidate block is picked when it is sparsely populated
// (delCount > 0 and addCount-delCount < rowsLength*0.6) or undersized
// (size < ceiling/2). Live rows are rewritten into the current block and
// the emptied block's file is queued for deletion.
func (e *Engine) defragLocked(delta *Delta) {
	if len(e.defragCand) == 0 {
		return
	}

	candidates := make([]int64, 0, len(e.defragCand))
	for idx := range e.defragCand {
		candidates = append(candidates, idx)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	for _, idx := range candidates {
		if e.destroyed.Load() {
			return
		}
		b := e.blocks[idx]
		if b == nil {
			delete(e.defragCand, idx)
			continue
		}
		// The current block absorbs rewrites; it is never a source. Blocks
		// at or above the saved horizon still have journal entries in
		// flight and are left alone until a later pass.
		if idx == e.currentBlockIndex || idx >= e.lastSavedBlockIndex {
			continue
		}

		sparse := b.DelCount > 0 && float64(b.AddCount-b.DelCount) < float64(b.RowsLength)*defragFillRatio
		undersized := b.Size < e.opts.BlockCeiling/2
		if !sparse && !undersized {
			delete(e.defragCand, idx)
			continue
		}

		e.defragBlockLocked(delta, b)
		delete(e.defragCand, idx)
	}
}

// defragBlockLocked moves every still-live row of b into the current block
// and retires b. Caller holds e.mu.
func (e *Engine) defragBlockLocked(delta *Delta, b *Block) {
	rows := b.Rows
	if rows == nil {
		loaded, err := e.readBlockRows(b.Index, false)
		if err != nil {
			// An unreadable block is left in place but drops out of the
			// candidate set; it is looked at again only once a later
			// deletion or finalization marks it as a candidate.
			e.opts.Logger.Error("defrag skipped unreadable block", "dir", e.dir, "block", b.Index, "error", err)
			return
		}
		rows = loaded
	}

	moved := 0
	ids := make([]int64, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if e.blockIndex[id] != b.Index {
			continue // dead or moved row; drop it
		}
		rec := rows[id]
		enc, err := e.opts.Codec.Marshal([]any{id, rec})
		if err != nil {
			e.opts.Logger.Error("defrag failed to encode row", "dir", e.dir, "block", b.Index, "id", id, "error", err)
			continue
		}

		cur := e.currentBlockLocked()
		if cur.Size > e.opts.BlockCeiling {
			cur = e.rollBlockLocked(delta)
		}
		cur.Rows[id] = rec
		cur.AddCount++
		cur.Size += int64(len(enc))

		e.blockIndex[id] = cur.Index
		delta.blockIndexEntries = append(delta.blockIndexEntries, biEntry{ID: id, BlockIndex: cur.Index})
		delta.blockListEntries = append(delta.blockListEntries, blEntry{Index: cur.Index, Exists: true})
		delta.rows = append(delta.rows, rowEntry{BlockIndex: cur.Index, ID: id, Rec: rec})
		moved++
	}

	delete(e.blocks, b.Index)
	delete(e.notFinalized, b.Index)
	e.removeFromLoadedLocked(b.Index)
	delta.blockListEntries = append(delta.blockListEntries, blEntry{Index: b.Index, Exists: false})
	delta.delFiles = append(delta.delFiles, b.Index)

	e.opts.Logger.Debug("block defragmented", "dir", e.dir, "block", b.Index, "moved", moved)
}

func (e *Engine) removeFromLoadedLocked(idx int64) {
	for i, v := range e.loadedNew {
		if v == idx {
			e.loadedNew = append(e.loadedNew[:i], e.loadedNew[i+1:]...)
			break
		}
	}
	for i, v := range e.loadedOld {
		if v == idx {
			e.loadedOld = append(e.loadedOld[:i], e.loadedOld[i+1:]...)
			break
		}
	}
}
