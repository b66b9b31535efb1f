package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jemdb/jemdb/blockfile"
	"github.com/jemdb/jemdb/model"
)

// Summary file basenames. The ".1" suffix is the append journal, ".0" the
// compacted dump, ".2" the in-flight dump temp.
const (
	blockIndexBase = "blockindex"
	blockListBase  = "blocklist"
)

// CommitDelta flushes one delta step: defragmentation, journal appends,
// block finalization, LRU unloading, summary dumps and obsolete-file
// deletion, in that order. Any I/O failure leaves the delta pending, sets
// the sticky file error and flips the state sentinel.
func (e *Engine) CommitDelta(ctx context.Context, step uint64) error {
	if e.destroyed.Load() {
		return ErrDestroyed
	}
	if err := e.FileError(); err != nil {
		return err
	}

	e.saving.Add(1)
	defer e.saving.Add(-1)

	e.mu.Lock()
	delta := e.delta(step)

	// The last rows entry fixes how far this delta advances the saved
	// horizon; rows moved by defragmentation below do not count.
	var lastSavedBI int64
	if n := len(delta.rows); n > 0 {
		lastSavedBI = delta.rows[n-1].BlockIndex
	}

	e.defragLocked(delta)
	e.mu.Unlock()

	if err := e.flushDelta(ctx, delta); err != nil {
		e.setFileError(err)
		return err
	}

	e.mu.Lock()
	if lastSavedBI > e.lastSavedBlockIndex {
		e.lastSavedBlockIndex = lastSavedBI
	}
	e.mu.Unlock()

	if err := e.finalizeBlocks(ctx); err != nil {
		e.setFileError(err)
		return err
	}

	e.unloadBlocksIfNeeded()

	if err := e.dumpMaps(ctx); err != nil {
		e.setFileError(err)
		return err
	}

	if err := e.deleteFiles(ctx, delta.delFiles); err != nil {
		e.setFileError(err)
		return err
	}

	e.mu.Lock()
	delete(e.deltas, step)
	var closeErr error
	if e.opts.ForceFileClosing {
		closeErr = e.closeAppendersLocked()
	}
	e.mu.Unlock()

	return closeErr
}

// flushDelta appends the delta's journal entries to blockindex.1,
// blocklist.1 and the per-block rows files.
func (e *Engine) flushDelta(ctx context.Context, delta *Delta) error {
	if len(delta.blockIndexEntries) > 0 {
		app, err := e.blockIndexAppender()
		if err != nil {
			return err
		}
		for _, ent := range delta.blockIndexEntries {
			rec, err := e.opts.Codec.Marshal([]any{ent.ID, ent.BlockIndex})
			if err != nil {
				return err
			}
			if err := app.Append(rec); err != nil {
				return err
			}
		}
		if err := app.Sync(); err != nil {
			return err
		}
	}

	if len(delta.blockListEntries) > 0 {
		if err := e.flushBlockList(delta.blockListEntries); err != nil {
			return err
		}
	}

	return e.flushRows(ctx, delta.rows)
}

// flushBlockList appends blocklist journal records, collapsing consecutive
// entries for the same block. exists=0 encodes as {index, deleted:1}.
func (e *Engine) flushBlockList(entries []blEntry) error {
	collapsed := make([]blEntry, 0, len(entries))
	for _, ent := range entries {
		if n := len(collapsed); n > 0 && collapsed[n-1].Index == ent.Index {
			collapsed[n-1] = ent
			continue
		}
		collapsed = append(collapsed, ent)
	}

	app, err := e.blockListAppender()
	if err != nil {
		return err
	}
	for _, ent := range collapsed {
		var payload any
		if ent.Exists {
			e.mu.Lock()
			b := e.blocks[ent.Index]
			if b == nil {
				e.mu.Unlock()
				continue
			}
			payload = b.meta()
			e.mu.Unlock()
		} else {
			payload = map[string]any{"index": ent.Index, "deleted": 1}
		}
		rec, err := e.opts.Codec.Marshal(payload)
		if err != nil {
			return err
		}
		if err := app.Append(rec); err != nil {
			return err
		}
	}

	return app.Sync()
}

// flushRows appends delta rows grouped by block index: whenever the block
// changes, the previous rows file is closed and the next one opened, under
// the per-file lock.
func (e *Engine) flushRows(ctx context.Context, rows []rowEntry) error {
	for i := 0; i < len(rows); {
		j := i
		for j < len(rows) && rows[j].BlockIndex == rows[i].BlockIndex {
			j++
		}
		if err := e.flushRowGroup(ctx, rows[i].BlockIndex, rows[i:j]); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (e *Engine) flushRowGroup(ctx context.Context, index int64, group []rowEntry) error {
	q := e.fileLock(index)
	if err := q.Acquire(ctx); err != nil {
		return err
	}
	defer q.Release()

	app, err := blockfile.OpenAppender(e.blockFilePath(index))
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	for _, ent := range group {
		rec, err := e.opts.Codec.Marshal([]any{ent.ID, ent.Rec})
		if err != nil {
			return err
		}
		if err := app.Append(rec); err != nil {
			return err
		}
	}

	return app.Sync()
}

// finalizeBlocks rewrites every unfinalized block strictly below the saved
// horizon into self-contained form. The pass stops cleanly mid-way when the
// engine is destroyed.
func (e *Engine) finalizeBlocks(ctx context.Context) error {
	e.mu.Lock()
	horizon := e.lastSavedBlockIndex
	candidates := make([]int64, 0, len(e.notFinalized))
	for idx := range e.notFinalized {
		if idx < horizon {
			candidates = append(candidates, idx)
		}
	}
	e.mu.Unlock()
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	// Finalization competes with other tables' background passes for the
	// shared worker slots.
	if err := e.opts.Controller.AcquireWorker(ctx); err != nil {
		return err
	}
	defer e.opts.Controller.ReleaseWorker()

	for _, idx := range candidates {
		if e.destroyed.Load() {
			return nil
		}
		if err := e.finalizeBlock(ctx, idx); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) finalizeBlock(ctx context.Context, idx int64) error {
	e.mu.Lock()
	b := e.blocks[idx]
	e.mu.Unlock()
	if b == nil || b.Final {
		return nil
	}

	q := e.fileLock(idx)
	if err := q.Acquire(ctx); err != nil {
		return err
	}
	defer q.Release()

	// The on-disk journal is authoritative: it still carries rows whose
	// ids have since moved or died; liveness stays with blockIndex.
	rows, err := e.readBlockRows(idx, false)
	if err != nil {
		return err
	}
	body, err := e.encodeRows(rows)
	if err != nil {
		return err
	}
	if err := e.opts.Controller.AcquireIO(ctx, len(body)); err != nil {
		return err
	}
	size, err := blockfile.WriteFinal(e.blockFilePath(idx), body, e.opts.Compression)
	if err != nil {
		return err
	}

	e.mu.Lock()
	b.Size = size
	b.RowsLength = int64(len(rows))
	b.Final = true
	delete(e.notFinalized, idx)
	e.defragCand[idx] = struct{}{}
	payload := b.meta()
	e.mu.Unlock()

	app, err := e.blockListAppender()
	if err != nil {
		return err
	}
	rec, err := e.opts.Codec.Marshal(payload)
	if err != nil {
		return err
	}
	if err := app.Append(rec); err != nil {
		return err
	}

	e.opts.Logger.Debug("block finalized", "dir", e.dir, "block", idx, "rows", len(rows), "size", size)
	return app.Sync()
}

// encodeRows serializes a rows map as a deterministic [[id,row],...] array.
func (e *Engine) encodeRows(rows map[int64]model.Record) ([]byte, error) {
	ids := make([]int64, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pairs := make([]any, 0, len(rows))
	for _, id := range ids {
		pairs = append(pairs, []any{id, rows[id]})
	}
	return e.opts.Codec.Marshal(pairs)
}

// unloadBlocksIfNeeded runs one LRU pass: saved blocks graduate from the
// "new" list into the eviction FIFO, then rows are dropped from the head
// until the resident count fits. The current block and blocks at or above
// the saved horizon are never unloaded.
func (e *Engine) unloadBlocksIfNeeded() {
	e.mu.Lock()
	defer e.mu.Unlock()

	keep := e.loadedNew[:0]
	for _, idx := range e.loadedNew {
		if idx < e.lastSavedBlockIndex {
			e.loadedOld = append(e.loadedOld, idx)
		} else {
			keep = append(keep, idx)
		}
	}
	e.loadedNew = keep

	loaded := 0
	for _, b := range e.blocks {
		if b.Loaded() {
			loaded++
		}
	}

	for loaded > e.opts.LoadedBlocksLimit && len(e.loadedOld) > 0 {
		idx := e.loadedOld[0]
		e.loadedOld = e.loadedOld[1:]

		b := e.blocks[idx]
		if b == nil || !b.Loaded() {
			continue
		}
		if idx == e.currentBlockIndex || idx >= e.lastSavedBlockIndex {
			e.loadedNew = append(e.loadedNew, idx)
			continue
		}
		b.Rows = nil
		loaded--
	}
}

// LoadedBlocksCount returns how many blocks currently hold rows in memory.
func (e *Engine) LoadedBlocksCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, b := range e.blocks {
		if b.Loaded() {
			n++
		}
	}
	return n
}

// dumpMaps compacts the blockindex and blocklist journals into full dumps
// when a journal outgrows its dump.
func (e *Engine) dumpMaps(ctx context.Context) error {
	if err := e.dumpMap(ctx, blockIndexBase, &e.biDumpSize, &e.biAppender, e.encodeBlockIndex); err != nil {
		return err
	}
	return e.dumpMap(ctx, blockListBase, &e.blDumpSize, &e.blAppender, e.encodeBlockList)
}

func (e *Engine) dumpMap(ctx context.Context, base string, dumpSize *int64, app **blockfile.Appender, encode func() ([]byte, error)) error {
	journalPath := filepath.Join(e.dir, base+".1")

	var size1 int64
	e.mu.Lock()
	if *app != nil {
		var err error
		size1, err = (*app).Size()
		if err != nil {
			e.mu.Unlock()
			return err
		}
	} else if st, err := os.Stat(journalPath); err == nil {
		size1 = st.Size()
	}
	size0 := *dumpSize
	e.mu.Unlock()

	if !(size1 > e.opts.DumpMaxSize || (size1 > e.opts.DumpMinSize && size1 > size0)) {
		return nil
	}

	body, err := encode()
	if err != nil {
		return err
	}
	if err := e.opts.Controller.AcquireIO(ctx, len(body)); err != nil {
		return err
	}

	tmp := filepath.Join(e.dir, base+".2")
	final := filepath.Join(e.dir, base+".0")
	n, err := blockfile.WriteFinalVia(tmp, final, body, e.opts.Compression)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if *app != nil {
		if cerr := (*app).Close(); cerr != nil {
			e.mu.Unlock()
			return cerr
		}
		*app = nil
	}
	*dumpSize = n
	e.mu.Unlock()

	if err := os.Remove(journalPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	e.opts.Logger.Debug("summary map dumped", "dir", e.dir, "map", base, "bytes", n)
	return nil
}

func (e *Engine) encodeBlockIndex() ([]byte, error) {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.blockIndex))
	for id := range e.blockIndex {
		ids = append(ids, id)
	}
	pairs := make([]any, 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		pairs = append(pairs, []any{id, e.blockIndex[id]})
	}
	e.mu.Unlock()
	return e.opts.Codec.Marshal(pairs)
}

func (e *Engine) encodeBlockList() ([]byte, error) {
	e.mu.Lock()
	idxs := make([]int64, 0, len(e.blocks))
	for idx := range e.blocks {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	metas := make([]any, 0, len(idxs))
	for _, idx := range idxs {
		metas = append(metas, e.blocks[idx].meta())
	}
	e.mu.Unlock()
	return e.opts.Codec.Marshal(metas)
}

// deleteFiles unlinks obsolete block files under their per-file locks, then
// drops the lock entries.
func (e *Engine) deleteFiles(ctx context.Context, indexes []int64) error {
	for _, idx := range indexes {
		q := e.fileLock(idx)
		if err := q.Acquire(ctx); err != nil {
			return err
		}
		err := os.Remove(e.blockFilePath(idx))
		q.Release()
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete block file %d: %w", idx, err)
		}
		e.dropFileLock(idx)
	}
	return nil
}

// blockIndexAppender lazily opens blockindex.1.
func (e *Engine) blockIndexAppender() (*blockfile.Appender, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.biAppender == nil {
		app, err := blockfile.OpenAppender(filepath.Join(e.dir, blockIndexBase+".1"))
		if err != nil {
			return nil, err
		}
		e.biAppender = app
	}
	return e.biAppender, nil
}

// blockListAppender lazily opens blocklist.1.
func (e *Engine) blockListAppender() (*blockfile.Appender, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.blAppender == nil {
		app, err := blockfile.OpenAppender(filepath.Join(e.dir, blockListBase+".1"))
		if err != nil {
			return nil, err
		}
		e.blAppender = app
	}
	return e.blAppender, nil
}
