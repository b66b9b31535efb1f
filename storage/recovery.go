package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jemdb/jemdb/blockfile"
	"github.com/jemdb/jemdb/model"
)

// Load recovers the engine's state from the summary dumps and journals and
// pages in the current block. It returns the autoincrement seed: one past
// the greatest id ever seen in the blockindex journals (deletions
// included, so reuse never regresses the counter).
func (e *Engine) Load(ctx context.Context) (int64, error) {
	maxID, err := e.loadMaps(false)
	if err != nil {
		return 0, err
	}
	if err := e.finishLoad(ctx, false); err != nil {
		return 0, err
	}
	return maxID + 1, nil
}

// LoadCorrupted is the repair path: journals are parsed as far as they go,
// the directory is rescanned for orphan block files, and every block file
// is re-read to rebuild the row index.
func (e *Engine) LoadCorrupted(ctx context.Context) (int64, error) {
	maxID, err := e.loadMaps(true)
	if err != nil {
		return 0, err
	}

	// Register every block file present on disk; a block the journals lost
	// comes back with unknown counts and final=false so later passes
	// rebuild it.
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	for _, ent := range entries {
		idx, ok := parseBlockFileName(ent.Name())
		if !ok {
			continue
		}
		if _, exists := e.blocks[idx]; !exists {
			e.blocks[idx] = &Block{Index: idx}
		}
	}
	e.mu.Unlock()

	// Re-read every block to restore reachability of rows the journals
	// lost. Journal mappings win; only unmapped ids are adopted.
	e.mu.Lock()
	idxs := make([]int64, 0, len(e.blocks))
	for idx := range e.blocks {
		idxs = append(idxs, idx)
	}
	e.mu.Unlock()

	for _, idx := range idxs {
		rows, err := e.readBlockRows(idx, true)
		if err != nil {
			e.opts.Logger.Warn("repair skipped unreadable block", "dir", e.dir, "block", idx, "error", err)
			continue
		}
		e.mu.Lock()
		for id := range rows {
			if _, ok := e.blockIndex[id]; !ok {
				e.blockIndex[id] = idx
			}
			if id > maxID {
				maxID = id
			}
		}
		e.mu.Unlock()
	}

	if err := e.finishLoad(ctx, true); err != nil {
		return 0, err
	}
	return maxID + 1, nil
}

// loadMaps replays blockindex.{0,1} and blocklist.{0,1}. It returns the
// greatest id seen. With tolerant set, parse failures end the replay of the
// offending file instead of failing the load.
func (e *Engine) loadMaps(tolerant bool) (int64, error) {
	var maxID int64

	apply := func(base string, handle func(any)) error {
		for _, suffix := range []string{".0", ".1"} {
			path := filepath.Join(e.dir, base+suffix)
			body, err := blockfile.Read(path, tolerant)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				if tolerant {
					e.opts.Logger.Warn("repair skipped unreadable journal", "path", path, "error", err)
					continue
				}
				return err
			}
			var records []any
			if err := e.opts.Codec.Unmarshal(body, &records); err != nil {
				if tolerant {
					e.opts.Logger.Warn("repair skipped undecodable journal", "path", path, "error", err)
					continue
				}
				return fmt.Errorf("failed to decode %s: %w", path, err)
			}
			for _, rec := range records {
				handle(rec)
			}

			if suffix == ".0" {
				if st, err := os.Stat(path); err == nil {
					e.mu.Lock()
					if base == blockIndexBase {
						e.biDumpSize = st.Size()
					} else {
						e.blDumpSize = st.Size()
					}
					e.mu.Unlock()
				}
			}
		}
		return nil
	}

	err := apply(blockIndexBase, func(rec any) {
		pair, ok := rec.([]any)
		if !ok || len(pair) != 2 {
			return
		}
		id, ok1 := model.ToInt64(pair[0])
		bi, ok2 := model.ToInt64(pair[1])
		if !ok1 || !ok2 {
			return
		}
		e.mu.Lock()
		if bi == 0 {
			delete(e.blockIndex, id)
		} else {
			e.blockIndex[id] = bi
		}
		e.mu.Unlock()
		if id > maxID {
			maxID = id
		}
	})
	if err != nil {
		return 0, err
	}

	err = apply(blockListBase, func(rec any) {
		m, ok := rec.(map[string]any)
		if !ok {
			return
		}
		if del, _ := model.ToInt64(m["deleted"]); del == 1 {
			if idx, ok := model.ToInt64(m["index"]); ok {
				e.mu.Lock()
				delete(e.blocks, idx)
				e.mu.Unlock()
			}
			return
		}
		if b, ok := blockFromMeta(m); ok {
			e.mu.Lock()
			e.blocks[b.Index] = b
			e.mu.Unlock()
		}
	})
	if err != nil {
		return 0, err
	}

	return maxID, nil
}

// finishLoad derives the in-memory bookkeeping from the replayed maps and
// pins the current block.
func (e *Engine) finishLoad(ctx context.Context, tolerant bool) error {
	e.mu.Lock()
	e.currentBlockIndex = 0
	for idx, b := range e.blocks {
		if idx > e.currentBlockIndex {
			e.currentBlockIndex = idx
		}
		if !b.Final {
			e.notFinalized[idx] = struct{}{}
		}
		e.defragCand[idx] = struct{}{}
	}
	e.lastSavedBlockIndex = e.currentBlockIndex
	current := e.blocks[e.currentBlockIndex]
	e.mu.Unlock()

	if current != nil && !current.Loaded() {
		if err := e.loadBlockRows(ctx, current, tolerant); err != nil {
			return err
		}
	}

	e.StartUnloadTimer()
	return nil
}
