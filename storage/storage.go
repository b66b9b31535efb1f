// Package storage implements the row storage engine: an append-only block
// log with delta journals, block finalization, online defragmentation,
// LRU block unloading, summary dumps and crash-tolerant recovery.
//
// One engine owns one table directory. All mutations are recorded against a
// caller-supplied delta step; nothing touches disk until CommitDelta. The
// owning table serializes write calls, so the engine only guards its maps
// against its own background passes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jemdb/jemdb/blockfile"
	"github.com/jemdb/jemdb/codec"
	"github.com/jemdb/jemdb/lockqueue"
	"github.com/jemdb/jemdb/model"
	"github.com/jemdb/jemdb/resource"
)

// StateFileName is the repair sentinel inside the table directory:
// "1" = clean, "0" = a commit failed and the table needs repair.
const StateFileName = "state"

var (
	// ErrDestroyed is returned from operations after Destroy.
	ErrDestroyed = errors.New("storage engine destroyed")
)

// Options configure an Engine.
type Options struct {
	// BlockCeiling is the encoded-size threshold that rolls the current
	// block over.
	BlockCeiling int64

	// Compression is the DEFLATE level (0..9) for finalized files.
	// 0 writes plaintext.
	Compression int

	// LoadedBlocksLimit is the number of blocks, the current one included,
	// that the LRU pass lets keep their rows in memory. Blocks at or above
	// the saved horizon are never unloaded, so the count can exceed it.
	LoadedBlocksLimit int

	// DumpMinSize and DumpMaxSize drive summary-map compaction: a journal
	// is dumped once it outgrows both DumpMinSize and the current dump, or
	// unconditionally past DumpMaxSize.
	DumpMinSize int64
	DumpMaxSize int64

	// ForceFileClosing closes the journal appenders after every commit.
	ForceFileClosing bool

	// UnloadInterval is the period of the background LRU pass. 0 disables
	// the timer; commits still run the pass inline.
	UnloadInterval time.Duration

	// Codec serializes journal records, dumps and rows.
	Codec codec.Codec

	// Controller paces background IO. Nil disables pacing.
	Controller *resource.Controller

	// Logger receives engine diagnostics. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions are the defaults applied by New.
var DefaultOptions = Options{
	BlockCeiling:      64 * 1024,
	LoadedBlocksLimit: 5,
	DumpMinSize:       16 * 1024,
	DumpMaxSize:       1024 * 1024,
}

// Engine is the row storage engine for one table directory.
type Engine struct {
	dir  string
	opts Options

	mu         sync.Mutex
	blocks     map[int64]*Block // block list: index -> metadata
	blockIndex map[int64]int64  // row id -> block index

	currentBlockIndex   int64
	lastSavedBlockIndex int64

	notFinalized map[int64]struct{}
	defragCand   map[int64]struct{}

	deltas map[uint64]*Delta

	biAppender *blockfile.Appender // blockindex.1
	blAppender *blockfile.Appender // blocklist.1
	biDumpSize int64               // size of blockindex.0
	blDumpSize int64               // size of blocklist.0

	fileLocks map[int64]*lockqueue.Queue // per block rows file

	loadedNew []int64 // created/loaded since the last LRU pass
	loadedOld []int64 // eviction candidates, FIFO

	destroyed atomic.Bool
	saving    atomic.Int32 // in-flight commits

	errMu     sync.Mutex
	fileError error // sticky

	unloadStop chan struct{}
	unloadWG   sync.WaitGroup
}

// New creates an engine over a table directory. Call Load (or
// LoadCorrupted) before using it.
func New(dir string, optFns ...func(o *Options)) *Engine {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.BlockCeiling <= 0 {
		opts.BlockCeiling = DefaultOptions.BlockCeiling
	}
	if opts.LoadedBlocksLimit <= 0 {
		opts.LoadedBlocksLimit = DefaultOptions.LoadedBlocksLimit
	}

	return &Engine{
		dir:          dir,
		opts:         opts,
		blocks:       make(map[int64]*Block),
		blockIndex:   make(map[int64]int64),
		notFinalized: make(map[int64]struct{}),
		defragCand:   make(map[int64]struct{}),
		deltas:       make(map[uint64]*Delta),
		fileLocks:    make(map[int64]*lockqueue.Queue),
		unloadStop:   make(chan struct{}),
	}
}

// Dir returns the engine's directory.
func (e *Engine) Dir() string { return e.dir }

// Count returns the number of live rows.
func (e *Engine) Count() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.blockIndex))
}

// BlocksCount returns the number of blocks in the block list.
func (e *Engine) BlocksCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.blocks)
}

// Has reports whether a row id is live.
func (e *Engine) Has(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.blockIndex[id]
	return ok
}

// MarkFailed puts the engine into the sticky read-rejecting error state,
// as if a commit had failed.
func (e *Engine) MarkFailed(err error) {
	e.setFileError(err)
}

// FileError returns the sticky commit error, if any.
func (e *Engine) FileError() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.fileError
}

// setFileError records the first commit failure, flips the state sentinel
// to "0" and leaves the engine read-rejecting.
func (e *Engine) setFileError(err error) {
	e.errMu.Lock()
	if e.fileError == nil {
		e.fileError = err
	}
	e.errMu.Unlock()

	if werr := os.WriteFile(filepath.Join(e.dir, StateFileName), []byte("0"), 0o600); werr != nil {
		e.opts.Logger.Error("failed to flip state sentinel", "dir", e.dir, "error", werr)
	}
	e.opts.Logger.Error("storage engine entered file-error state", "dir", e.dir, "error", err)
}

// fileLock returns the lock queue guarding one block rows file.
func (e *Engine) fileLock(index int64) *lockqueue.Queue {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.fileLocks[index]
	if !ok {
		q = lockqueue.New()
		e.fileLocks[index] = q
	}
	return q
}

func (e *Engine) dropFileLock(index int64) {
	e.mu.Lock()
	delete(e.fileLocks, index)
	e.mu.Unlock()
}

// Get returns a live row, paging its block in if needed.
func (e *Engine) Get(ctx context.Context, id int64) (model.Record, bool, error) {
	if err := e.FileError(); err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	bi, ok := e.blockIndex[id]
	if !ok {
		e.mu.Unlock()
		return nil, false, nil
	}
	b := e.blocks[bi]
	if b != nil && b.Loaded() {
		rec := b.Rows[id]
		e.mu.Unlock()
		return rec, rec != nil, nil
	}
	e.mu.Unlock()

	if b == nil {
		return nil, false, fmt.Errorf("row %d points at missing block %d", id, bi)
	}
	if err := e.loadBlockRows(ctx, b, false); err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rec := b.Rows[id]
	return rec, rec != nil, nil
}

// loadBlockRows pages a block's rows into memory under the per-file lock.
func (e *Engine) loadBlockRows(ctx context.Context, b *Block, allowCorrupted bool) error {
	q := e.fileLock(b.Index)
	if err := q.Acquire(ctx); err != nil {
		return err
	}
	defer q.Release()

	e.mu.Lock()
	if b.Loaded() {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	rows, err := e.readBlockRows(b.Index, allowCorrupted)
	if err != nil {
		return err
	}

	e.mu.Lock()
	b.Rows = rows
	e.loadedNew = append(e.loadedNew, b.Index)
	e.mu.Unlock()

	return nil
}

// readBlockRows reads and decodes one block rows file. A missing file is an
// empty block.
func (e *Engine) readBlockRows(index int64, allowCorrupted bool) (map[int64]model.Record, error) {
	path := e.blockFilePath(index)
	body, err := blockfile.Read(path, allowCorrupted)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int64]model.Record{}, nil
		}
		return nil, fmt.Errorf("failed to read block %d: %w", index, err)
	}

	var pairs []any
	if err := e.opts.Codec.Unmarshal(body, &pairs); err != nil {
		if !allowCorrupted {
			return nil, fmt.Errorf("failed to decode block %d: %w", index, err)
		}
		return map[int64]model.Record{}, nil
	}

	rows := make(map[int64]model.Record, len(pairs))
	for _, p := range pairs {
		pair, ok := p.([]any)
		if !ok || len(pair) != 2 {
			if allowCorrupted {
				continue
			}
			return nil, fmt.Errorf("malformed row pair in block %d", index)
		}
		id, ok := model.ToInt64(pair[0])
		if !ok {
			if allowCorrupted {
				continue
			}
			return nil, fmt.Errorf("malformed row id in block %d", index)
		}
		rec, ok := pair[1].(map[string]any)
		if !ok {
			if allowCorrupted {
				continue
			}
			return nil, fmt.Errorf("malformed row %d in block %d", id, index)
		}
		rows[id] = model.Record(rec)
	}

	return rows, nil
}

// Set records an insert or overwrite into the delta. encodedSize is the
// serialized byte size of [id,record], used for block-size accounting.
func (e *Engine) Set(id int64, rec model.Record, encodedSize int64, step uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delta := e.delta(step)

	// Overwrites first record a deletion against the row's current block.
	if oldBI, ok := e.blockIndex[id]; ok {
		if old := e.blocks[oldBI]; old != nil {
			old.DelCount++
			if old.Loaded() {
				delete(old.Rows, id)
			}
			e.defragCand[oldBI] = struct{}{}
		}
		delete(e.blockIndex, id)
		delta.blockIndexEntries = append(delta.blockIndexEntries, biEntry{ID: id})
	}

	cur := e.currentBlockLocked()
	if cur.Size > e.opts.BlockCeiling {
		cur = e.rollBlockLocked(delta)
	}

	cur.Rows[id] = rec
	cur.AddCount++
	cur.Size += encodedSize

	delta.blockIndexEntries = append(delta.blockIndexEntries, biEntry{ID: id, BlockIndex: cur.Index})
	delta.blockListEntries = append(delta.blockListEntries, blEntry{Index: cur.Index, Exists: true})
	delta.rows = append(delta.rows, rowEntry{BlockIndex: cur.Index, ID: id, Rec: rec})
	e.blockIndex[id] = cur.Index
}

// Del records a deletion into the delta. It reports whether the id was live.
func (e *Engine) Del(id int64, step uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	bi, ok := e.blockIndex[id]
	if !ok {
		return false
	}
	if b := e.blocks[bi]; b != nil {
		b.DelCount++
		if b.Loaded() {
			delete(b.Rows, id)
		}
		e.defragCand[bi] = struct{}{}
	}
	delete(e.blockIndex, id)

	delta := e.delta(step)
	delta.blockIndexEntries = append(delta.blockIndexEntries, biEntry{ID: id})

	return true
}

// currentBlockLocked returns the current block, creating block 1 on first
// use. Caller holds e.mu.
func (e *Engine) currentBlockLocked() *Block {
	if e.currentBlockIndex > 0 {
		if b := e.blocks[e.currentBlockIndex]; b != nil {
			if !b.Loaded() {
				// The current block is pinned; this only happens after
				// recovery mishaps. Treat as empty rather than crash.
				b.Rows = map[int64]model.Record{}
			}
			return b
		}
	}
	b := &Block{Index: e.currentBlockIndex + 1, Rows: map[int64]model.Record{}}
	e.currentBlockIndex = b.Index
	e.blocks[b.Index] = b
	e.notFinalized[b.Index] = struct{}{}
	return b
}

// rollBlockLocked closes the current block for inserts and opens the next
// one. Caller holds e.mu.
func (e *Engine) rollBlockLocked(delta *Delta) *Block {
	// The outgoing current block becomes an ordinary resident block and
	// enters the eviction pipeline.
	e.loadedNew = append(e.loadedNew, e.currentBlockIndex)

	b := &Block{Index: e.currentBlockIndex + 1, Rows: map[int64]model.Record{}}
	e.currentBlockIndex = b.Index
	e.blocks[b.Index] = b
	e.notFinalized[b.Index] = struct{}{}
	delta.blockListEntries = append(delta.blockListEntries, blEntry{Index: b.Index, Exists: true})
	return b
}

// IterateIDs returns a lazy sequence over the live row ids.
func (e *Engine) IterateIDs() iter.Seq[int64] {
	return func(yield func(int64) bool) {
		e.mu.Lock()
		ids := make([]int64, 0, len(e.blockIndex))
		for id := range e.blockIndex {
			ids = append(ids, id)
		}
		e.mu.Unlock()
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

// StartUnloadTimer starts the periodic LRU pass if UnloadInterval is set.
func (e *Engine) StartUnloadTimer() {
	if e.opts.UnloadInterval <= 0 {
		return
	}
	e.unloadWG.Add(1)
	go func() {
		defer e.unloadWG.Done()
		ticker := time.NewTicker(e.opts.UnloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.unloadStop:
				return
			case <-ticker.C:
				e.unloadBlocksIfNeeded()
			}
		}
	}()
}

// Destroy halts background work. In-flight commits finish their current
// block and stop; no further async work commits afterwards.
func (e *Engine) Destroy() {
	if e.destroyed.Swap(true) {
		return
	}
	close(e.unloadStop)
	e.unloadWG.Wait()
}

// Close drains in-flight commits, stops background work and closes the
// journal appenders.
func (e *Engine) Close(ctx context.Context) error {
	// Bounded polling: wait for saving commits to drain.
	for e.saving.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	e.Destroy()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeAppendersLocked()
}

func (e *Engine) closeAppendersLocked() error {
	var errs []error
	if e.biAppender != nil {
		errs = append(errs, e.biAppender.Close())
		e.biAppender = nil
	}
	if e.blAppender != nil {
		errs = append(errs, e.blAppender.Close())
		e.blAppender = nil
	}
	return errors.Join(errs...)
}
