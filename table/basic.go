package table

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/jemdb/jemdb/lockqueue"
	"github.com/jemdb/jemdb/model"
	"github.com/jemdb/jemdb/query"
	"github.com/jemdb/jemdb/storage"
	"github.com/jemdb/jemdb/util"
)

// Basic is the disk-backed table: row persistence through the storage
// engine plus in-memory secondary indexes. Write operations are serialized
// through a lock queue; every write batch commits one delta step.
type Basic struct {
	name string
	dir  string
	opts Options

	engine *storage.Engine
	writeQ *lockqueue.Queue

	mu  sync.Mutex // guards idx
	idx *indexSet

	autoinc   atomic.Int64
	deltaStep atomic.Uint64
	closed    atomic.Bool
}

var _ Table = (*Basic)(nil)

// OpenBasic opens (or creates) a basic table in dir.
func OpenBasic(ctx context.Context, name, dir string, opts Options) (*Basic, error) {
	opts.normalize()
	opts.Type = TypeBasic

	if opts.Recreate {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to recreate %s: %w", name, err)
		}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create table dir: %w", err)
	}
	if err := checkTypeFile(dir, TypeBasic, opts.TypeCompatMode); err != nil {
		return nil, err
	}

	corrupted, err := readStateFile(dir)
	if err != nil {
		return nil, err
	}
	if corrupted && !opts.AutoRepair {
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, name)
	}

	t := &Basic{
		name:   name,
		dir:    dir,
		opts:   opts,
		writeQ: lockqueue.New(),
		idx:    newIndexSet(),
	}
	newEngine := func() *storage.Engine {
		return storage.New(dir, func(o *storage.Options) {
			o.Compression = opts.Compressed
			o.LoadedBlocksLimit = opts.CacheSize
			o.ForceFileClosing = opts.ForceFileClosing
			o.UnloadInterval = opts.UnloadInterval
			o.Codec = opts.Codec
			o.Controller = opts.Controller
			o.Logger = opts.Logger
			if opts.BlockCeiling > 0 {
				o.BlockCeiling = opts.BlockCeiling
			}
		})
	}
	t.engine = newEngine()

	var seed int64
	if corrupted {
		seed, err = t.engine.LoadCorrupted(ctx)
	} else {
		seed, err = t.engine.Load(ctx)
		if err != nil && opts.AutoRepair {
			opts.Logger.Warn("load failed, entering repair", "table", name, "error", err)
			t.engine.Destroy()
			t.engine = newEngine()
			seed, err = t.engine.LoadCorrupted(ctx)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load table %s: %w", name, err)
	}
	t.autoinc.Store(seed)

	if err := writeStateFile(dir, true); err != nil {
		return nil, err
	}

	return t, nil
}

func checkTypeFile(dir string, want Type, compat bool) error {
	path := filepath.Join(dir, TypeFileName)
	raw, err := os.ReadFile(path) //nolint:gosec // table-owned path
	if os.IsNotExist(err) {
		return os.WriteFile(path, []byte(want), 0o600)
	}
	if err != nil {
		return err
	}
	got := Type(strings.TrimSpace(string(raw)))
	if got != want && !compat {
		return fmt.Errorf("%w: disk says %q, requested %q", ErrTypeMismatch, got, want)
	}
	return nil
}

func readStateFile(dir string) (corrupted bool, err error) {
	raw, err := os.ReadFile(filepath.Join(dir, storage.StateFileName)) //nolint:gosec // table-owned path
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(raw)) == "0", nil
}

func writeStateFile(dir string, clean bool) error {
	v := "1"
	if !clean {
		v = "0"
	}
	return os.WriteFile(filepath.Join(dir, storage.StateFileName), []byte(v), 0o600)
}

// Name returns the table name.
func (t *Basic) Name() string { return t.name }

// Type returns TypeBasic.
func (t *Basic) Type() Type { return TypeBasic }

// Dir returns the table directory.
func (t *Basic) Dir() string { return t.dir }

func (t *Basic) guard() error {
	if t.closed.Load() {
		return fmt.Errorf("%w: %s", ErrClosed, t.name)
	}
	if err := t.engine.FileError(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, t.name, err)
	}
	return nil
}

// Close drains pending work and closes the storage engine.
func (t *Basic) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.engine.Close(ctx)
}

// Create declares a secondary index and builds it from the current rows.
func (t *Basic) Create(ctx context.Context, spec IndexSpec) error {
	if err := t.guard(); err != nil {
		return err
	}
	return t.writeQ.Do(ctx, func() error {
		t.mu.Lock()
		if err := t.idx.create(spec); err != nil {
			t.mu.Unlock()
			return err
		}
		t.mu.Unlock()

		for id := range t.engine.IterateIDs() {
			rec, ok, err := t.engine.Get(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			t.mu.Lock()
			t.idx.add(id, rec)
			t.mu.Unlock()
		}
		return nil
	})
}

// DropIndex removes a secondary index.
func (t *Basic) DropIndex(ctx context.Context, spec IndexSpec) error {
	if err := t.guard(); err != nil {
		return err
	}
	return t.writeQ.Do(ctx, func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.idx.drop(spec)
	})
}

// Insert inserts a batch of rows in one delta step.
func (t *Basic) Insert(ctx context.Context, q *InsertQuery) (*InsertResult, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	if q == nil || len(q.Rows) == 0 {
		return &InsertResult{}, nil
	}

	res := &InsertResult{}
	err := t.writeQ.Do(ctx, func() error {
		type planned struct {
			id      int64
			rec     model.Record
			replace bool
			prev    model.Record
		}

		plan := make([]planned, 0, len(q.Rows))
		batchIDs := map[int64]struct{}{}
		for _, in := range q.Rows {
			row, err := normalizeRecord(t.opts.Codec, in)
			if err != nil {
				return err
			}

			var id int64
			if explicit, ok := row.ID(); ok {
				id = explicit
				if id >= t.autoinc.Load() {
					t.autoinc.Store(id + 1)
				}
			} else {
				id = t.autoinc.Add(1) - 1
			}
			row["id"] = id

			_, inBatch := batchIDs[id]
			exists := inBatch || t.engine.Has(id)
			if exists {
				switch {
				case q.Ignore:
					continue
				case q.Replace:
				default:
					return fmt.Errorf("%w: id %d", ErrRowExists, id)
				}
			}

			p := planned{id: id, rec: row, replace: exists}
			if exists && !inBatch {
				prev, ok, err := t.engine.Get(ctx, id)
				if err != nil {
					return err
				}
				if ok {
					p.prev = prev
				}
			}

			exclude := int64(-1)
			if exists {
				exclude = id
			}
			t.mu.Lock()
			uerr := t.idx.checkUnique(row, exclude)
			t.mu.Unlock()
			if uerr != nil {
				return uerr
			}

			batchIDs[id] = struct{}{}
			plan = append(plan, p)
		}

		step := t.deltaStep.Add(1)
		for _, p := range plan {
			enc, err := t.opts.Codec.Marshal([]any{p.id, p.rec})
			if err != nil {
				t.engine.CancelDelta(step)
				return err
			}

			t.mu.Lock()
			if p.prev != nil {
				t.idx.remove(p.id, p.prev)
			}
			t.idx.add(p.id, p.rec)
			t.mu.Unlock()

			t.engine.Set(p.id, p.rec, int64(len(enc)), step)
			if p.replace {
				res.Replaced++
			} else {
				res.Inserted++
			}
			res.LastInsertID = p.id
		}

		return t.engine.CommitDelta(ctx, step)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Select evaluates a read query.
func (t *Basic) Select(ctx context.Context, q *SelectQuery) (*SelectResult, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	if q == nil {
		q = &SelectQuery{}
	}

	rows, err := t.selectRows(ctx, q.Where, 0)
	if err != nil {
		return nil, err
	}

	res := &SelectResult{Count: int64(len(rows))}
	if q.Count {
		return res, nil
	}

	if err := q.Sort.Apply(rows); err != nil {
		return nil, err
	}
	rows = sliceRows(rows, q.Offset, q.Limit)
	rows, err = projectRows(rows, q.Map, q.Group)
	if err != nil {
		return nil, err
	}

	res.Rows = rows
	return res, nil
}

// selectRows fetches matching rows (deep-cloned). limit 0 means unlimited.
func (t *Basic) selectRows(ctx context.Context, where query.Where, limit int) ([]model.Record, error) {
	ids, residual, err := t.planWhere(where)
	if err != nil {
		return nil, err
	}

	var rows []model.Record
	for _, id := range ids {
		rec, ok, err := t.engine.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if residual {
			match, err := query.Matches(where, rec)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		cloned, _ := util.DeepClone(map[string]any(rec)).(map[string]any)
		rows = append(rows, model.Record(cloned))
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// planWhere resolves a predicate to candidate ids and whether the
// predicate must still be evaluated per row. Structural predicates with a
// matching index resolve without a table scan.
func (t *Basic) planWhere(where query.Where) ([]int64, bool, error) {
	switch p := where.(type) {
	case nil, query.All:
		return t.allIDs(), false, nil
	case query.IDSet:
		ids := make([]int64, 0, p.IDs.GetCardinality())
		it := p.IDs.Iterator()
		for it.HasNext() {
			id := int64(it.Next())
			if t.engine.Has(id) {
				ids = append(ids, id)
			}
		}
		return ids, false, nil
	case query.IndexRange:
		t.mu.Lock()
		defer t.mu.Unlock()
		// A point query prefers the hash index, a [true,true] range on a
		// flagged field resolves from the flag bitmap, anything else goes
		// to the range index.
		if p.Lo != nil && p.Hi != nil && indexKey(p.Lo) == indexKey(p.Hi) {
			if eq, ok := p.Lo.(bool); ok && eq {
				if bm, ok := t.idx.lookupFlag(p.Field); ok {
					return bitmapIDs(bm), false, nil
				}
			}
			if bm, ok := t.idx.lookupHash(p.Field, p.Lo); ok {
				return bitmapIDs(bm), false, nil
			}
		}
		if bm, ok := t.idx.lookupRange(p); ok {
			return bitmapIDs(bm), false, nil
		}
		return t.allIDs(), true, nil
	default:
		return t.allIDs(), true, nil
	}
}

func (t *Basic) allIDs() []int64 {
	var ids []int64
	for id := range t.engine.IterateIDs() {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func bitmapIDs(bm *roaring64.Bitmap) []int64 {
	ids := make([]int64, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		ids = append(ids, int64(it.Next()))
	}
	return ids
}

func sliceRows(rows []model.Record, offset, limit int) []model.Record {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// projectRows applies the optional map projection and grouping.
func projectRows(rows []model.Record, mapExpr, groupExpr *query.Expr) ([]model.Record, error) {
	if mapExpr != nil {
		out := make([]model.Record, 0, len(rows))
		for _, rec := range rows {
			v, err := mapExpr.Eval(rec, nil)
			if err != nil {
				return nil, err
			}
			if m, ok := v.(map[string]any); ok {
				out = append(out, model.Record(m))
			} else {
				out = append(out, model.Record{"value": v})
			}
		}
		rows = out
	}

	if groupExpr != nil {
		order := []any{}
		groups := map[string][]model.Record{}
		keys := map[string]any{}
		for _, rec := range rows {
			k, err := groupExpr.Eval(rec, nil)
			if err != nil {
				return nil, err
			}
			ks := fmt.Sprintf("%v", k)
			if _, ok := groups[ks]; !ok {
				order = append(order, ks)
				keys[ks] = k
			}
			groups[ks] = append(groups[ks], rec)
		}
		out := make([]model.Record, 0, len(order))
		for _, ko := range order {
			ks := ko.(string)
			rowsAny := make([]any, len(groups[ks]))
			for i, r := range groups[ks] {
				rowsAny[i] = map[string]any(r)
			}
			out = append(out, model.Record{"key": keys[ks], "rows": rowsAny})
		}
		rows = out
	}

	return rows, nil
}

// Update applies the mod expression to matching rows in one delta step.
func (t *Basic) Update(ctx context.Context, q *UpdateQuery) (int64, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	if q == nil || q.Mod == nil {
		return 0, fmt.Errorf("update requires a mod expression")
	}

	var updated int64
	err := t.writeQ.Do(ctx, func() error {
		rows, err := t.selectRows(ctx, q.Where, q.Limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		step := t.deltaStep.Add(1)
		for _, rec := range rows {
			id, _ := rec.ID()
			prev, ok, err := t.engine.Get(ctx, id)
			if err != nil {
				t.engine.CancelDelta(step)
				return err
			}
			if !ok {
				continue
			}
			if err := q.Mod.Apply(rec); err != nil {
				t.engine.CancelDelta(step)
				return err
			}

			t.mu.Lock()
			uerr := t.idx.checkUnique(rec, id)
			t.mu.Unlock()
			if uerr != nil {
				t.engine.CancelDelta(step)
				return uerr
			}

			enc, err := t.opts.Codec.Marshal([]any{id, rec})
			if err != nil {
				t.engine.CancelDelta(step)
				return err
			}

			t.mu.Lock()
			t.idx.remove(id, prev)
			t.idx.add(id, rec)
			t.mu.Unlock()

			t.engine.Set(id, rec, int64(len(enc)), step)
			updated++
		}

		return t.engine.CommitDelta(ctx, step)
	})
	return updated, err
}

// Delete removes matching rows in one delta step.
func (t *Basic) Delete(ctx context.Context, q *DeleteQuery) (int64, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	if q == nil {
		q = &DeleteQuery{}
	}

	var deleted int64
	err := t.writeQ.Do(ctx, func() error {
		rows, err := t.selectRows(ctx, q.Where, q.Limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		step := t.deltaStep.Add(1)
		for _, rec := range rows {
			id, _ := rec.ID()
			if !t.engine.Del(id, step) {
				continue
			}
			t.mu.Lock()
			t.idx.remove(id, rec)
			t.mu.Unlock()
			deleted++
		}

		return t.engine.CommitDelta(ctx, step)
	})
	return deleted, err
}

// Clone writes a filtered copy of the table into targetDir, preserving
// row ids and index specs. The copy is closed on return.
func (t *Basic) Clone(ctx context.Context, targetDir string, filter query.Where) error {
	if err := t.guard(); err != nil {
		return err
	}

	opts := t.opts
	opts.Recreate = true
	target, err := OpenBasic(ctx, t.name, targetDir, opts)
	if err != nil {
		return err
	}
	defer func() { _ = target.Close(ctx) }()

	t.mu.Lock()
	specs := t.idx.specs()
	t.mu.Unlock()
	for _, spec := range specs {
		if err := target.Create(ctx, spec); err != nil {
			return err
		}
	}

	rows, err := t.selectRows(ctx, filter, 0)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	_, err = target.Insert(ctx, &InsertQuery{Rows: rows, Replace: true})
	return err
}

// MarkCorrupted forces the table into the sticky error state and closes it.
func (t *Basic) MarkCorrupted(ctx context.Context, cause error) error {
	t.engine.MarkFailed(cause)
	return t.Close(ctx)
}

// Meta returns a snapshot description of the table.
func (t *Basic) Meta(ctx context.Context) (*Meta, error) {
	t.mu.Lock()
	specs := t.idx.specs()
	t.mu.Unlock()
	return &Meta{
		Name:    t.name,
		Type:    TypeBasic,
		Count:   t.engine.Count(),
		Indexes: specs,
	}, nil
}

// Count returns the number of live rows.
func (t *Basic) Count(ctx context.Context) (int64, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	return t.engine.Count(), nil
}

// SetAutoIncrement raises the autoincrement seed; the sharded coordinator
// uses it to place each shard in its own id range.
func (t *Basic) SetAutoIncrement(seed int64) {
	if seed > t.autoinc.Load() {
		t.autoinc.Store(seed)
	}
}

// NextAutoIncrement returns the next id Insert would allocate.
func (t *Basic) NextAutoIncrement() int64 { return t.autoinc.Load() }

// PendingDeltas reports uncommitted delta steps, for Flush-style drains.
func (t *Basic) PendingDeltas() int { return t.engine.PendingDeltas() }
