package table

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/jemdb/jemdb/lockqueue"
	"github.com/jemdb/jemdb/model"
	"github.com/jemdb/jemdb/query"
	"github.com/jemdb/jemdb/util"
)

const (
	// AutoShardName is the reserved generator result selecting automatic
	// shard placement.
	AutoShardName = "___auto"

	// ShardCountStep spaces the autoincrement ranges of shards so ids
	// never collide across them.
	ShardCountStep = int64(1) << 25

	metaDirName   = "meta"
	shardsDirName = "shards"

	// infoShardName is the reserved shard record holding the aggregate
	// row count of the table.
	infoShardName = ""
)

// shardRec mirrors one row of the nested shards table.
type shardRec struct {
	rowID int64  // id of the row in the shards table
	Name  string // shard id; "" is the info shard
	Num   int64  // selects the s<num> directory
	Count int64
}

func (r shardRec) record() model.Record {
	return model.Record{"name": r.Name, "num": r.Num, "count": r.Count}
}

func shardRecFrom(rec model.Record) shardRec {
	out := shardRec{}
	out.rowID, _ = rec.ID()
	if s, ok := rec["name"].(string); ok {
		out.Name = s
	}
	out.Num, _ = model.ToInt64(rec["num"])
	out.Count, _ = model.ToInt64(rec["count"])
	return out
}

// openShard is one resident shard table with its pin counters. A shard is
// closable iff lock == 0 and pers == 0.
type openShard struct {
	name  string
	num   int64
	table *Basic
	lock  int // in-flight operations pinning the shard
	pers  int // long-lived pin requested by a query
}

// Sharded coordinates many basic tables: a meta table for index specs, a
// shards table for shard records, and one s<num> directory per shard. At
// most CacheShards shard tables are open at once; openings beyond the cap
// wait on a semaphore gate until a closable shard is evicted.
type Sharded struct {
	name string
	dir  string
	opts Options

	meta   *Basic
	shards *Basic

	gate        *semaphore.Weighted
	gateWaiters atomic.Int32

	mu        sync.Mutex
	open      map[string]*openShard
	openOrder []string // FIFO admission order
	shardQs   map[string]*lockqueue.Queue
	freeNums  []int64
	autoStep  int64 // next auto_<n> suffix to probe

	specs  []IndexSpec
	closed atomic.Bool
}

var _ Table = (*Sharded)(nil)

// OpenSharded opens (or creates) a sharded table in dir.
func OpenSharded(ctx context.Context, name, dir string, opts Options) (*Sharded, error) {
	opts.normalize()
	opts.Type = TypeSharded

	if opts.Recreate {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to recreate %s: %w", name, err)
		}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create table dir: %w", err)
	}
	if err := checkTypeFile(dir, TypeSharded, opts.TypeCompatMode); err != nil {
		return nil, err
	}

	sub := opts
	sub.Recreate = false
	sub.TypeCompatMode = false

	meta, err := OpenBasic(ctx, metaDirName, filepath.Join(dir, metaDirName), sub)
	if err != nil {
		return nil, err
	}
	shards, err := OpenBasic(ctx, shardsDirName, filepath.Join(dir, shardsDirName), sub)
	if err != nil {
		_ = meta.Close(ctx)
		return nil, err
	}

	s := &Sharded{
		name:     name,
		dir:      dir,
		opts:     opts,
		meta:     meta,
		shards:   shards,
		gate:     semaphore.NewWeighted(int64(opts.CacheShards)),
		open:     map[string]*openShard{},
		shardQs:  map[string]*lockqueue.Queue{},
		autoStep: 1,
	}

	// Seed the info shard.
	if _, ok, err := s.findShardRec(ctx, infoShardName); err != nil {
		_ = s.closeNested(ctx)
		return nil, err
	} else if !ok {
		if _, err := shards.Insert(ctx, &InsertQuery{Rows: []model.Record{shardRec{Name: infoShardName}.record()}}); err != nil {
			_ = s.closeNested(ctx)
			return nil, err
		}
	}

	// Restore persisted index specs.
	specsRes, err := meta.Select(ctx, &SelectQuery{})
	if err != nil {
		_ = s.closeNested(ctx)
		return nil, err
	}
	for _, rec := range specsRes.Rows {
		field, _ := rec["field"].(string)
		kind, _ := rec["kind"].(string)
		if field != "" && kind != "" {
			s.specs = append(s.specs, IndexSpec{Field: field, Kind: IndexKind(kind)})
		}
	}

	if err := writeStateFile(dir, true); err != nil {
		_ = s.closeNested(ctx)
		return nil, err
	}

	return s, nil
}

func (s *Sharded) closeNested(ctx context.Context) error {
	return errors.Join(s.meta.Close(ctx), s.shards.Close(ctx))
}

// Name returns the table name.
func (s *Sharded) Name() string { return s.name }

// Type returns TypeSharded.
func (s *Sharded) Type() Type { return TypeSharded }

func (s *Sharded) guard() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %s", ErrClosed, s.name)
	}
	return nil
}

// Close closes every open shard and the nested tables.
func (s *Sharded) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	opened := make([]*openShard, 0, len(s.open))
	for _, sh := range s.open {
		opened = append(opened, sh)
	}
	s.open = map[string]*openShard{}
	s.openOrder = nil
	s.mu.Unlock()

	var errs []error
	for _, sh := range opened {
		errs = append(errs, sh.table.Close(ctx))
	}
	errs = append(errs, s.closeNested(ctx))
	return errors.Join(errs...)
}

// shardQ returns the per-shard mutex.
func (s *Sharded) shardQ(name string) *lockqueue.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.shardQs[name]
	if !ok {
		q = lockqueue.New()
		s.shardQs[name] = q
	}
	return q
}

// findShardRec looks a shard record up by name.
func (s *Sharded) findShardRec(ctx context.Context, name string) (shardRec, bool, error) {
	res, err := s.shards.Select(ctx, &SelectQuery{
		Where: query.Func(func(rec model.Record) bool {
			n, _ := rec["name"].(string)
			return n == name
		}),
	})
	if err != nil {
		return shardRec{}, false, err
	}
	if len(res.Rows) == 0 {
		return shardRec{}, false, nil
	}
	return shardRecFrom(res.Rows[0]), true, nil
}

// listShardRecs returns every shard record except the info shard, ordered
// by shard number.
func (s *Sharded) listShardRecs(ctx context.Context) ([]shardRec, error) {
	res, err := s.shards.Select(ctx, &SelectQuery{
		Where: query.Func(func(rec model.Record) bool {
			n, _ := rec["name"].(string)
			return n != infoShardName
		}),
	})
	if err != nil {
		return nil, err
	}
	out := make([]shardRec, 0, len(res.Rows))
	for _, rec := range res.Rows {
		out = append(out, shardRecFrom(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out, nil
}

// saveShardRec writes a shard record back.
func (s *Sharded) saveShardRec(ctx context.Context, r shardRec) error {
	rec := r.record()
	if r.rowID > 0 {
		rec["id"] = r.rowID
	}
	_, err := s.shards.Insert(ctx, &InsertQuery{Rows: []model.Record{rec}, Replace: true})
	return err
}

// bumpCounts adjusts one shard's count and the info shard total.
func (s *Sharded) bumpCounts(ctx context.Context, name string, delta int64) error {
	if delta == 0 {
		return nil
	}
	rec, ok, err := s.findShardRec(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: shard %q", ErrMissingShard, name)
	}
	rec.Count += delta
	if err := s.saveShardRec(ctx, rec); err != nil {
		return err
	}

	info, ok, err := s.findShardRec(ctx, infoShardName)
	if err != nil {
		return err
	}
	if !ok {
		info = shardRec{Name: infoShardName}
	}
	info.Count += delta
	return s.saveShardRec(ctx, info)
}

// allocNum hands out the lowest free shard number, recomputing the free
// pool from the shard records when it is empty.
func (s *Sharded) allocNum(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if len(s.freeNums) > 0 {
		num := s.freeNums[0]
		s.freeNums = s.freeNums[1:]
		s.mu.Unlock()
		return num, nil
	}
	s.mu.Unlock()

	recs, err := s.listShardRecs(ctx)
	if err != nil {
		return 0, err
	}
	used := map[int64]struct{}{}
	var max int64
	for _, r := range recs {
		used[r.Num] = struct{}{}
		if r.Num > max {
			max = r.Num
		}
	}

	var free []int64
	for n := int64(1); n <= max; n++ {
		if _, ok := used[n]; !ok {
			free = append(free, n)
		}
	}
	free = append(free, max+1)

	s.mu.Lock()
	s.freeNums = append(s.freeNums, free[1:]...)
	s.mu.Unlock()
	return free[0], nil
}

// lockShard pins a shard for use, opening it if needed. Opening past the
// cache cap first evicts a closable shard; with none closable the call
// suspends on the gate until an unlock frees one.
func (s *Sharded) lockShard(ctx context.Context, name string) (*openShard, error) {
	q := s.shardQ(name)
	if err := q.Acquire(ctx); err != nil {
		return nil, err
	}
	defer q.Release()

	s.mu.Lock()
	if sh, ok := s.open[name]; ok {
		sh.lock++
		s.mu.Unlock()
		return sh, nil
	}
	s.mu.Unlock()

	// Make room before taking a gate unit.
	s.evictClosable(ctx)

	s.gateWaiters.Add(1)
	err := s.gate.Acquire(ctx, 1)
	s.gateWaiters.Add(-1)
	if err != nil {
		return nil, err
	}

	sh, err := s.openShardTable(ctx, name)
	if err != nil {
		s.gate.Release(1)
		return nil, err
	}

	s.mu.Lock()
	sh.lock = 1
	s.open[name] = sh
	s.openOrder = append(s.openOrder, name)
	s.mu.Unlock()

	return sh, nil
}

// openShardTable opens the shard's basic table, allocating a shard record
// for a new shard and seeding the autoincrement into the shard's id range.
func (s *Sharded) openShardTable(ctx context.Context, name string) (*openShard, error) {
	rec, ok, err := s.findShardRec(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		num, err := s.allocNum(ctx)
		if err != nil {
			return nil, err
		}
		rec = shardRec{Name: name, Num: num}
		if err := s.saveShardRec(ctx, rec); err != nil {
			return nil, err
		}
	}

	sub := s.opts
	sub.Recreate = false
	shardName := fmt.Sprintf("s%d", rec.Num)
	tbl, err := OpenBasic(ctx, shardName, filepath.Join(s.dir, shardName), sub)
	if err != nil {
		return nil, err
	}
	tbl.SetAutoIncrement(rec.Num * ShardCountStep)

	s.mu.Lock()
	specs := append([]IndexSpec(nil), s.specs...)
	s.mu.Unlock()
	for _, spec := range specs {
		if err := tbl.Create(ctx, spec); err != nil {
			_ = tbl.Close(ctx)
			return nil, err
		}
	}

	return &openShard{name: name, num: rec.Num, table: tbl}, nil
}

// unlockShard drops an in-flight pin and optionally adjusts the persistent
// pin. If gate waiters exist and the shard became closable, the cache is
// compacted right away so a waiter can proceed.
func (s *Sharded) unlockShard(ctx context.Context, name string, persistent *bool) {
	s.mu.Lock()
	sh, ok := s.open[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	sh.lock--
	if persistent != nil {
		if *persistent {
			sh.pers = 1
		} else {
			sh.pers = 0
		}
	}
	s.mu.Unlock()

	if s.gateWaiters.Load() > 0 {
		s.evictClosable(ctx)
	}
}

// evictClosable closes one closable shard in FIFO admission order when the
// cache is at capacity, releasing its gate unit.
func (s *Sharded) evictClosable(ctx context.Context) {
	s.mu.Lock()
	if len(s.open) < s.opts.CacheShards {
		s.mu.Unlock()
		return
	}
	var victim *openShard
	for i, name := range s.openOrder {
		sh := s.open[name]
		if sh != nil && sh.lock == 0 && sh.pers == 0 {
			victim = sh
			s.openOrder = append(s.openOrder[:i], s.openOrder[i+1:]...)
			delete(s.open, name)
			break
		}
	}
	s.mu.Unlock()
	if victim == nil {
		return
	}

	if err := victim.table.Close(ctx); err != nil {
		s.opts.Logger.Error("failed to close shard", "table", s.name, "shard", victim.name, "error", err)
	}
	s.gate.Release(1)
}

// Create declares a secondary index, persists its spec in the meta table
// and applies it to every open shard. Unique specs are rejected.
func (s *Sharded) Create(ctx context.Context, spec IndexSpec) error {
	if err := s.guard(); err != nil {
		return err
	}
	if spec.Unique {
		return fmt.Errorf("%w: %s/%s", ErrUniqueUnsupported, spec.Kind, spec.Field)
	}

	if _, err := s.meta.Insert(ctx, &InsertQuery{Rows: []model.Record{{
		"field": spec.Field,
		"kind":  string(spec.Kind),
	}}}); err != nil {
		return err
	}

	s.mu.Lock()
	s.specs = append(s.specs, spec)
	opened := make([]*openShard, 0, len(s.open))
	for _, sh := range s.open {
		opened = append(opened, sh)
	}
	s.mu.Unlock()

	for _, sh := range opened {
		if err := sh.table.Create(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// DropIndex removes a secondary index from the meta table and every open
// shard.
func (s *Sharded) DropIndex(ctx context.Context, spec IndexSpec) error {
	if err := s.guard(); err != nil {
		return err
	}

	if _, err := s.meta.Delete(ctx, &DeleteQuery{
		Where: query.Func(func(rec model.Record) bool {
			f, _ := rec["field"].(string)
			k, _ := rec["kind"].(string)
			return f == spec.Field && k == string(spec.Kind)
		}),
	}); err != nil {
		return err
	}

	s.mu.Lock()
	for i, sp := range s.specs {
		if sp.Field == spec.Field && sp.Kind == spec.Kind {
			s.specs = append(s.specs[:i], s.specs[i+1:]...)
			break
		}
	}
	opened := make([]*openShard, 0, len(s.open))
	for _, sh := range s.open {
		opened = append(opened, sh)
	}
	s.mu.Unlock()

	for _, sh := range opened {
		if err := sh.table.DropIndex(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// Insert routes rows to shards. Rows without a shard field go through the
// generator expression; the reserved result "___auto" picks or creates a
// shard below the auto-shard fill target. Explicit ids are rejected.
func (s *Sharded) Insert(ctx context.Context, q *InsertQuery) (*InsertResult, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if q == nil || len(q.Rows) == 0 {
		return &InsertResult{}, nil
	}

	var gen *query.Expr
	if q.ShardGen != "" && q.ShardGen != AutoShardName {
		parsed, err := query.ParseExpr(q.ShardGen)
		if err != nil {
			return nil, err
		}
		gen = parsed
	}

	// Shard records created by automatic placement earlier in this batch
	// are not yet persisted, so routing works on an overlay of in-batch
	// counts and minted names.
	overlay := map[string]int64{}
	var minted []string
	byShard := map[string][]model.Record{}
	var order []string

	for _, in := range q.Rows {
		if _, hasID := in.ID(); hasID {
			return nil, ErrExplicitID
		}
		cloned, _ := util.DeepClone(map[string]any(in)).(map[string]any)
		row := model.Record(cloned)

		shard, _ := row["shard"].(string)
		delete(row, "shard")
		if shard == "" {
			if gen != nil {
				v, err := gen.Eval(row, nil)
				if err != nil {
					return nil, err
				}
				shard, _ = v.(string)
			} else if q.ShardGen == AutoShardName {
				shard = AutoShardName
			}
		}
		if shard == "" {
			return nil, fmt.Errorf("%w: row has no shard and no generator", ErrMissingShard)
		}
		if shard == AutoShardName {
			picked, wasMinted, err := s.pickAutoShard(ctx, overlay, minted)
			if err != nil {
				return nil, err
			}
			if wasMinted {
				minted = append(minted, picked)
			}
			shard = picked
		}

		if _, ok := byShard[shard]; !ok {
			order = append(order, shard)
		}
		byShard[shard] = append(byShard[shard], row)
		overlay[shard]++
	}

	res := &InsertResult{}
	for _, shard := range order {
		sh, err := s.lockShard(ctx, shard)
		if err != nil {
			return nil, err
		}
		sub, err := sh.table.Insert(ctx, &InsertQuery{Rows: byShard[shard]})
		if err == nil {
			err = s.bumpCounts(ctx, shard, sub.Inserted)
		}
		s.unlockShard(ctx, shard, nil)
		if err != nil {
			return nil, err
		}
		res.Inserted += sub.Inserted
		res.Replaced += sub.Replaced
		res.LastInsertID = sub.LastInsertID
	}

	return res, nil
}

// pickAutoShard returns a shard with room below the fill target,
// preferring currently opened shards, then existing shards, then the names
// minted earlier in this batch, finally creating the next auto_<n>.
func (s *Sharded) pickAutoShard(ctx context.Context, overlay map[string]int64, minted []string) (string, bool, error) {
	recs, err := s.listShardRecs(ctx)
	if err != nil {
		return "", false, err
	}
	counts := map[string]int64{}
	for _, r := range recs {
		counts[r.Name] = r.Count
	}
	for name, n := range overlay {
		counts[name] += n
	}

	s.mu.Lock()
	openNames := append([]string(nil), s.openOrder...)
	s.mu.Unlock()
	for _, name := range openNames {
		if c, ok := counts[name]; ok && c < s.opts.AutoShardSize {
			return name, false, nil
		}
	}
	for _, r := range recs {
		if counts[r.Name] < s.opts.AutoShardSize {
			return r.Name, false, nil
		}
	}
	for _, name := range minted {
		if counts[name] < s.opts.AutoShardSize {
			return name, false, nil
		}
	}

	// Everything is full; mint the next free auto_<n> name.
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		name := fmt.Sprintf("auto_%d", s.autoStep)
		s.autoStep++
		if c, taken := counts[name]; !taken || c < s.opts.AutoShardSize {
			return name, true, nil
		}
	}
}

// shardList resolves the shards an operation touches: the explicit list,
// the shard-record predicate, or every shard. Opened shards sort first.
func (s *Sharded) shardList(ctx context.Context, names []string, where query.Where) ([]string, error) {
	var out []string
	if len(names) > 0 {
		out = append(out, names...)
	} else {
		recs, err := s.listShardRecs(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if where != nil {
				ok, err := query.Matches(where, r.record())
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			out = append(out, r.Name)
		}
	}

	s.mu.Lock()
	openSet := map[string]bool{}
	for name := range s.open {
		openSet[name] = true
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return openSet[out[i]] && !openSet[out[j]]
	})
	return out, nil
}

// Select fans out over the resolved shards, opened shards first, and
// concatenates the per-shard results. Limit and offset apply to the
// concatenation, not globally per shard.
func (s *Sharded) Select(ctx context.Context, q *SelectQuery) (*SelectResult, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if q == nil {
		q = &SelectQuery{}
	}

	shardNames, err := s.shardList(ctx, q.Shards, q.ShardWhere)
	if err != nil {
		return nil, err
	}

	res := &SelectResult{}
	var rows []model.Record
	for _, name := range shardNames {
		sh, err := s.lockShard(ctx, name)
		if err != nil {
			return nil, err
		}
		sub, err := sh.table.Select(ctx, &SelectQuery{Where: q.Where, Count: q.Count})
		s.unlockShard(ctx, name, q.Persistent)
		if err != nil {
			return nil, err
		}
		res.Count += sub.Count
		rows = append(rows, sub.Rows...)
	}

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

// Update fans out naively over every shard, opened shards first.
func (s *Sharded) Update(ctx context.Context, q *UpdateQuery) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if q == nil || q.Mod == nil {
		return 0, fmt.Errorf("update requires a mod expression")
	}

	shardNames, err := s.shardList(ctx, nil, nil)
	if err != nil {
		return 0, err
	}

	var updated int64
	for _, name := range shardNames {
		sh, err := s.lockShard(ctx, name)
		if err != nil {
			return updated, err
		}
		n, err := sh.table.Update(ctx, &UpdateQuery{Where: q.Where, Mod: q.Mod})
		s.unlockShard(ctx, name, nil)
		if err != nil {
			return updated, err
		}
		updated += n
	}
	return updated, nil
}

// Delete fans out over every shard, keeps the shard counts and the
// info-shard total in step, drops shards emptied by the deletion and
// resets the auto-shard cursor so automatic placement refills the holes.
func (s *Sharded) Delete(ctx context.Context, q *DeleteQuery) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if q == nil {
		q = &DeleteQuery{}
	}

	shardNames, err := s.shardList(ctx, nil, nil)
	if err != nil {
		return 0, err
	}

	var deleted int64
	var emptied []string
	for _, name := range shardNames {
		sh, err := s.lockShard(ctx, name)
		if err != nil {
			return deleted, err
		}
		n, err := sh.table.Delete(ctx, &DeleteQuery{Where: q.Where})
		if err == nil && n > 0 {
			err = s.bumpCounts(ctx, name, -n)
		}
		var remaining int64
		if err == nil {
			remaining, err = sh.table.Count(ctx)
		}
		s.unlockShard(ctx, name, nil)
		if err != nil {
			return deleted, err
		}
		deleted += n
		if n > 0 && remaining == 0 {
			emptied = append(emptied, name)
		}
	}

	for _, name := range emptied {
		if err := s.dropShard(ctx, name); err != nil {
			return deleted, err
		}
	}
	if deleted > 0 {
		s.mu.Lock()
		s.autoStep = 1
		s.mu.Unlock()
	}

	return deleted, nil
}

// dropShard retires an empty shard: closes it if open, removes its
// directory and shard record, and returns its number to the free pool.
func (s *Sharded) dropShard(ctx context.Context, name string) error {
	q := s.shardQ(name)
	if err := q.Acquire(ctx); err != nil {
		return err
	}
	defer q.Release()

	s.mu.Lock()
	sh, opened := s.open[name]
	if opened {
		if sh.lock > 0 || sh.pers > 0 {
			s.mu.Unlock()
			return nil // pinned; leave it for a later pass
		}
		delete(s.open, name)
		for i, n := range s.openOrder {
			if n == name {
				s.openOrder = append(s.openOrder[:i], s.openOrder[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if opened {
		if err := sh.table.Close(ctx); err != nil {
			return err
		}
		s.gate.Release(1)
	}

	rec, ok, err := s.findShardRec(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(s.dir, fmt.Sprintf("s%d", rec.Num))); err != nil {
		return err
	}
	if _, err := s.shards.Delete(ctx, &DeleteQuery{Where: query.IDs(rec.rowID)}); err != nil {
		return err
	}

	s.mu.Lock()
	s.freeNums = append(s.freeNums, rec.Num)
	sort.Slice(s.freeNums, func(i, j int) bool { return s.freeNums[i] < s.freeNums[j] })
	s.mu.Unlock()
	return nil
}

// Clone writes a filtered copy of the table into targetDir, shard by
// shard. Row ids are reassigned in the copy.
func (s *Sharded) Clone(ctx context.Context, targetDir string, filter query.Where) error {
	if err := s.guard(); err != nil {
		return err
	}

	opts := s.opts
	opts.Recreate = true
	target, err := OpenSharded(ctx, s.name, targetDir, opts)
	if err != nil {
		return err
	}
	defer func() { _ = target.Close(ctx) }()

	s.mu.Lock()
	specs := append([]IndexSpec(nil), s.specs...)
	s.mu.Unlock()
	for _, spec := range specs {
		if err := target.Create(ctx, spec); err != nil {
			return err
		}
	}

	recs, err := s.listShardRecs(ctx)
	if err != nil {
		return err
	}
	for _, r := range recs {
		sh, err := s.lockShard(ctx, r.Name)
		if err != nil {
			return err
		}
		sub, err := sh.table.Select(ctx, &SelectQuery{Where: filter})
		s.unlockShard(ctx, r.Name, nil)
		if err != nil {
			return err
		}
		if len(sub.Rows) == 0 {
			continue
		}
		for _, row := range sub.Rows {
			delete(row, "id")
			row["shard"] = r.Name
		}
		if _, err := target.Insert(ctx, &InsertQuery{Rows: sub.Rows}); err != nil {
			return err
		}
	}
	return nil
}

// MarkCorrupted flags the nested shards table and closes the coordinator.
func (s *Sharded) MarkCorrupted(ctx context.Context, cause error) error {
	s.shards.engine.MarkFailed(cause)
	return s.Close(ctx)
}

// Meta returns a snapshot description including the aggregate row count
// from the info shard.
func (s *Sharded) Meta(ctx context.Context) (*Meta, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	specs := append([]IndexSpec(nil), s.specs...)
	s.mu.Unlock()
	return &Meta{Name: s.name, Type: TypeSharded, Count: count, Indexes: specs}, nil
}

// Count returns the info shard's aggregate row count.
func (s *Sharded) Count(ctx context.Context) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	info, ok, err := s.findShardRec(ctx, infoShardName)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return info.Count, nil
}

// OpenedShards lists the currently open shard names in admission order.
func (s *Sharded) OpenedShards() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.openOrder...)
}
