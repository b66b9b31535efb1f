// Package jemdb is an embedded, document-oriented database engine. It
// persists schemaless records as append-only block files with in-memory
// indexes, per-field secondary indexes and a predicate query surface.
//
// A Database manages a directory of tables under an exclusive file lock.
// Tables come in three flavors: disk-backed basic tables, in-memory tables
// with the same contract, and sharded tables fanning out over many basic
// tables.
package jemdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jemdb/jemdb/flock"
	"github.com/jemdb/jemdb/lockqueue"
	"github.com/jemdb/jemdb/model"
	"github.com/jemdb/jemdb/query"
	"github.com/jemdb/jemdb/resource"
	"github.com/jemdb/jemdb/table"
	"github.com/jemdb/jemdb/util"
)

// temporaryInfix marks directories of in-flight truncations; OpenAll skips
// them and TableExists treats them as absent.
const temporaryInfix = "___temporary_"

// Database owns a directory of tables.
type Database struct {
	path string
	opts Options

	lock       *flock.Lock
	controller *resource.Controller
	logger     *Logger

	mu      sync.Mutex
	tables  map[string]table.Table
	tableQs map[string]*lockqueue.Queue

	mon    *monitor
	closed atomic.Bool
}

// Open opens a database directory under the file lock.
func Open(optFns ...func(o *Options)) (*Database, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.normalize()

	if opts.Path == "" {
		return nil, fmt.Errorf("%w: Path", ErrMissingParameter)
	}

	if _, err := os.Stat(opts.Path); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if !opts.Create {
			return nil, fmt.Errorf("database directory %s does not exist", opts.Path)
		}
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, err
		}
	}

	mode := flock.ModeHard
	switch {
	case opts.IgnoreLock:
		mode = flock.ModeIgnore
	case opts.SoftLock:
		mode = flock.ModeSoft
	}
	lock, err := flock.Acquire(opts.Path, mode, func(o *flock.Options) {
		o.Logger = opts.Logger.Logger
	})
	if err != nil {
		return nil, translateError(err)
	}

	db := &Database{
		path:       opts.Path,
		opts:       opts,
		lock:       lock,
		controller: resource.NewController(opts.Resources),
		logger:     opts.Logger,
		tables:     map[string]table.Table{},
		tableQs:    map[string]*lockqueue.Queue{},
	}

	if opts.Monitoring.Enable {
		db.mon = newMonitor(db, opts.Monitoring)
	}

	db.logger.Info("database opened", "path", opts.Path)
	return db, nil
}

// Path returns the database directory.
func (db *Database) Path() string { return db.path }

func (db *Database) guard() error {
	if db.closed.Load() {
		return ErrDatabaseClosed
	}
	return nil
}

// Close closes every open table, stops monitoring and releases the
// directory lock.
func (db *Database) Close(ctx context.Context) error {
	if db.closed.Swap(true) {
		return nil
	}
	if db.mon != nil {
		db.mon.stop()
	}

	db.mu.Lock()
	tables := make([]table.Table, 0, len(db.tables))
	for _, t := range db.tables {
		tables = append(tables, t)
	}
	db.tables = map[string]table.Table{}
	db.mu.Unlock()

	var errs []error
	for _, t := range tables {
		errs = append(errs, t.Close(ctx))
	}
	errs = append(errs, db.lock.Release())
	db.logger.Info("database closed", "path", db.path)
	return errors.Join(errs...)
}

// tableQ returns the per-table lock queue serializing lifecycle
// operations.
func (db *Database) tableQ(name string) *lockqueue.Queue {
	db.mu.Lock()
	defer db.mu.Unlock()
	q, ok := db.tableQs[name]
	if !ok {
		if db.opts.MaxWaiters > 0 {
			q = lockqueue.New(lockqueue.WithMaxWaiters(db.opts.MaxWaiters))
		} else {
			q = lockqueue.New()
		}
		db.tableQs[name] = q
	}
	return q
}

func (db *Database) tableDir(name string) string {
	return filepath.Join(db.path, name)
}

// mergeTableOptions layers per-call option mutators over the database
// table defaults.
func (db *Database) mergeTableOptions(optFns ...func(o *table.Options)) table.Options {
	opts := db.opts.TableDefaults
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = db.logger.Logger
	}
	if opts.Controller == nil {
		opts.Controller = db.controller
	}
	return opts
}

// lookup returns an open table.
func (db *Database) lookup(name string) (table.Table, error) {
	db.mu.Lock()
	t, ok := db.tables[name]
	db.mu.Unlock()
	if !ok {
		exists, err := db.dirExists(name)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrTableNotOpen, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t, nil
}

func (db *Database) dirExists(name string) (bool, error) {
	if strings.Contains(name, temporaryInfix) {
		return false, nil
	}
	return util.PathExists(db.tableDir(name))
}

// TableExists reports whether a table is open or present on disk.
func (db *Database) TableExists(ctx context.Context, name string) (bool, error) {
	if err := db.guard(); err != nil {
		return false, err
	}
	db.mu.Lock()
	_, open := db.tables[name]
	db.mu.Unlock()
	if open {
		return true, nil
	}
	return db.dirExists(name)
}

// openTable instantiates the right table flavor for a directory.
func (db *Database) openTable(ctx context.Context, name string, opts table.Options) (table.Table, error) {
	// An existing type file wins over the requested flavor.
	raw, err := os.ReadFile(filepath.Join(db.tableDir(name), table.TypeFileName)) //nolint:gosec // db-owned path
	if err == nil {
		opts.Type = table.Type(strings.TrimSpace(string(raw)))
	}

	switch opts.Type {
	case table.TypeMemory:
		return table.OpenMemory(name, opts), nil
	case table.TypeSharded:
		return table.OpenSharded(ctx, name, db.tableDir(name), opts)
	default:
		return table.OpenBasic(ctx, name, db.tableDir(name), opts)
	}
}

// OpenTable opens an existing table and registers it in the table map.
func (db *Database) OpenTable(ctx context.Context, name string, optFns ...func(o *table.Options)) (t table.Table, err error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	defer db.observe(ctx, "openTable", name, &err)()

	db.mu.Lock()
	if existing, ok := db.tables[name]; ok {
		db.mu.Unlock()
		return existing, nil
	}
	db.mu.Unlock()

	exists, err := db.dirExists(name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	t, err = db.openTable(ctx, name, db.mergeTableOptions(optFns...))
	if err != nil {
		err = translateError(err)
		return nil, err
	}

	db.mu.Lock()
	db.tables[name] = t
	db.mu.Unlock()
	return t, nil
}

// CreateTable creates a new table, serialized on the per-table lock queue.
func (db *Database) CreateTable(ctx context.Context, name string, optFns ...func(o *table.Options)) (t table.Table, err error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	if name == "" || strings.Contains(name, temporaryInfix) {
		return nil, fmt.Errorf("%w: table name", ErrMissingParameter)
	}
	defer db.observe(ctx, "createTable", name, &err)()

	err = db.tableQ(name).Do(ctx, func() error {
		exists, err := db.TableExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrTableAlreadyExists, name)
		}

		created, err := db.openTable(ctx, name, db.mergeTableOptions(optFns...))
		if err != nil {
			return translateError(err)
		}
		db.mu.Lock()
		db.tables[name] = created
		db.mu.Unlock()
		t = created
		return nil
	})
	if err != nil {
		return nil, translateError(err)
	}
	return t, nil
}

// DropTable closes a table and removes its directory.
func (db *Database) DropTable(ctx context.Context, name string) (err error) {
	if err := db.guard(); err != nil {
		return err
	}
	defer db.observe(ctx, "dropTable", name, &err)()

	err = db.tableQ(name).Do(ctx, func() error {
		db.mu.Lock()
		t, open := db.tables[name]
		delete(db.tables, name)
		db.mu.Unlock()

		if open {
			if cerr := t.Close(ctx); cerr != nil {
				return cerr
			}
			if t.Type() == table.TypeMemory {
				return nil
			}
		}

		exists, err := db.dirExists(name)
		if err != nil {
			return err
		}
		if !exists {
			if !open {
				return fmt.Errorf("%w: %s", ErrTableNotFound, name)
			}
			return nil
		}
		return os.RemoveAll(db.tableDir(name))
	})
	return translateError(err)
}

// Truncate empties a table while keeping its index specs. Disk tables are
// moved aside under the temporary suffix, an empty clone is written at the
// original path, and the original is dropped. Memory tables swap the
// instance.
func (db *Database) Truncate(ctx context.Context, name string) (err error) {
	if err := db.guard(); err != nil {
		return err
	}
	defer db.observe(ctx, "truncate", name, &err)()

	none := query.Func(func(model.Record) bool { return false })

	err = db.tableQ(name).Do(ctx, func() error {
		db.mu.Lock()
		t, open := db.tables[name]
		db.mu.Unlock()
		if !open {
			return fmt.Errorf("%w: %s", ErrTableNotOpen, name)
		}

		if m, ok := t.(*table.Memory); ok {
			fresh, err := m.CloneInto(ctx, none)
			if err != nil {
				return err
			}
			if err := m.Close(ctx); err != nil {
				return err
			}
			db.mu.Lock()
			db.tables[name] = fresh
			db.mu.Unlock()
			return nil
		}

		if err := t.Close(ctx); err != nil {
			return err
		}
		db.mu.Lock()
		delete(db.tables, name)
		db.mu.Unlock()

		liveDir := db.tableDir(name)
		tempDir := liveDir + temporaryInfix + "truncating"
		if err := os.Rename(liveDir, tempDir); err != nil {
			return err
		}

		opts := db.mergeTableOptions()
		opts.Type = t.Type()
		old, err := db.openTableAt(ctx, name, tempDir, opts)
		if err != nil {
			return err
		}
		if err := old.Clone(ctx, liveDir, none); err != nil {
			_ = old.Close(ctx)
			return err
		}
		if err := old.Close(ctx); err != nil {
			return err
		}
		if err := os.RemoveAll(tempDir); err != nil {
			return err
		}

		reopened, err := db.openTable(ctx, name, opts)
		if err != nil {
			return err
		}
		db.mu.Lock()
		db.tables[name] = reopened
		db.mu.Unlock()
		return nil
	})
	return translateError(err)
}

// openTableAt opens a disk table from an explicit directory (used for the
// moved-aside original during Truncate).
func (db *Database) openTableAt(ctx context.Context, name, dir string, opts table.Options) (table.Table, error) {
	switch opts.Type {
	case table.TypeSharded:
		return table.OpenSharded(ctx, name, dir, opts)
	default:
		return table.OpenBasic(ctx, name, dir, opts)
	}
}

// CloneTable copies a table's rows (optionally filtered) into a new table.
func (db *Database) CloneTable(ctx context.Context, src, dst string, filter query.Where) (err error) {
	if err := db.guard(); err != nil {
		return err
	}
	if dst == "" || strings.Contains(dst, temporaryInfix) {
		return fmt.Errorf("%w: target table name", ErrMissingParameter)
	}
	defer db.observe(ctx, "cloneTable", src+"->"+dst, &err)()

	err = db.tableQ(dst).Do(ctx, func() error {
		exists, err := db.TableExists(ctx, dst)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrTableAlreadyExists, dst)
		}

		t, err := db.lookup(src)
		if err != nil {
			return err
		}

		if m, ok := t.(*table.Memory); ok {
			fresh, err := m.CloneInto(ctx, filter)
			if err != nil {
				return err
			}
			db.mu.Lock()
			db.tables[dst] = fresh
			db.mu.Unlock()
			return nil
		}

		if err := t.Clone(ctx, db.tableDir(dst), filter); err != nil {
			return err
		}
		opts := db.mergeTableOptions()
		opts.Type = t.Type()
		cloned, err := db.openTable(ctx, dst, opts)
		if err != nil {
			return err
		}
		db.mu.Lock()
		db.tables[dst] = cloned
		db.mu.Unlock()
		return nil
	})
	return translateError(err)
}

// OpenAll opens every table directory, skipping in-flight temporaries,
// sequentially with defaults merged from the per-call options.
func (db *Database) OpenAll(ctx context.Context, optFns ...func(o *table.Options)) error {
	if err := db.guard(); err != nil {
		return err
	}

	entries, err := os.ReadDir(db.path)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if !ent.IsDir() || strings.Contains(ent.Name(), temporaryInfix) {
			continue
		}
		if _, err := db.OpenTable(ctx, ent.Name(), optFns...); err != nil {
			return err
		}
	}
	return nil
}

// JoinByID merges rows of a referenced table into each primary result row.
type JoinByID struct {
	// Table is the referenced table name.
	Table string
	// Field holds the referenced id (or an array of ids) in primary rows.
	Field string
	// As is the merged field name; defaults to Field.
	As string
	// Map optionally projects each joined row.
	Map *query.Expr
}

// SelectQuery is the database-level read query: the table query plus the
// optional join post-processing step.
type SelectQuery struct {
	table.SelectQuery
	JoinByID *JoinByID
}

// Select runs a read against a named table.
func (db *Database) Select(ctx context.Context, name string, q *SelectQuery) (res *table.SelectResult, err error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	defer db.observe(ctx, "select", q, &err)()

	t, err := db.lookup(name)
	if err != nil {
		return nil, translateError(err)
	}
	if q == nil {
		q = &SelectQuery{}
	}

	res, err = t.Select(ctx, &q.SelectQuery)
	if err != nil {
		err = translateError(err)
		return nil, err
	}

	if q.JoinByID != nil && len(res.Rows) > 0 {
		if err = db.joinByID(ctx, res.Rows, q.JoinByID); err != nil {
			err = translateError(err)
			return nil, err
		}
	}
	return res, nil
}

// joinByID runs the secondary select keyed by the ids found in the primary
// rows and merges the referenced records in.
func (db *Database) joinByID(ctx context.Context, rows []model.Record, j *JoinByID) error {
	ref, err := db.lookup(j.Table)
	if err != nil {
		return err
	}

	collect := func(v any) []int64 {
		switch t := v.(type) {
		case []any:
			out := make([]int64, 0, len(t))
			for _, e := range t {
				if id, ok := model.ToInt64(e); ok {
					out = append(out, id)
				}
			}
			return out
		default:
			if id, ok := model.ToInt64(v); ok {
				return []int64{id}
			}
			return nil
		}
	}

	var all []int64
	for _, row := range rows {
		all = append(all, collect(row[j.Field])...)
	}
	if len(all) == 0 {
		return nil
	}

	refRes, err := ref.Select(ctx, &table.SelectQuery{Where: query.IDs(all...)})
	if err != nil {
		return err
	}
	byID := make(map[int64]model.Record, len(refRes.Rows))
	for _, rec := range refRes.Rows {
		if id, ok := rec.ID(); ok {
			byID[id] = rec
		}
	}

	as := j.As
	if as == "" {
		as = j.Field
	}
	for _, row := range rows {
		ids := collect(row[j.Field])
		joined := make([]any, 0, len(ids))
		for _, id := range ids {
			rec, ok := byID[id]
			if !ok {
				continue
			}
			if j.Map != nil {
				v, err := j.Map.Eval(rec, nil)
				if err != nil {
					return err
				}
				joined = append(joined, v)
			} else {
				joined = append(joined, map[string]any(rec))
			}
		}
		if _, isList := row[j.Field].([]any); isList {
			row[as] = joined
		} else if len(joined) > 0 {
			row[as] = joined[0]
		}
	}
	return nil
}

// Insert routes a batch insert to a named table.
func (db *Database) Insert(ctx context.Context, name string, q *table.InsertQuery) (res *table.InsertResult, err error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	defer db.observe(ctx, "insert", q, &err)()

	t, err := db.lookup(name)
	if err != nil {
		return nil, translateError(err)
	}
	res, err = t.Insert(ctx, q)
	err = translateError(err)
	return res, err
}

// Update routes an update to a named table.
func (db *Database) Update(ctx context.Context, name string, q *table.UpdateQuery) (n int64, err error) {
	if err := db.guard(); err != nil {
		return 0, err
	}
	defer db.observe(ctx, "update", q, &err)()

	t, err := db.lookup(name)
	if err != nil {
		return 0, translateError(err)
	}
	n, err = t.Update(ctx, q)
	err = translateError(err)
	return n, err
}

// Delete routes a deletion to a named table.
func (db *Database) Delete(ctx context.Context, name string, q *table.DeleteQuery) (n int64, err error) {
	if err := db.guard(); err != nil {
		return 0, err
	}
	defer db.observe(ctx, "delete", q, &err)()

	t, err := db.lookup(name)
	if err != nil {
		return 0, translateError(err)
	}
	n, err = t.Delete(ctx, q)
	err = translateError(err)
	return n, err
}

// CreateIndex declares a secondary index on a named table.
func (db *Database) CreateIndex(ctx context.Context, name string, spec table.IndexSpec) (err error) {
	if err := db.guard(); err != nil {
		return err
	}
	defer db.observe(ctx, "createIndex", spec, &err)()

	t, err := db.lookup(name)
	if err != nil {
		return translateError(err)
	}
	return translateError(t.Create(ctx, spec))
}

// DropIndex removes a secondary index from a named table.
func (db *Database) DropIndex(ctx context.Context, name string, spec table.IndexSpec) (err error) {
	if err := db.guard(); err != nil {
		return err
	}
	defer db.observe(ctx, "dropIndex", spec, &err)()

	t, err := db.lookup(name)
	if err != nil {
		return translateError(err)
	}
	return translateError(t.DropIndex(ctx, spec))
}

// TableMeta returns a named table's meta snapshot.
func (db *Database) TableMeta(ctx context.Context, name string) (*table.Meta, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	t, err := db.lookup(name)
	if err != nil {
		return nil, translateError(err)
	}
	return t.Meta(ctx)
}

// MarkCorrupted forces a table into the sticky error state.
func (db *Database) MarkCorrupted(ctx context.Context, name string, cause error) error {
	if err := db.guard(); err != nil {
		return err
	}
	t, err := db.lookup(name)
	if err != nil {
		return translateError(err)
	}
	return t.MarkCorrupted(ctx, cause)
}

// Flush waits for every open disk table to drain its pending deltas.
func (db *Database) Flush(ctx context.Context) error {
	if err := db.guard(); err != nil {
		return err
	}

	db.mu.Lock()
	basics := make([]*table.Basic, 0, len(db.tables))
	for _, t := range db.tables {
		if b, ok := t.(*table.Basic); ok {
			basics = append(basics, b)
		}
	}
	db.mu.Unlock()

	for _, b := range basics {
		for b.PendingDeltas() > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return nil
}
