package table

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jemdb/jemdb/lockqueue"
	"github.com/jemdb/jemdb/model"
	"github.com/jemdb/jemdb/query"
	"github.com/jemdb/jemdb/util"
)

// Memory is the in-memory table: the same contract as Basic with no block
// files. Commits are no-ops, nothing survives Close.
type Memory struct {
	name string
	opts Options

	writeQ *lockqueue.Queue

	mu   sync.Mutex
	rows map[int64]model.Record
	idx  *indexSet

	autoinc atomic.Int64
	closed  atomic.Bool
}

var _ Table = (*Memory)(nil)

// OpenMemory creates an empty in-memory table.
func OpenMemory(name string, opts Options) *Memory {
	opts.normalize()
	opts.Type = TypeMemory
	m := &Memory{
		name:   name,
		opts:   opts,
		writeQ: lockqueue.New(),
		rows:   make(map[int64]model.Record),
		idx:    newIndexSet(),
	}
	m.autoinc.Store(1)
	return m
}

// Name returns the table name.
func (m *Memory) Name() string { return m.name }

// Type returns TypeMemory.
func (m *Memory) Type() Type { return TypeMemory }

func (m *Memory) guard() error {
	if m.closed.Load() {
		return fmt.Errorf("%w: %s", ErrClosed, m.name)
	}
	return nil
}

// Close discards all state.
func (m *Memory) Close(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	m.mu.Lock()
	m.rows = nil
	m.idx = newIndexSet()
	m.mu.Unlock()
	return nil
}

// Create declares a secondary index and builds it from the current rows.
func (m *Memory) Create(ctx context.Context, spec IndexSpec) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.writeQ.Do(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.idx.create(spec); err != nil {
			return err
		}
		for id, rec := range m.rows {
			m.idx.add(id, rec)
		}
		return nil
	})
}

// DropIndex removes a secondary index.
func (m *Memory) DropIndex(ctx context.Context, spec IndexSpec) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.writeQ.Do(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.idx.drop(spec)
	})
}

// Insert inserts a batch of rows.
func (m *Memory) Insert(ctx context.Context, q *InsertQuery) (*InsertResult, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	if q == nil || len(q.Rows) == 0 {
		return &InsertResult{}, nil
	}

	res := &InsertResult{}
	err := m.writeQ.Do(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		for _, in := range q.Rows {
			row, err := normalizeRecord(m.opts.Codec, in)
			if err != nil {
				return err
			}

			var id int64
			if explicit, ok := row.ID(); ok {
				id = explicit
				if id >= m.autoinc.Load() {
					m.autoinc.Store(id + 1)
				}
			} else {
				id = m.autoinc.Add(1) - 1
			}
			row["id"] = id

			prev, exists := m.rows[id]
			if exists {
				switch {
				case q.Ignore:
					continue
				case q.Replace:
				default:
					return fmt.Errorf("%w: id %d", ErrRowExists, id)
				}
			}

			exclude := int64(-1)
			if exists {
				exclude = id
			}
			if err := m.idx.checkUnique(row, exclude); err != nil {
				return err
			}

			if exists {
				m.idx.remove(id, prev)
				res.Replaced++
			} else {
				res.Inserted++
			}
			m.rows[id] = row
			m.idx.add(id, row)
			res.LastInsertID = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Select evaluates a read query.
func (m *Memory) Select(ctx context.Context, q *SelectQuery) (*SelectResult, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	if q == nil {
		q = &SelectQuery{}
	}

	rows, err := m.selectRows(q.Where, 0)
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

func (m *Memory) selectRows(where query.Where, limit int) ([]model.Record, error) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []model.Record
	for _, id := range ids {
		m.mu.Lock()
		rec, ok := m.rows[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		match, err := query.Matches(where, rec)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		cloned, _ := util.DeepClone(map[string]any(rec)).(map[string]any)
		out = append(out, model.Record(cloned))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Update applies the mod expression to matching rows.
func (m *Memory) Update(ctx context.Context, q *UpdateQuery) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	if q == nil || q.Mod == nil {
		return 0, fmt.Errorf("update requires a mod expression")
	}

	var updated int64
	err := m.writeQ.Do(ctx, func() error {
		rows, err := m.selectRows(q.Where, q.Limit)
		if err != nil {
			return err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		for _, rec := range rows {
			id, _ := rec.ID()
			prev, ok := m.rows[id]
			if !ok {
				continue
			}
			if err := q.Mod.Apply(rec); err != nil {
				return err
			}
			if err := m.idx.checkUnique(rec, id); err != nil {
				return err
			}
			m.idx.remove(id, prev)
			m.idx.add(id, rec)
			m.rows[id] = rec
			updated++
		}
		return nil
	})
	return updated, err
}

// Delete removes matching rows.
func (m *Memory) Delete(ctx context.Context, q *DeleteQuery) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	if q == nil {
		q = &DeleteQuery{}
	}

	var deleted int64
	err := m.writeQ.Do(ctx, func() error {
		rows, err := m.selectRows(q.Where, q.Limit)
		if err != nil {
			return err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		for _, rec := range rows {
			id, _ := rec.ID()
			prev, ok := m.rows[id]
			if !ok {
				continue
			}
			m.idx.remove(id, prev)
			delete(m.rows, id)
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Clone is not supported on memory tables and always returns an error;
// memory tables are copied with CloneInto.
func (m *Memory) Clone(ctx context.Context, targetDir string, filter query.Where) error {
	return fmt.Errorf("memory tables are cloned via CloneInto")
}

// CloneInto copies matching rows and index specs into a new memory table.
func (m *Memory) CloneInto(ctx context.Context, filter query.Where) (*Memory, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	target := OpenMemory(m.name, m.opts)

	m.mu.Lock()
	specs := m.idx.specs()
	m.mu.Unlock()
	for _, spec := range specs {
		if err := target.Create(ctx, spec); err != nil {
			return nil, err
		}
	}

	rows, err := m.selectRows(filter, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		if _, err := target.Insert(ctx, &InsertQuery{Rows: rows, Replace: true}); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// MarkCorrupted closes the table; an in-memory table has no repairable
// state.
func (m *Memory) MarkCorrupted(ctx context.Context, cause error) error {
	return m.Close(ctx)
}

// Meta returns a snapshot description of the table.
func (m *Memory) Meta(ctx context.Context) (*Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Meta{
		Name:    m.name,
		Type:    TypeMemory,
		Count:   int64(len(m.rows)),
		Indexes: m.idx.specs(),
	}, nil
}

// Count returns the number of rows.
func (m *Memory) Count(ctx context.Context) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows)), nil
}
