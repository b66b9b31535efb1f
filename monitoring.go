package jemdb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jemdb/jemdb/codec"
	"github.com/jemdb/jemdb/model"
	"github.com/jemdb/jemdb/query"
	"github.com/jemdb/jemdb/table"
)

// monitor implements call interception: every public database method
// inserts a record into an in-memory monitoring table before delegating
// and re-inserts it completed afterwards. A periodic sweeper removes
// records older than the retention interval; a boolean guard keeps at most
// one sweep in flight.
type monitor struct {
	db   *Database
	opts MonitoringOptions
	tbl  *table.Memory

	sweeping atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newMonitor(db *Database, opts MonitoringOptions) *monitor {
	m := &monitor{
		db:     db,
		opts:   opts,
		tbl:    table.OpenMemory(opts.Table, db.mergeTableOptions()),
		stopCh: make(chan struct{}),
	}

	db.mu.Lock()
	db.tables[opts.Table] = m.tbl
	db.mu.Unlock()

	period := opts.Interval
	if period > time.Minute {
		period = time.Minute
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()

	return m
}

func (m *monitor) stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// sweep deletes monitoring rows older than the retention interval.
func (m *monitor) sweep() {
	if !m.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer m.sweeping.Store(false)

	cutoff := time.Now().Add(-m.opts.Interval).UnixMicro()
	_, err := m.tbl.Delete(context.Background(), &table.DeleteQuery{
		Where: query.Func(func(rec model.Record) bool {
			begin, _ := model.ToInt64(rec["timeBegin"])
			return begin < cutoff
		}),
	})
	if err != nil {
		m.db.logger.Error("monitoring sweep failed", "error", err)
	}
}

// encodeQuery renders the query payload, truncated to the configured
// maximum.
func (m *monitor) encodeQuery(q any) string {
	if q == nil {
		return ""
	}
	if s, ok := q.(string); ok {
		return truncate(s, m.opts.MaxQueryLength)
	}
	raw, err := codec.Default.Marshal(q)
	if err != nil {
		return truncate(err.Error(), m.opts.MaxQueryLength)
	}
	return truncate(string(raw), m.opts.MaxQueryLength)
}

func truncate(s string, n int) string {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

// observe records the pre-execution row and returns the completion hook.
func (m *monitor) observe(ctx context.Context, method string, q any, errp *error) func() {
	encoded := m.encodeQuery(q)
	begin := time.Now().UnixMicro()

	res, err := m.tbl.Insert(ctx, &table.InsertQuery{Rows: []model.Record{{
		"method":    method,
		"query":     encoded,
		"error":     "",
		"timeBegin": begin,
		"timeEnd":   int64(0),
	}}})
	if err != nil {
		m.db.logger.Error("monitoring record failed", "method", method, "error", err)
		return func() {}
	}
	id := res.LastInsertID

	return func() {
		end := time.Now().UnixMicro()
		if end <= begin {
			end = begin + 1
		}
		errMsg := ""
		if errp != nil && *errp != nil {
			errMsg = (*errp).Error()
		}
		if _, err := m.tbl.Insert(ctx, &table.InsertQuery{Replace: true, Rows: []model.Record{{
			"id":        id,
			"method":    method,
			"query":     encoded,
			"error":     errMsg,
			"timeBegin": begin,
			"timeEnd":   end,
		}}}); err != nil {
			m.db.logger.Error("monitoring completion failed", "method", method, "error", err)
		}
	}
}

// observe is the interception entry point used by every public method; it
// is a no-op when monitoring is disabled.
func (db *Database) observe(ctx context.Context, method string, q any, errp *error) func() {
	if db.mon == nil {
		return func() {}
	}
	return db.mon.observe(ctx, method, q, errp)
}

// MonitoringRows returns the raw contents of the monitoring table.
func (db *Database) MonitoringRows(ctx context.Context) ([]model.Record, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	if db.mon == nil {
		return nil, nil
	}
	res, err := db.mon.tbl.Select(ctx, &table.SelectQuery{})
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}
