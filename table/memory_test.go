package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jemdb/jemdb/model"
	"github.com/jemdb/jemdb/query"
)

func TestMemoryContract(t *testing.T) {
	m := OpenMemory("m", DefaultOptions)
	ctx := context.Background()

	res, err := m.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"id": int64(1), "a": "x"},
		{"a": "auto"},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Inserted)
	assert.Equal(t, int64(2), res.LastInsertID)

	where, err := query.ParseWhere("a == 'x'")
	require.NoError(t, err)
	sel, err := m.Select(ctx, &SelectQuery{Where: where})
	require.NoError(t, err)
	require.Len(t, sel.Rows, 1)

	mod, err := query.ParseMod("a = a + '!'")
	require.NoError(t, err)
	updated, err := m.Update(ctx, &UpdateQuery{Where: where, Mod: mod})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	deleted, err := m.Delete(ctx, &DeleteQuery{Where: query.IDs(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCloseDiscards(t *testing.T) {
	m := OpenMemory("m", DefaultOptions)
	ctx := context.Background()

	_, err := m.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(1)}}})
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))

	_, err = m.Select(ctx, &SelectQuery{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryCloneInto(t *testing.T) {
	m := OpenMemory("m", DefaultOptions)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, IndexSpec{Field: "email", Kind: IndexHash, Unique: true}))
	_, err := m.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"id": int64(1), "email": "a@x", "keep": true},
		{"id": int64(2), "email": "b@x", "keep": false},
	}})
	require.NoError(t, err)

	clone, err := m.CloneInto(ctx, query.Func(func(r model.Record) bool {
		keep, _ := r["keep"].(bool)
		return keep
	}))
	require.NoError(t, err)

	n, err := clone.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The unique index spec traveled with the clone.
	_, err = clone.Insert(ctx, &InsertQuery{Rows: []model.Record{{"email": "a@x"}}})
	assert.ErrorIs(t, err, ErrUniqueViolated)

	meta, err := clone.Meta(ctx)
	require.NoError(t, err)
	require.Len(t, meta.Indexes, 1)
	assert.True(t, meta.Indexes[0].Unique)
}

func TestMemoryUniqueIndex(t *testing.T) {
	m := OpenMemory("m", DefaultOptions)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, IndexSpec{Field: "code", Kind: IndexRange, Unique: true}))

	_, err := m.Insert(ctx, &InsertQuery{Rows: []model.Record{{"code": int64(7)}}})
	require.NoError(t, err)
	_, err = m.Insert(ctx, &InsertQuery{Rows: []model.Record{{"code": int64(7)}}})
	assert.ErrorIs(t, err, ErrUniqueViolated)
}
