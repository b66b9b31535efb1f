package table

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jemdb/jemdb/model"
	"github.com/jemdb/jemdb/query"
)

func openTestBasic(t *testing.T, mutate ...func(o *Options)) (*Basic, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "t")
	opts := DefaultOptions
	for _, fn := range mutate {
		fn(&opts)
	}
	tbl, err := OpenBasic(context.Background(), "t", dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close(context.Background()) })
	return tbl, dir
}

func TestBasicInsertSelect(t *testing.T) {
	tbl, _ := openTestBasic(t)
	ctx := context.Background()

	res, err := tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"id": int64(1), "a": "x"},
		{"id": int64(2), "a": "y"},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Inserted)
	assert.Equal(t, int64(0), res.Replaced)
	assert.Equal(t, int64(2), res.LastInsertID)

	sel, err := tbl.Select(ctx, &SelectQuery{})
	require.NoError(t, err)
	require.Len(t, sel.Rows, 2)
	assert.Equal(t, "x", sel.Rows[0]["a"])
	assert.Equal(t, "y", sel.Rows[1]["a"])
}

func TestBasicAutoIncrement(t *testing.T) {
	tbl, _ := openTestBasic(t)
	ctx := context.Background()

	res, err := tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"a": "first"}, {"a": "second"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.LastInsertID)

	// Explicit high id pushes the counter forward.
	_, err = tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(100), "a": "high"}}})
	require.NoError(t, err)
	res, err = tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"a": "after"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(101), res.LastInsertID)
}

func TestBasicInsertModes(t *testing.T) {
	tbl, _ := openTestBasic(t)
	ctx := context.Background()

	_, err := tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(1), "a": "x"}}})
	require.NoError(t, err)

	_, err = tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(1), "a": "y"}}})
	assert.ErrorIs(t, err, ErrRowExists)

	res, err := tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(1), "a": "y"}}, Ignore: true})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Inserted)

	res, err = tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(1), "a": "z"}}, Replace: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Replaced)

	sel, err := tbl.Select(ctx, &SelectQuery{Where: query.IDs(1)})
	require.NoError(t, err)
	require.Len(t, sel.Rows, 1)
	assert.Equal(t, "z", sel.Rows[0]["a"])
}

func TestBasicPersistenceAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "t")
	ctx := context.Background()

	tbl, err := OpenBasic(ctx, "t", dir, DefaultOptions)
	require.NoError(t, err)
	_, err = tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"id": int64(1), "a": "x"},
		{"id": int64(2), "a": "y"},
	}})
	require.NoError(t, err)
	require.NoError(t, tbl.Close(ctx))

	tbl, err = OpenBasic(ctx, "t", dir, DefaultOptions)
	require.NoError(t, err)
	defer func() { _ = tbl.Close(ctx) }()

	n, err := tbl.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	res, err := tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"a": "new"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.LastInsertID)
}

func TestBasicUpdate(t *testing.T) {
	tbl, _ := openTestBasic(t)
	ctx := context.Background()

	_, err := tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"id": int64(1), "n": int64(1)},
		{"id": int64(2), "n": int64(2)},
		{"id": int64(3), "n": int64(3)},
	}})
	require.NoError(t, err)

	where, err := query.ParseWhere("n >= 2")
	require.NoError(t, err)
	mod, err := query.ParseMod("n = n * 10")
	require.NoError(t, err)

	updated, err := tbl.Update(ctx, &UpdateQuery{Where: where, Mod: mod})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	sel, err := tbl.Select(ctx, &SelectQuery{Where: query.IDs(3)})
	require.NoError(t, err)
	require.Len(t, sel.Rows, 1)
	assert.Equal(t, float64(30), sel.Rows[0]["n"])
}

func TestBasicDelete(t *testing.T) {
	tbl, _ := openTestBasic(t)
	ctx := context.Background()

	rows := make([]model.Record, 0, 10)
	for i := 1; i <= 10; i++ {
		rows = append(rows, model.Record{"id": int64(i), "n": int64(i)})
	}
	_, err := tbl.Insert(ctx, &InsertQuery{Rows: rows})
	require.NoError(t, err)

	where, err := query.ParseWhere("n % 2 == 0")
	require.NoError(t, err)
	deleted, err := tbl.Delete(ctx, &DeleteQuery{Where: where})
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)

	n, err := tbl.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	sel, err := tbl.Select(ctx, &SelectQuery{Count: true})
	require.NoError(t, err)
	assert.Equal(t, int64(5), sel.Count)
}

func TestBasicRangeIndex(t *testing.T) {
	tbl, _ := openTestBasic(t)
	ctx := context.Background()

	require.NoError(t, tbl.Create(ctx, IndexSpec{Field: "age", Kind: IndexRange}))

	rows := make([]model.Record, 0, 50)
	for i := 1; i <= 50; i++ {
		rows = append(rows, model.Record{"id": int64(i), "age": int64(i)})
	}
	_, err := tbl.Insert(ctx, &InsertQuery{Rows: rows})
	require.NoError(t, err)

	sel, err := tbl.Select(ctx, &SelectQuery{Where: query.IndexRange{Field: "age", Lo: int64(10), Hi: int64(14)}})
	require.NoError(t, err)
	assert.Len(t, sel.Rows, 5)

	// Open upper bound.
	sel, err = tbl.Select(ctx, &SelectQuery{Where: query.IndexRange{Field: "age", Lo: int64(48)}})
	require.NoError(t, err)
	assert.Len(t, sel.Rows, 3)
}

func TestBasicHashAndFlagIndexes(t *testing.T) {
	tbl, _ := openTestBasic(t)
	ctx := context.Background()

	require.NoError(t, tbl.Create(ctx, IndexSpec{Field: "color", Kind: IndexHash}))
	require.NoError(t, tbl.Create(ctx, IndexSpec{Field: "active", Kind: IndexFlag}))

	_, err := tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"id": int64(1), "color": "red", "active": true},
		{"id": int64(2), "color": "blue", "active": false},
		{"id": int64(3), "color": "red", "active": true},
	}})
	require.NoError(t, err)

	sel, err := tbl.Select(ctx, &SelectQuery{Where: query.IndexRange{Field: "color", Lo: "red", Hi: "red"}})
	require.NoError(t, err)
	assert.Len(t, sel.Rows, 2)

	sel, err = tbl.Select(ctx, &SelectQuery{Where: query.IndexRange{Field: "active", Lo: true, Hi: true}})
	require.NoError(t, err)
	assert.Len(t, sel.Rows, 2)
}

func TestBasicUniqueIndex(t *testing.T) {
	tbl, _ := openTestBasic(t)
	ctx := context.Background()

	require.NoError(t, tbl.Create(ctx, IndexSpec{Field: "email", Kind: IndexHash, Unique: true}))

	_, err := tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(1), "email": "a@x"}}})
	require.NoError(t, err)

	_, err = tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(2), "email": "a@x"}}})
	assert.ErrorIs(t, err, ErrUniqueViolated)

	// Replacing the same row with the same value is allowed.
	_, err = tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(1), "email": "a@x", "extra": true}}, Replace: true})
	require.NoError(t, err)
}

func TestBasicSortLimitOffset(t *testing.T) {
	tbl, _ := openTestBasic(t)
	ctx := context.Background()

	rows := make([]model.Record, 0, 10)
	for i := 1; i <= 10; i++ {
		rows = append(rows, model.Record{"id": int64(i), "n": int64(11 - i)})
	}
	_, err := tbl.Insert(ctx, &InsertQuery{Rows: rows})
	require.NoError(t, err)

	srt, err := query.ParseSort("n")
	require.NoError(t, err)
	sel, err := tbl.Select(ctx, &SelectQuery{Sort: srt, Offset: 2, Limit: 3})
	require.NoError(t, err)
	require.Len(t, sel.Rows, 3)
	assert.Equal(t, float64(3), sel.Rows[0]["n"])
	assert.Equal(t, float64(5), sel.Rows[2]["n"])
}

func TestBasicMapAndGroup(t *testing.T) {
	tbl, _ := openTestBasic(t)
	ctx := context.Background()

	_, err := tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"id": int64(1), "kind": "a", "n": int64(1)},
		{"id": int64(2), "kind": "b", "n": int64(2)},
		{"id": int64(3), "kind": "a", "n": int64(3)},
	}})
	require.NoError(t, err)

	mapExpr, err := query.ParseExpr("n * 2")
	require.NoError(t, err)
	sel, err := tbl.Select(ctx, &SelectQuery{Map: mapExpr})
	require.NoError(t, err)
	require.Len(t, sel.Rows, 3)
	assert.Equal(t, float64(2), sel.Rows[0]["value"])

	groupExpr, err := query.ParseExpr("kind")
	require.NoError(t, err)
	sel, err = tbl.Select(ctx, &SelectQuery{Group: groupExpr})
	require.NoError(t, err)
	require.Len(t, sel.Rows, 2)
	assert.Equal(t, "a", sel.Rows[0]["key"])
	assert.Len(t, sel.Rows[0]["rows"], 2)
}

func TestBasicClone(t *testing.T) {
	tbl, _ := openTestBasic(t)
	ctx := context.Background()

	require.NoError(t, tbl.Create(ctx, IndexSpec{Field: "n", Kind: IndexRange}))
	rows := make([]model.Record, 0, 10)
	for i := 1; i <= 10; i++ {
		rows = append(rows, model.Record{"id": int64(i), "n": int64(i)})
	}
	_, err := tbl.Insert(ctx, &InsertQuery{Rows: rows})
	require.NoError(t, err)

	where, err := query.ParseWhere("n > 5")
	require.NoError(t, err)
	target := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, tbl.Clone(ctx, target, where))

	clone, err := OpenBasic(ctx, "copy", target, DefaultOptions)
	require.NoError(t, err)
	defer func() { _ = clone.Close(ctx) }()

	n, err := clone.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	sel, err := clone.Select(ctx, &SelectQuery{Where: query.IDs(7)})
	require.NoError(t, err)
	require.Len(t, sel.Rows, 1)
}

func TestBasicCorruptedState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "t")
	ctx := context.Background()

	tbl, err := OpenBasic(ctx, "t", dir, DefaultOptions)
	require.NoError(t, err)
	_, err = tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(1), "a": "x"}}})
	require.NoError(t, err)
	require.NoError(t, tbl.Close(ctx))

	// A failed commit leaves state=0; the next open needs AutoRepair.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state"), []byte("0"), 0o600))

	_, err = OpenBasic(ctx, "t", dir, DefaultOptions)
	assert.ErrorIs(t, err, ErrCorrupted)

	opts := DefaultOptions
	opts.AutoRepair = true
	tbl, err = OpenBasic(ctx, "t", dir, opts)
	require.NoError(t, err)
	defer func() { _ = tbl.Close(ctx) }()

	n, err := tbl.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBasicTypeMismatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "t")
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, TypeFileName), []byte("sharded"), 0o600))

	_, err := OpenBasic(ctx, "t", dir, DefaultOptions)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	opts := DefaultOptions
	opts.TypeCompatMode = true
	tbl, err := OpenBasic(ctx, "t", dir, opts)
	require.NoError(t, err)
	require.NoError(t, tbl.Close(ctx))
}

func TestBasicMarkCorrupted(t *testing.T) {
	tbl, dir := openTestBasic(t)
	ctx := context.Background()

	_, err := tbl.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(1)}}})
	require.NoError(t, err)

	require.NoError(t, tbl.MarkCorrupted(ctx, fmt.Errorf("disk on fire")))

	_, err = tbl.Select(ctx, &SelectQuery{})
	assert.ErrorIs(t, err, ErrClosed)

	raw, err := os.ReadFile(filepath.Join(dir, "state"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(raw))
}
