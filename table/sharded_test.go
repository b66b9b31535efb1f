package table

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jemdb/jemdb/model"
	"github.com/jemdb/jemdb/query"
)

func openTestSharded(t *testing.T, mutate ...func(o *Options)) *Sharded {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "st")
	opts := DefaultOptions
	opts.Type = TypeSharded
	for _, fn := range mutate {
		fn(&opts)
	}
	tbl, err := OpenSharded(context.Background(), "st", dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close(context.Background()) })
	return tbl
}

// shardCountSum verifies the invariant sum(shard.count) == info.count and
// returns the total.
func shardCountSum(t *testing.T, s *Sharded) int64 {
	t.Helper()
	ctx := context.Background()

	recs, err := s.listShardRecs(ctx)
	require.NoError(t, err)
	var sum int64
	for _, r := range recs {
		sum += r.Count
	}
	info, ok, err := s.findShardRec(ctx, infoShardName)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sum, info.Count)
	return sum
}

func TestShardedExplicitShards(t *testing.T) {
	s := openTestSharded(t, func(o *Options) { o.CacheShards = 4 })
	ctx := context.Background()

	res, err := s.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"shard": "eu", "a": "x"},
		{"shard": "us", "a": "y"},
		{"shard": "eu", "a": "z"},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Inserted)
	assert.Equal(t, int64(3), shardCountSum(t, s))

	sel, err := s.Select(ctx, &SelectQuery{Shards: []string{"eu"}})
	require.NoError(t, err)
	assert.Len(t, sel.Rows, 2)

	sel, err = s.Select(ctx, &SelectQuery{})
	require.NoError(t, err)
	assert.Len(t, sel.Rows, 3)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestShardedGeneratorExpression(t *testing.T) {
	s := openTestSharded(t, func(o *Options) { o.CacheShards = 4 })
	ctx := context.Background()

	_, err := s.Insert(ctx, &InsertQuery{
		Rows: []model.Record{
			{"region": "eu", "a": 1},
			{"region": "us", "a": 2},
		},
		ShardGen: "region + '_shard'",
	})
	require.NoError(t, err)

	recs, err := s.listShardRecs(ctx)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, r := range recs {
		names[r.Name] = true
	}
	assert.True(t, names["eu_shard"])
	assert.True(t, names["us_shard"])
}

func TestShardedAutoShard(t *testing.T) {
	s := openTestSharded(t, func(o *Options) {
		o.AutoShardSize = 3
		o.CacheShards = 2
	})
	ctx := context.Background()

	rows := make([]model.Record, 0, 10)
	for i := 0; i < 10; i++ {
		rows = append(rows, model.Record{"shard": AutoShardName, "n": int64(i)})
	}
	res, err := s.Insert(ctx, &InsertQuery{Rows: rows})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Inserted)

	recs, err := s.listShardRecs(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for i, r := range recs {
		assert.Equal(t, fmt.Sprintf("auto_%d", i+1), r.Name)
		assert.GreaterOrEqual(t, r.Count, int64(1))
		assert.LessOrEqual(t, r.Count, int64(3))
	}
	assert.Equal(t, int64(10), shardCountSum(t, s))
}

func TestShardedRejectsExplicitID(t *testing.T) {
	s := openTestSharded(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, &InsertQuery{Rows: []model.Record{{"id": int64(1), "shard": "a"}}})
	assert.ErrorIs(t, err, ErrExplicitID)
}

func TestShardedRejectsMissingShard(t *testing.T) {
	s := openTestSharded(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, &InsertQuery{Rows: []model.Record{{"a": 1}}})
	assert.ErrorIs(t, err, ErrMissingShard)
}

func TestShardedRejectsUnique(t *testing.T) {
	s := openTestSharded(t)
	ctx := context.Background()

	err := s.Create(ctx, IndexSpec{Field: "email", Kind: IndexHash, Unique: true})
	assert.ErrorIs(t, err, ErrUniqueUnsupported)
}

func TestShardedIDsDisjointAcrossShards(t *testing.T) {
	s := openTestSharded(t, func(o *Options) { o.CacheShards = 4 })
	ctx := context.Background()

	_, err := s.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"shard": "a", "n": 1},
		{"shard": "b", "n": 2},
	}})
	require.NoError(t, err)

	sel, err := s.Select(ctx, &SelectQuery{})
	require.NoError(t, err)
	require.Len(t, sel.Rows, 2)

	ids := map[int64]bool{}
	for _, row := range sel.Rows {
		id, ok := row.ID()
		require.True(t, ok)
		ids[id] = true
	}
	assert.Len(t, ids, 2)

	// Shard 1 allocates from 1<<25, shard 2 from 2<<25.
	for id := range ids {
		assert.GreaterOrEqual(t, id, ShardCountStep)
	}
}

func TestShardedUpdateDelete(t *testing.T) {
	s := openTestSharded(t, func(o *Options) { o.CacheShards = 4 })
	ctx := context.Background()

	_, err := s.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"shard": "a", "n": int64(1)},
		{"shard": "a", "n": int64(2)},
		{"shard": "b", "n": int64(3)},
	}})
	require.NoError(t, err)

	where, err := query.ParseWhere("n >= 2")
	require.NoError(t, err)
	mod, err := query.ParseMod("n = n + 100")
	require.NoError(t, err)

	updated, err := s.Update(ctx, &UpdateQuery{Where: where, Mod: mod})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	deleted, err := s.Delete(ctx, &DeleteQuery{Where: where})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, int64(1), shardCountSum(t, s))

	// Shard "b" was emptied and retired; its record is gone.
	_, ok, err := s.findShardRec(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShardedPersistentPinBlocksEviction(t *testing.T) {
	s := openTestSharded(t, func(o *Options) { o.CacheShards = 1 })
	ctx := context.Background()

	_, err := s.Insert(ctx, &InsertQuery{Rows: []model.Record{{"shard": "a", "n": 1}}})
	require.NoError(t, err)

	pin := true
	_, err = s.Select(ctx, &SelectQuery{Shards: []string{"a"}, Persistent: &pin})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, s.OpenedShards())

	// A select against another shard must suspend on the cache gate while
	// the pin is held.
	done := make(chan error, 1)
	go func() {
		_, err := s.Select(ctx, &SelectQuery{Shards: []string{"b"}})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("select on shard b completed despite the pin: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Clearing the pin lets the blocked select proceed.
	unpin := false
	_, err = s.Select(ctx, &SelectQuery{Shards: []string{"a"}, Persistent: &unpin})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("select on shard b still blocked after the pin was cleared")
	}
}

func TestShardedPersistenceAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "st")
	ctx := context.Background()

	opts := DefaultOptions
	opts.Type = TypeSharded
	opts.CacheShards = 4

	s, err := OpenSharded(ctx, "st", dir, opts)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, IndexSpec{Field: "n", Kind: IndexRange}))
	_, err = s.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"shard": "a", "n": int64(1)},
		{"shard": "b", "n": int64(2)},
	}})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	s, err = OpenSharded(ctx, "st", dir, opts)
	require.NoError(t, err)
	defer func() { _ = s.Close(ctx) }()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	meta, err := s.Meta(ctx)
	require.NoError(t, err)
	require.Len(t, meta.Indexes, 1)
	assert.Equal(t, "n", meta.Indexes[0].Field)

	sel, err := s.Select(ctx, &SelectQuery{})
	require.NoError(t, err)
	assert.Len(t, sel.Rows, 2)
}

func TestShardedClone(t *testing.T) {
	s := openTestSharded(t, func(o *Options) { o.CacheShards = 4 })
	ctx := context.Background()

	_, err := s.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"shard": "a", "n": int64(1)},
		{"shard": "b", "n": int64(2)},
	}})
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, s.Clone(ctx, target, nil))

	opts := DefaultOptions
	opts.Type = TypeSharded
	opts.CacheShards = 4
	clone, err := OpenSharded(ctx, "copy", target, opts)
	require.NoError(t, err)
	defer func() { _ = clone.Close(ctx) }()

	n, err := clone.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestShardedShardWherePredicate(t *testing.T) {
	s := openTestSharded(t, func(o *Options) { o.CacheShards = 4 })
	ctx := context.Background()

	_, err := s.Insert(ctx, &InsertQuery{Rows: []model.Record{
		{"shard": "hot", "n": 1},
		{"shard": "hot", "n": 2},
		{"shard": "cold", "n": 3},
	}})
	require.NoError(t, err)

	shardWhere, err := query.ParseWhere("count >= 2")
	require.NoError(t, err)
	sel, err := s.Select(ctx, &SelectQuery{ShardWhere: shardWhere})
	require.NoError(t, err)
	assert.Len(t, sel.Rows, 2)
}
