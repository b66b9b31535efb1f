// Package table implements the table contract over the row storage engine:
// the disk-backed basic table, the in-memory variant and the sharded
// coordinator that fans out over many basic tables.
package table

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jemdb/jemdb/codec"
	"github.com/jemdb/jemdb/model"
	"github.com/jemdb/jemdb/query"
	"github.com/jemdb/jemdb/resource"
)

// Type identifies a table implementation; it is persisted in the table
// directory's "type" file.
type Type string

const (
	TypeBasic   Type = "basic"
	TypeMemory  Type = "memory"
	TypeSharded Type = "sharded"
)

var (
	// ErrRowExists is returned by Insert without Replace/Ignore when an id
	// is already live.
	ErrRowExists = errors.New("row id already exists")
	// ErrUniqueViolated is returned when a unique index rejects a write.
	ErrUniqueViolated = errors.New("unique index violated")
	// ErrUniqueUnsupported is returned for unique specs on sharded tables.
	ErrUniqueUnsupported = errors.New("unique indexes are not supported on sharded tables")
	// ErrCorrupted is returned when a table needs repair and AutoRepair is
	// off.
	ErrCorrupted = errors.New("table corrupted")
	// ErrClosed is returned from operations on a closed table.
	ErrClosed = errors.New("table is not open")
	// ErrTypeMismatch is returned when the on-disk type file disagrees
	// with the requested type and TypeCompatMode is off.
	ErrTypeMismatch = errors.New("table type mismatch")
	// ErrMissingShard is returned for sharded inserts with no shard field
	// and no generator.
	ErrMissingShard = errors.New("missing shard")
	// ErrExplicitID is returned for sharded inserts that carry an id.
	ErrExplicitID = errors.New("sharded inserts must not carry an id")
)

// IndexKind is the flavor of a secondary index.
type IndexKind string

const (
	IndexFlag  IndexKind = "flag"  // set of ids whose field is truthy
	IndexHash  IndexKind = "hash"  // value -> id set
	IndexRange IndexKind = "index" // ordered value -> id set
)

// IndexSpec declares a secondary index on a field.
type IndexSpec struct {
	Field  string    `json:"field"`
	Kind   IndexKind `json:"kind"`
	Unique bool      `json:"unique,omitempty"`
}

// Meta is a point-in-time description of a table.
type Meta struct {
	Name    string      `json:"name"`
	Type    Type        `json:"type"`
	Count   int64       `json:"count"`
	Indexes []IndexSpec `json:"indexes"`
}

// SelectQuery describes a read.
type SelectQuery struct {
	Where  query.Where
	Sort   *query.Sort
	Map    *query.Expr // projection applied per row
	Group  *query.Expr // group key; rows become {key, rows}
	Limit  int
	Offset int
	Count  bool // return only the match count

	// Sharded-table controls.
	Shards     []string    // explicit shard list
	ShardWhere query.Where // predicate over shard records (id, num, count)
	Persistent *bool       // set/clear the long-lived shard pin
}

// SelectResult is the outcome of a Select.
type SelectResult struct {
	Rows  []model.Record
	Count int64
}

// InsertQuery describes a batch insert.
type InsertQuery struct {
	Rows    []model.Record
	Replace bool // overwrite rows whose id already exists
	Ignore  bool // skip rows whose id already exists

	// ShardGen is the generator expression for sharded inserts without a
	// shard field. The reserved result "___auto" selects automatic
	// placement.
	ShardGen string
}

// InsertResult is the outcome of an Insert.
type InsertResult struct {
	Inserted     int64 `json:"inserted"`
	Replaced     int64 `json:"replaced"`
	LastInsertID int64 `json:"lastInsertId"`
}

// UpdateQuery describes a mutation of matching rows.
type UpdateQuery struct {
	Where query.Where
	Mod   *query.Mod
	Limit int
}

// DeleteQuery describes a deletion of matching rows.
type DeleteQuery struct {
	Where query.Where
	Limit int
}

// Table is the contract shared by basic, memory and sharded tables.
type Table interface {
	Name() string
	Type() Type

	Close(ctx context.Context) error
	Create(ctx context.Context, spec IndexSpec) error
	DropIndex(ctx context.Context, spec IndexSpec) error

	Select(ctx context.Context, q *SelectQuery) (*SelectResult, error)
	Insert(ctx context.Context, q *InsertQuery) (*InsertResult, error)
	Update(ctx context.Context, q *UpdateQuery) (int64, error)
	Delete(ctx context.Context, q *DeleteQuery) (int64, error)

	Clone(ctx context.Context, targetDir string, filter query.Where) error
	MarkCorrupted(ctx context.Context, cause error) error
	Meta(ctx context.Context) (*Meta, error)
	Count(ctx context.Context) (int64, error)
}

// Options configure a table open.
type Options struct {
	Type Type

	// CacheSize bounds how many blocks, the current one included, stay
	// resident.
	CacheSize int
	// CacheShards bounds how many shard tables stay open at once.
	CacheShards int
	// AutoShardSize is the fill target of automatically created shards.
	AutoShardSize int64
	// Compressed is the DEFLATE level (0..9) for finalized files.
	Compressed int
	// BlockCeiling overrides the block roll-over threshold. 0 keeps the
	// storage default.
	BlockCeiling int64

	// Recreate wipes any existing table data before opening.
	Recreate bool
	// AutoRepair routes a corrupted table through the rescue load instead
	// of failing the open.
	AutoRepair bool
	// ForceFileClosing closes journal appenders after every commit.
	ForceFileClosing bool
	// TypeCompatMode tolerates a mismatched on-disk type file.
	TypeCompatMode bool

	// UnloadInterval is the period of the storage LRU timer.
	UnloadInterval time.Duration

	Codec      codec.Codec
	Controller *resource.Controller
	Logger     *slog.Logger
}

// DefaultOptions are the defaults applied on open.
var DefaultOptions = Options{
	Type:          TypeBasic,
	CacheSize:     5,
	CacheShards:   1,
	AutoShardSize: 1_000_000,
}

func (o *Options) normalize() {
	if o.Type == "" {
		o.Type = TypeBasic
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultOptions.CacheSize
	}
	if o.CacheShards <= 0 {
		o.CacheShards = DefaultOptions.CacheShards
	}
	if o.AutoShardSize <= 0 {
		o.AutoShardSize = DefaultOptions.AutoShardSize
	}
	if o.Codec == nil {
		o.Codec = codec.Default
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// TypeFileName is the table-type sentinel inside a table directory.
const TypeFileName = "type"

// normalizeRecord round-trips a record through the codec so stored rows
// always carry canonical decoded-JSON types, whether they were just
// inserted or paged back in from disk.
func normalizeRecord(c codec.Codec, rec model.Record) (model.Record, error) {
	raw, err := c.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return model.Record(out), nil
}
