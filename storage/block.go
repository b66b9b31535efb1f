package storage

import (
	"fmt"
	"path/filepath"

	"github.com/jemdb/jemdb/model"
)

// Block is the unit of row persistence: one .jem file per block.
//
// Rows is nil while the block is unloaded; counters and Size survive
// unloading. RowsLength is the row count written to disk the last time the
// block was persisted in finalized form.
type Block struct {
	Index      int64                  `json:"index"`
	Rows       map[int64]model.Record `json:"-"`
	AddCount   int64                  `json:"addCount"`
	DelCount   int64                  `json:"delCount"`
	RowsLength int64                  `json:"rowsLength"`
	Size       int64                  `json:"size"`
	Final      bool                   `json:"final"`
}

// Loaded reports whether the block's rows are resident.
func (b *Block) Loaded() bool { return b.Rows != nil }

// meta returns the journal record persisted into blocklist files.
func (b *Block) meta() map[string]any {
	return map[string]any{
		"index":      b.Index,
		"addCount":   b.AddCount,
		"delCount":   b.DelCount,
		"rowsLength": b.RowsLength,
		"size":       b.Size,
		"final":      b.Final,
	}
}

// blockFromMeta rebuilds a Block from a decoded journal record.
func blockFromMeta(m map[string]any) (*Block, bool) {
	idx, ok := model.ToInt64(m["index"])
	if !ok || idx <= 0 {
		return nil, false
	}
	b := &Block{Index: idx}
	b.AddCount, _ = model.ToInt64(m["addCount"])
	b.DelCount, _ = model.ToInt64(m["delCount"])
	b.RowsLength, _ = model.ToInt64(m["rowsLength"])
	b.Size, _ = model.ToInt64(m["size"])
	if f, ok := m["final"].(bool); ok {
		b.Final = f
	}
	return b, true
}

// BlockFileExt is the extension of per-block row files.
const BlockFileExt = ".jem"

// blockFileName returns the zero-padded file name for a block index. The
// padding keeps directory listings in numeric order: width 6 below one
// million, 12 beyond.
func blockFileName(index int64) string {
	if index < 1_000_000 {
		return fmt.Sprintf("%06d%s", index, BlockFileExt)
	}
	return fmt.Sprintf("%012d%s", index, BlockFileExt)
}

// blockFilePath returns the absolute path of a block's rows file.
func (e *Engine) blockFilePath(index int64) string {
	return filepath.Join(e.dir, blockFileName(index))
}

// parseBlockFileName extracts the block index from a directory entry name.
func parseBlockFileName(name string) (int64, bool) {
	if filepath.Ext(name) != BlockFileExt {
		return 0, false
	}
	base := name[:len(name)-len(BlockFileExt)]
	if base == "" {
		return 0, false
	}
	var idx int64
	for _, r := range base {
		if r < '0' || r > '9' {
			return 0, false
		}
		idx = idx*10 + int64(r-'0')
	}
	if idx <= 0 {
		return 0, false
	}
	return idx, true
}
