package jemdb

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jemdb/jemdb/table"
)

// TableInfo describes one table directory.
type TableInfo struct {
	Name  string     `json:"name"`
	Type  table.Type `json:"type"`
	Open  bool       `json:"open"`
	Size  int64      `json:"size"`
	Files int        `json:"files"`
}

// Info describes the database directory.
type Info struct {
	Path   string      `json:"path"`
	Size   int64       `json:"size"`
	Tables []TableInfo `json:"tables"`
}

// DBInfo enumerates the table directories with their per-file sizes.
func (db *Database) DBInfo(ctx context.Context) (*Info, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(db.path)
	if err != nil {
		return nil, err
	}

	info := &Info{Path: db.path}
	for _, ent := range entries {
		if !ent.IsDir() || strings.Contains(ent.Name(), temporaryInfix) {
			continue
		}

		ti := TableInfo{Name: ent.Name(), Type: table.TypeBasic}
		raw, err := os.ReadFile(filepath.Join(db.path, ent.Name(), table.TypeFileName)) //nolint:gosec // db-owned path
		if err == nil {
			ti.Type = table.Type(strings.TrimSpace(string(raw)))
		}

		size, files, err := dirSize(filepath.Join(db.path, ent.Name()))
		if err != nil {
			return nil, err
		}
		ti.Size = size
		ti.Files = files

		db.mu.Lock()
		_, ti.Open = db.tables[ent.Name()]
		db.mu.Unlock()

		info.Tables = append(info.Tables, ti)
		info.Size += size
	}

	// Memory tables exist only in the map.
	db.mu.Lock()
	for name, t := range db.tables {
		if t.Type() == table.TypeMemory {
			info.Tables = append(info.Tables, TableInfo{Name: name, Type: table.TypeMemory, Open: true})
		}
	}
	db.mu.Unlock()

	return info, nil
}

// DBSize returns the total on-disk byte size of the database directory.
func (db *Database) DBSize(ctx context.Context) (int64, error) {
	if err := db.guard(); err != nil {
		return 0, err
	}
	size, _, err := dirSize(db.path)
	return size, err
}

func dirSize(root string) (int64, int, error) {
	var size int64
	var files int
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		size += st.Size()
		files++
		return nil
	})
	return size, files, err
}
