// Package query defines the predicate surface of the database.
//
// A Where is a tagged predicate: either a structural form the tables can
// answer from secondary indexes (IDSet, IndexRange), a compiled Go filter
// (Func), or an expression in the embedded string language (Expr), parsed
// once and interpreted against each candidate record.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/jemdb/jemdb/model"
)

// Where is the tagged predicate union.
type Where interface {
	isWhere()
}

// All matches every record.
type All struct{}

func (All) isWhere() {}

// IDSet matches records whose id is in the set.
type IDSet struct {
	IDs *roaring64.Bitmap
}

func (IDSet) isWhere() {}

// IDs builds an IDSet from explicit ids. Negative ids never match and are
// dropped.
func IDs(ids ...int64) IDSet {
	bm := roaring64.New()
	for _, id := range ids {
		if id >= 0 {
			bm.Add(uint64(id))
		}
	}
	return IDSet{IDs: bm}
}

// IndexRange matches records whose field value lies in [Lo, Hi]. Nil bounds
// are open. Tables with a range index on Field answer it without a scan.
type IndexRange struct {
	Field string
	Lo    any
	Hi    any
}

func (IndexRange) isWhere() {}

// Func is a compiled filter supplied by the caller. The record must be
// treated as read-only.
type Func func(model.Record) bool

func (Func) isWhere() {}

// Iter matches a record when the body holds for at least one element of
// Seq, bound as $item.
type Iter struct {
	Seq  []any
	Body *Expr
}

func (Iter) isWhere() {}

// Expr is a predicate written in the embedded expression language.
type Expr struct {
	Source string
	prog   *program
}

func (*Expr) isWhere() {}

// Matches evaluates the predicate against one record.
func Matches(w Where, rec model.Record) (bool, error) {
	switch p := w.(type) {
	case nil:
		return true, nil
	case All:
		return true, nil
	case IDSet:
		id, ok := rec.ID()
		if !ok || id < 0 {
			return false, nil
		}
		return p.IDs != nil && p.IDs.Contains(uint64(id)), nil
	case IndexRange:
		return inRange(rec[p.Field], p.Lo, p.Hi), nil
	case Func:
		return p(rec), nil
	case Iter:
		for _, item := range p.Seq {
			ok, err := p.Body.EvalBool(rec, map[string]any{"$item": item})
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *Expr:
		return p.EvalBool(rec, nil)
	default:
		return false, fmt.Errorf("unknown predicate %T", w)
	}
}

// inRange compares with the language's value ordering; nil bounds are open.
func inRange(v, lo, hi any) bool {
	if v == nil {
		return false
	}
	if lo != nil {
		if c, ok := compareValues(v, lo); !ok || c < 0 {
			return false
		}
	}
	if hi != nil {
		if c, ok := compareValues(v, hi); !ok || c > 0 {
			return false
		}
	}
	return true
}

// Sort orders result rows. Either Field (with optional Desc) or Key, an
// expression evaluated per record to obtain the sort key.
type Sort struct {
	Field string
	Desc  bool
	Key   *Expr
}

// ParseSort parses a sort source: a field name, "field desc", or a key
// expression for anything more involved.
func ParseSort(source string) (*Sort, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("empty sort source")
	}

	fields := strings.Fields(source)
	if isIdent(fields[0]) {
		s := &Sort{Field: fields[0]}
		if len(fields) == 1 {
			return s, nil
		}
		if len(fields) == 2 && strings.EqualFold(fields[1], "desc") {
			s.Desc = true
			return s, nil
		}
		if len(fields) == 2 && strings.EqualFold(fields[1], "asc") {
			return s, nil
		}
	}

	key, err := ParseExpr(source)
	if err != nil {
		return nil, err
	}
	return &Sort{Key: key}, nil
}

// Apply sorts rows in place.
func (s *Sort) Apply(rows []model.Record) error {
	if s == nil {
		return nil
	}

	type keyed struct {
		key any
		rec model.Record
	}
	pairs := make([]keyed, len(rows))
	for i, rec := range rows {
		if s.Key != nil {
			v, err := s.Key.Eval(rec, nil)
			if err != nil {
				return err
			}
			pairs[i] = keyed{key: v, rec: rec}
		} else {
			pairs[i] = keyed{key: rec[s.Field], rec: rec}
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		c, ok := compareValues(pairs[i].key, pairs[j].key)
		if !ok {
			return false
		}
		if s.Desc {
			return c > 0
		}
		return c < 0
	})
	for i := range pairs {
		rows[i] = pairs[i].rec
	}
	return nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
