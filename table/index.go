package table

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/jemdb/jemdb/model"
	"github.com/jemdb/jemdb/query"
)

// indexSet maintains the secondary indexes of one table. Ids are kept in
// roaring bitmaps keyed by the indexed value; the range flavor additionally
// keeps its keys ordered so @@index(field, lo, hi) resolves without a scan.
//
// Indexes live in memory and are rebuilt from the row set on open or
// Create; only sharded tables persist their specs (in the nested meta
// table).
type indexSet struct {
	flags  map[string]*flagIndex
	hashes map[string]*hashIndex
	ranges map[string]*rangeIndex
}

func newIndexSet() *indexSet {
	return &indexSet{
		flags:  make(map[string]*flagIndex),
		hashes: make(map[string]*hashIndex),
		ranges: make(map[string]*rangeIndex),
	}
}

type flagIndex struct {
	ids *roaring64.Bitmap
}

type hashIndex struct {
	unique bool
	byKey  map[string]*roaring64.Bitmap
}

type rangeIndex struct {
	unique bool
	keys   []string // sorted encoded keys
	byKey  map[string]*roaring64.Bitmap
}

// indexKey folds an indexed value into a sortable string key. Numbers are
// padded so lexicographic order matches numeric order for non-negative
// values; negatives sort before them.
func indexKey(v any) string {
	switch t := v.(type) {
	case string:
		return "s" + t
	case bool:
		if t {
			return "b1"
		}
		return "b0"
	case nil:
		return "_"
	default:
		if f, ok := model.ToInt64(v); ok {
			if f < 0 {
				return fmt.Sprintf("m%019d", f+1<<62)
			}
			return fmt.Sprintf("n%019d", f)
		}
		return fmt.Sprintf("v%v", v)
	}
}

// specs lists the declared indexes.
func (s *indexSet) specs() []IndexSpec {
	out := make([]IndexSpec, 0, len(s.flags)+len(s.hashes)+len(s.ranges))
	for f := range s.flags {
		out = append(out, IndexSpec{Field: f, Kind: IndexFlag})
	}
	for f, h := range s.hashes {
		out = append(out, IndexSpec{Field: f, Kind: IndexHash, Unique: h.unique})
	}
	for f, r := range s.ranges {
		out = append(out, IndexSpec{Field: f, Kind: IndexRange, Unique: r.unique})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (s *indexSet) has(spec IndexSpec) bool {
	switch spec.Kind {
	case IndexFlag:
		_, ok := s.flags[spec.Field]
		return ok
	case IndexHash:
		_, ok := s.hashes[spec.Field]
		return ok
	case IndexRange:
		_, ok := s.ranges[spec.Field]
		return ok
	}
	return false
}

func (s *indexSet) create(spec IndexSpec) error {
	if s.has(spec) {
		return fmt.Errorf("index %s/%s already exists", spec.Kind, spec.Field)
	}
	switch spec.Kind {
	case IndexFlag:
		s.flags[spec.Field] = &flagIndex{ids: roaring64.New()}
	case IndexHash:
		s.hashes[spec.Field] = &hashIndex{unique: spec.Unique, byKey: map[string]*roaring64.Bitmap{}}
	case IndexRange:
		s.ranges[spec.Field] = &rangeIndex{unique: spec.Unique, byKey: map[string]*roaring64.Bitmap{}}
	default:
		return fmt.Errorf("unknown index kind %q", spec.Kind)
	}
	return nil
}

func (s *indexSet) drop(spec IndexSpec) error {
	if !s.has(spec) {
		return fmt.Errorf("index %s/%s does not exist", spec.Kind, spec.Field)
	}
	switch spec.Kind {
	case IndexFlag:
		delete(s.flags, spec.Field)
	case IndexHash:
		delete(s.hashes, spec.Field)
	case IndexRange:
		delete(s.ranges, spec.Field)
	}
	return nil
}

// checkUnique verifies a record against the unique indexes before a write.
// exclude is an id to skip (the row being replaced), or a negative value.
func (s *indexSet) checkUnique(rec model.Record, exclude int64) error {
	check := func(field string, byKey map[string]*roaring64.Bitmap) error {
		v, ok := rec[field]
		if !ok || v == nil {
			return nil
		}
		bm := byKey[indexKey(v)]
		if bm == nil || bm.IsEmpty() {
			return nil
		}
		if exclude >= 0 && bm.GetCardinality() == 1 && bm.Contains(uint64(exclude)) {
			return nil
		}
		return fmt.Errorf("%w: field %s value %v", ErrUniqueViolated, field, v)
	}

	for field, h := range s.hashes {
		if h.unique {
			if err := check(field, h.byKey); err != nil {
				return err
			}
		}
	}
	for field, r := range s.ranges {
		if r.unique {
			if err := check(field, r.byKey); err != nil {
				return err
			}
		}
	}
	return nil
}

// add registers a record in every index.
func (s *indexSet) add(id int64, rec model.Record) {
	if id < 0 {
		return
	}
	uid := uint64(id)

	for field, f := range s.flags {
		if query.Truthy(rec[field]) {
			f.ids.Add(uid)
		}
	}
	for field, h := range s.hashes {
		if v, ok := rec[field]; ok && v != nil {
			key := indexKey(v)
			bm := h.byKey[key]
			if bm == nil {
				bm = roaring64.New()
				h.byKey[key] = bm
			}
			bm.Add(uid)
		}
	}
	for field, r := range s.ranges {
		if v, ok := rec[field]; ok && v != nil {
			key := indexKey(v)
			bm := r.byKey[key]
			if bm == nil {
				bm = roaring64.New()
				r.byKey[key] = bm
				pos := sort.SearchStrings(r.keys, key)
				r.keys = append(r.keys, "")
				copy(r.keys[pos+1:], r.keys[pos:])
				r.keys[pos] = key
			}
			bm.Add(uid)
		}
	}
}

// remove unregisters a record from every index.
func (s *indexSet) remove(id int64, rec model.Record) {
	if id < 0 || rec == nil {
		return
	}
	uid := uint64(id)

	for _, f := range s.flags {
		f.ids.Remove(uid)
	}
	for field, h := range s.hashes {
		if v, ok := rec[field]; ok && v != nil {
			key := indexKey(v)
			if bm := h.byKey[key]; bm != nil {
				bm.Remove(uid)
				if bm.IsEmpty() {
					delete(h.byKey, key)
				}
			}
		}
	}
	for field, r := range s.ranges {
		if v, ok := rec[field]; ok && v != nil {
			key := indexKey(v)
			if bm := r.byKey[key]; bm != nil {
				bm.Remove(uid)
				if bm.IsEmpty() {
					delete(r.byKey, key)
					pos := sort.SearchStrings(r.keys, key)
					if pos < len(r.keys) && r.keys[pos] == key {
						r.keys = append(r.keys[:pos], r.keys[pos+1:]...)
					}
				}
			}
		}
	}
}

// lookupRange answers an @@index predicate from the range index, if one
// exists for the field. Nil bounds are open.
func (s *indexSet) lookupRange(p query.IndexRange) (*roaring64.Bitmap, bool) {
	r, ok := s.ranges[p.Field]
	if !ok {
		return nil, false
	}

	lo := 0
	hi := len(r.keys)
	if p.Lo != nil {
		key := indexKey(p.Lo)
		lo = sort.SearchStrings(r.keys, key)
	}
	if p.Hi != nil {
		key := indexKey(p.Hi)
		hi = sort.Search(len(r.keys), func(i int) bool { return r.keys[i] > key })
	}

	out := roaring64.New()
	for i := lo; i < hi; i++ {
		out.Or(r.byKey[r.keys[i]])
	}
	return out, true
}

// lookupFlag returns the flag bitmap for a field, if indexed.
func (s *indexSet) lookupFlag(field string) (*roaring64.Bitmap, bool) {
	f, ok := s.flags[field]
	if !ok {
		return nil, false
	}
	return f.ids, true
}

// lookupHash returns the id set for an exact value, if the field has a hash
// index.
func (s *indexSet) lookupHash(field string, v any) (*roaring64.Bitmap, bool) {
	h, ok := s.hashes[field]
	if !ok {
		return nil, false
	}
	bm := h.byKey[indexKey(v)]
	if bm == nil {
		bm = roaring64.New()
	}
	return bm, true
}
