// Package model holds the value types shared by the database facade, the
// tables and the row storage engine.
package model

// Record is a schemaless document. The only field the engine interprets is
// "id", which must be an integer for basic and memory tables and must be
// absent on sharded-table inserts.
type Record map[string]any

// ID returns the record's id field. ok is false if the field is missing or
// not an integer-valued number.
func (r Record) ID() (int64, bool) {
	v, ok := r["id"]
	if !ok {
		return 0, false
	}
	return ToInt64(v)
}

// WithID returns a shallow copy of the record with the id field set.
func (r Record) WithID(id int64) Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	out["id"] = id
	return out
}

// ToInt64 converts a decoded JSON number (or a native Go integer) to int64.
// Floats with a fractional part are rejected.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return ToInt64(float64(n))
	default:
		return 0, false
	}
}
