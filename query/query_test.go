package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jemdb/jemdb/model"
)

func TestParseWhereBuiltins(t *testing.T) {
	w, err := ParseWhere("@@all()")
	require.NoError(t, err)
	assert.IsType(t, All{}, w)

	w, err = ParseWhere("@@id(1, 2, 3)")
	require.NoError(t, err)
	ids, ok := w.(IDSet)
	require.True(t, ok)
	assert.Equal(t, uint64(3), ids.IDs.GetCardinality())
	assert.True(t, ids.IDs.Contains(2))

	w, err = ParseWhere("@@index('age', 18, 65)")
	require.NoError(t, err)
	rng, ok := w.(IndexRange)
	require.True(t, ok)
	assert.Equal(t, "age", rng.Field)
	assert.Equal(t, float64(18), rng.Lo)
	assert.Equal(t, float64(65), rng.Hi)

	w, err = ParseWhere("@@iter([1,2,3], id == $item)")
	require.NoError(t, err)
	it, ok := w.(Iter)
	require.True(t, ok)
	assert.Len(t, it.Seq, 3)

	match, err := Matches(it, model.Record{"id": int64(2)})
	require.NoError(t, err)
	assert.True(t, match)
	match, err = Matches(it, model.Record{"id": int64(7)})
	require.NoError(t, err)
	assert.False(t, match)
}

func TestExprEval(t *testing.T) {
	rec := model.Record{
		"name": "alice",
		"age":  float64(30),
		"tags": []any{"a", "b"},
		"meta": map[string]any{"city": "oslo"},
		"ok":   true,
	}

	tests := []struct {
		source string
		want   bool
	}{
		{"age == 30", true},
		{"age != 30", false},
		{"age > 18 && age < 65", true},
		{"name == 'alice' || name == 'bob'", true},
		{"name == 'bob'", false},
		{"meta.city == 'oslo'", true},
		{"meta.missing == null", true},
		{"!ok == false", true},
		{"age + 5 == 35", true},
		{"age * 2 - 10 == 50", true},
		{"age % 7 == 2", true},
		{"'al' + 'ice' == name", true},
		{"(age > 100 || ok) && name == 'alice'", true},
	}
	for _, tt := range tests {
		expr, err := ParseExpr(tt.source)
		require.NoError(t, err, tt.source)
		got, err := expr.EvalBool(rec, nil)
		require.NoError(t, err, tt.source)
		assert.Equal(t, tt.want, got, tt.source)
	}
}

func TestExprErrors(t *testing.T) {
	_, err := ParseExpr("")
	assert.Error(t, err)

	_, err = ParseExpr("a ==")
	assert.Error(t, err)

	expr, err := ParseExpr("1 / 0 == 1")
	require.NoError(t, err)
	_, err = expr.Eval(model.Record{}, nil)
	assert.Error(t, err)
}

func TestMod(t *testing.T) {
	mod, err := ParseMod("a = a + 1; meta.city = 'bergen'; flag = true")
	require.NoError(t, err)

	rec := model.Record{"id": int64(1), "a": float64(41)}
	require.NoError(t, mod.Apply(rec))
	assert.Equal(t, float64(42), rec["a"])
	assert.Equal(t, "bergen", rec["meta"].(map[string]any)["city"])
	assert.Equal(t, true, rec["flag"])
}

func TestModRejectsID(t *testing.T) {
	mod, err := ParseMod("id = 7")
	require.NoError(t, err)
	assert.Error(t, mod.Apply(model.Record{"id": int64(1)}))
}

func TestSort(t *testing.T) {
	rows := []model.Record{
		{"id": int64(1), "n": float64(3)},
		{"id": int64(2), "n": float64(1)},
		{"id": int64(3), "n": float64(2)},
	}

	s, err := ParseSort("n")
	require.NoError(t, err)
	require.NoError(t, s.Apply(rows))
	assert.Equal(t, float64(1), rows[0]["n"])
	assert.Equal(t, float64(3), rows[2]["n"])

	s, err = ParseSort("n desc")
	require.NoError(t, err)
	require.NoError(t, s.Apply(rows))
	assert.Equal(t, float64(3), rows[0]["n"])

	s, err = ParseSort("n * -1")
	require.NoError(t, err)
	require.NoError(t, s.Apply(rows))
	assert.Equal(t, float64(3), rows[0]["n"])
}

func TestEsc(t *testing.T) {
	assert.Equal(t, `'it\'s'`, Esc("it's"))
	assert.Equal(t, "42", Esc(int64(42)))
	assert.Equal(t, "4.5", Esc(4.5))
	assert.Equal(t, "true", Esc(true))
	assert.Equal(t, "null", Esc(nil))
	assert.Equal(t, `['a','b']`, Esc([]string{"a", "b"}))
	assert.Equal(t, `[1,2]`, Esc([]int64{1, 2}))

	// The escaped literal round-trips through the parser.
	expr, err := ParseExpr("name == " + Esc("it's"))
	require.NoError(t, err)
	ok, err := expr.EvalBool(model.Record{"name": "it's"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchesStructural(t *testing.T) {
	rec := model.Record{"id": int64(5), "age": float64(20)}

	ok, err := Matches(IDs(5), rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(IDs(6), rec)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Matches(IndexRange{Field: "age", Lo: float64(18), Hi: float64(65)}, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(IndexRange{Field: "age", Lo: float64(30), Hi: nil}, rec)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Matches(Func(func(r model.Record) bool { return r["age"] == float64(20) }), rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(All{}, rec)
	require.NoError(t, err)
	assert.True(t, ok)
}
