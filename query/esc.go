package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jemdb/jemdb/model"
)

// Esc renders a Go value as an expression-language literal. It is the
// supported injection path for untrusted values in query source:
//
//	where, _ := query.ParseWhere("name == " + query.Esc(userInput))
//
// Strings are quoted and escaped, numbers rendered in decimal, slices as
// array literals.
func Esc(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return escString(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = Esc(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []string:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = escString(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []int64:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = strconv.FormatInt(e, 10)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		if n, ok := model.ToInt64(v); ok {
			return strconv.FormatInt(n, 10)
		}
		return fmt.Sprintf("%v", v)
	}
}

func escString(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
