package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/jemdb/jemdb/model"
)

// The expression language embedded in query strings. It is deliberately
// small: literals, record field paths, arithmetic, comparisons, boolean
// connectives and the engine builtins @@all, @@id, @@index and @@iter.
// Records are read-only inside an expression.

//nolint:govet // participle grammar tags are not standard struct tags
type exprNode struct {
	Or *orNode `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type orNode struct {
	Left *andNode   `@@`
	Rest []*andNode `( "||" @@ )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type andNode struct {
	Left *cmpNode   `@@`
	Rest []*cmpNode `( "&&" @@ )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type cmpNode struct {
	Left  *sumNode `@@`
	Op    string   `( @( "==" | "!=" | "<=" | ">=" | "<" | ">" )`
	Right *sumNode `  @@ )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type sumNode struct {
	Left *termNode  `@@`
	Rest []*sumTail `( @@ )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type sumTail struct {
	Op   string    `@( "+" | "-" )`
	Term *termNode `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type termNode struct {
	Left *unaryNode  `@@`
	Rest []*termTail `( @@ )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type termTail struct {
	Op    string     `@( "*" | "/" | "%" )`
	Unary *unaryNode `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type unaryNode struct {
	Op      string       `@( "!" | "-" )?`
	Primary *primaryNode `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type primaryNode struct {
	Number *float64   `  @Number`
	Str    *string    `| @String`
	True   bool       `| @"true"`
	False  bool       `| @"false"`
	Null   bool       `| @"null"`
	Call   *callNode  `| @@`
	Array  *arrayNode `| @@`
	Path   *pathNode  `| @@`
	Sub    *exprNode  `| "(" @@ ")"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type callNode struct {
	Name string      `@Builtin`
	Args []*exprNode `"(" ( @@ ( "," @@ )* )? ")"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type arrayNode struct {
	Items []*exprNode `"[" ( @@ ( "," @@ )* )? "]"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type pathNode struct {
	Root  string   `@Ident`
	Parts []string `( "." @Ident )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type modNode struct {
	Stmts []*assignNode `@@ ( ";" @@ )* ";"?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type assignNode struct {
	Path *pathNode `@@`
	Expr *exprNode `"=" @@`
}

var exprLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Number", Pattern: `[0-9]+(?:\.[0-9]+)?`},
	{Name: "String", Pattern: `'(?:\\.|[^'\\])*'|"(?:\\.|[^"\\])*"`},
	{Name: "Builtin", Pattern: `@@[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Ident", Pattern: `[a-zA-Z_$][a-zA-Z0-9_$]*`},
	{Name: "Op", Pattern: `==|!=|<=|>=|&&|\|\||[-+*/%!<>=;.,()\[\]]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var (
	exprParser = participle.MustBuild[exprNode](
		participle.Lexer(exprLexer),
		participle.Elide("Whitespace"),
		participle.UseLookahead(2),
	)
	modParser = participle.MustBuild[modNode](
		participle.Lexer(exprLexer),
		participle.Elide("Whitespace"),
		participle.UseLookahead(2),
	)
)

// program is a parsed expression ready for evaluation.
type program struct {
	root *exprNode
}

// ParseExpr parses expression source into an evaluable Expr.
func ParseExpr(source string) (*Expr, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}
	root, err := exprParser.ParseString("", source)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", source, err)
	}
	return &Expr{Source: source, prog: &program{root: root}}, nil
}

// ParseWhere parses predicate source into a Where. A top-level builtin call
// becomes its structural form so tables can answer it from an index.
func ParseWhere(source string) (Where, error) {
	expr, err := ParseExpr(source)
	if err != nil {
		return nil, err
	}

	if call := expr.prog.root.topCall(); call != nil {
		return whereFromCall(call)
	}
	return expr, nil
}

// topCall returns the builtin call if the whole expression is one call.
func (n *exprNode) topCall() *callNode {
	or := n.Or
	if len(or.Rest) != 0 || len(or.Left.Rest) != 0 {
		return nil
	}
	cmp := or.Left.Left
	if cmp.Op != "" {
		return nil
	}
	sum := cmp.Left
	if len(sum.Rest) != 0 || len(sum.Left.Rest) != 0 {
		return nil
	}
	unary := sum.Left.Left
	if unary.Op != "" {
		return nil
	}
	return unary.Primary.Call
}

func whereFromCall(call *callNode) (Where, error) {
	switch call.Name {
	case "@@all":
		return All{}, nil

	case "@@id":
		ids := make([]int64, 0, len(call.Args))
		for _, arg := range call.Args {
			v, err := evalNode(arg, nil, nil)
			if err != nil {
				return nil, err
			}
			id, ok := model.ToInt64(v)
			if !ok {
				return nil, fmt.Errorf("@@id argument %v is not an integer", v)
			}
			ids = append(ids, id)
		}
		return IDs(ids...), nil

	case "@@index":
		if len(call.Args) != 3 {
			return nil, fmt.Errorf("@@index expects (field, lo, hi)")
		}
		field, err := constString(call.Args[0])
		if err != nil {
			return nil, err
		}
		lo, err := evalNode(call.Args[1], nil, nil)
		if err != nil {
			return nil, err
		}
		hi, err := evalNode(call.Args[2], nil, nil)
		if err != nil {
			return nil, err
		}
		return IndexRange{Field: field, Lo: lo, Hi: hi}, nil

	case "@@iter":
		if len(call.Args) != 2 {
			return nil, fmt.Errorf("@@iter expects (seq, body)")
		}
		seqVal, err := evalNode(call.Args[0], nil, nil)
		if err != nil {
			return nil, err
		}
		seq, ok := seqVal.([]any)
		if !ok {
			return nil, fmt.Errorf("@@iter sequence must be an array")
		}
		return Iter{Seq: seq, Body: &Expr{Source: "<iter body>", prog: &program{root: call.Args[1]}}}, nil

	default:
		return nil, fmt.Errorf("unknown builtin %s", call.Name)
	}
}

// constString evaluates an argument that must be a string literal or a bare
// field name.
func constString(n *exprNode) (string, error) {
	if call := n.topCall(); call != nil {
		return "", fmt.Errorf("expected field name, got builtin call")
	}
	p := n.Or.Left.Left.Left.Left.Left.Primary
	if p != nil {
		if p.Str != nil {
			return unquote(*p.Str)
		}
		if p.Path != nil && len(p.Path.Parts) == 0 {
			return p.Path.Root, nil
		}
	}
	return "", fmt.Errorf("expected field name")
}

// Eval evaluates the expression against a record with optional extra
// bindings (e.g. $item inside @@iter bodies).
func (e *Expr) Eval(rec model.Record, bindings map[string]any) (any, error) {
	if e.prog == nil {
		parsed, err := ParseExpr(e.Source)
		if err != nil {
			return nil, err
		}
		e.prog = parsed.prog
	}
	return evalNode(e.prog.root, rec, bindings)
}

// EvalBool evaluates the expression and coerces the result to a boolean.
func (e *Expr) EvalBool(rec model.Record, bindings map[string]any) (bool, error) {
	v, err := e.Eval(rec, bindings)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Mod is a parsed list of `path = expr` assignments applied by Update.
type Mod struct {
	Source string
	stmts  []*assignNode
}

// ParseMod parses update-mutation source.
func ParseMod(source string) (*Mod, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("empty mod source")
	}
	root, err := modParser.ParseString("", source)
	if err != nil {
		return nil, fmt.Errorf("invalid mod %q: %w", source, err)
	}
	return &Mod{Source: source, stmts: root.Stmts}, nil
}

// Apply runs the assignments against a record in place. The id field is
// never assignable.
func (m *Mod) Apply(rec model.Record) error {
	for _, st := range m.stmts {
		if st.Path.Root == "id" && len(st.Path.Parts) == 0 {
			return fmt.Errorf("cannot assign to id")
		}
		v, err := evalNode(st.Expr, rec, nil)
		if err != nil {
			return err
		}
		if err := assignPath(rec, st.Path, v); err != nil {
			return err
		}
	}
	return nil
}

func assignPath(rec model.Record, path *pathNode, v any) error {
	if len(path.Parts) == 0 {
		rec[path.Root] = v
		return nil
	}

	cur := any(map[string]any(rec))
	keys := append([]string{path.Root}, path.Parts...)
	for _, k := range keys[:len(keys)-1] {
		m, ok := cur.(map[string]any)
		if !ok {
			return fmt.Errorf("path %s crosses a non-object", strings.Join(keys, "."))
		}
		next, ok := m[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[k] = next
		}
		cur = next
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return fmt.Errorf("path %s crosses a non-object", strings.Join(keys, "."))
	}
	m[keys[len(keys)-1]] = v
	return nil
}

// --- evaluation ---

func evalNode(n *exprNode, rec model.Record, bindings map[string]any) (any, error) {
	return evalOr(n.Or, rec, bindings)
}

func evalOr(n *orNode, rec model.Record, bindings map[string]any) (any, error) {
	v, err := evalAnd(n.Left, rec, bindings)
	if err != nil {
		return nil, err
	}
	for _, alt := range n.Rest {
		if Truthy(v) {
			return v, nil
		}
		v, err = evalAnd(alt, rec, bindings)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func evalAnd(n *andNode, rec model.Record, bindings map[string]any) (any, error) {
	v, err := evalCmp(n.Left, rec, bindings)
	if err != nil {
		return nil, err
	}
	for _, alt := range n.Rest {
		if !Truthy(v) {
			return v, nil
		}
		v, err = evalCmp(alt, rec, bindings)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func evalCmp(n *cmpNode, rec model.Record, bindings map[string]any) (any, error) {
	left, err := evalSum(n.Left, rec, bindings)
	if err != nil {
		return nil, err
	}
	if n.Op == "" {
		return left, nil
	}
	right, err := evalSum(n.Right, rec, bindings)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "==":
		return equalValues(left, right), nil
	case "!=":
		return !equalValues(left, right), nil
	}

	c, ok := compareValues(left, right)
	if !ok {
		return false, nil
	}
	switch n.Op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return nil, fmt.Errorf("unknown comparison %q", n.Op)
}

func evalSum(n *sumNode, rec model.Record, bindings map[string]any) (any, error) {
	v, err := evalTerm(n.Left, rec, bindings)
	if err != nil {
		return nil, err
	}
	for _, tail := range n.Rest {
		r, err := evalTerm(tail.Term, rec, bindings)
		if err != nil {
			return nil, err
		}
		v, err = arith(tail.Op, v, r)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func evalTerm(n *termNode, rec model.Record, bindings map[string]any) (any, error) {
	v, err := evalUnary(n.Left, rec, bindings)
	if err != nil {
		return nil, err
	}
	for _, tail := range n.Rest {
		r, err := evalUnary(tail.Unary, rec, bindings)
		if err != nil {
			return nil, err
		}
		v, err = arith(tail.Op, v, r)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func evalUnary(n *unaryNode, rec model.Record, bindings map[string]any) (any, error) {
	v, err := evalPrimary(n.Primary, rec, bindings)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "":
		return v, nil
	case "!":
		return !Truthy(v), nil
	case "-":
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary %q", n.Op)
}

func evalPrimary(n *primaryNode, rec model.Record, bindings map[string]any) (any, error) {
	switch {
	case n.Number != nil:
		return *n.Number, nil
	case n.Str != nil:
		return unquote(*n.Str)
	case n.True:
		return true, nil
	case n.False:
		return false, nil
	case n.Null:
		return nil, nil
	case n.Array != nil:
		items := make([]any, 0, len(n.Array.Items))
		for _, it := range n.Array.Items {
			v, err := evalNode(it, rec, bindings)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case n.Call != nil:
		return nil, fmt.Errorf("builtin %s is only valid at the top of a predicate", n.Call.Name)
	case n.Path != nil:
		return resolvePath(n.Path, rec, bindings)
	case n.Sub != nil:
		return evalNode(n.Sub, rec, bindings)
	}
	return nil, fmt.Errorf("empty expression term")
}

func resolvePath(p *pathNode, rec model.Record, bindings map[string]any) (any, error) {
	var v any
	if strings.HasPrefix(p.Root, "$") {
		bound, ok := bindings[p.Root]
		if !ok {
			return nil, fmt.Errorf("unbound variable %s", p.Root)
		}
		v = bound
	} else {
		if rec == nil {
			return nil, nil
		}
		v = rec[p.Root]
	}

	for _, part := range p.Parts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, nil
		}
		v = m[part]
	}
	return v, nil
}

func unquote(tok string) (string, error) {
	if len(tok) < 2 {
		return "", fmt.Errorf("bad string literal %q", tok)
	}
	if tok[0] == '\'' {
		inner := strings.ReplaceAll(tok[1:len(tok)-1], `\'`, `'`)
		inner = strings.ReplaceAll(inner, `"`, `\"`)
		tok = `"` + inner + `"`
	}
	s, err := strconv.Unquote(tok)
	if err != nil {
		return "", fmt.Errorf("bad string literal %q: %w", tok, err)
	}
	return s, nil
}

func arith(op string, a, b any) (any, error) {
	if op == "+" {
		if as, ok := a.(string); ok {
			if bs, ok := b.(string); ok {
				return as + bs, nil
			}
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("cannot apply %q to %T and %T", op, a, b)
	}
	switch op {
	case "+":
		return af + bf, nil
	case "-":
		return af - bf, nil
	case "*":
		return af * bf, nil
	case "/":
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return af / bf, nil
	case "%":
		if int64(bf) == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return float64(int64(af) % int64(bf)), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

// Truthy reports whether a value counts as true in a predicate position.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		f, ok := toFloat(v)
		if ok {
			return f != 0
		}
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// equalValues compares for ==; numbers compare numerically across int and
// float representations.
func equalValues(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	switch at := a.(type) {
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case nil:
		return b == nil
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !equalValues(at[i], bt[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// compareValues orders two values: numbers numerically, strings
// lexicographically, booleans false<true. ok is false for mixed or
// unordered types.
func compareValues(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	switch at := a.(type) {
	case string:
		bt, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(at, bt), true
	case bool:
		bt, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case at == bt:
			return 0, true
		case bt:
			return -1, true
		default:
			return 1, true
		}
	default:
		return 0, false
	}
}
