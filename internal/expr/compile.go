package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

type valueType int

const (
	typeString valueType = iota + 1
	typeNumber
	typeBool
	typeList
	typeNull
)

func (t valueType) String() string {
	switch t {
	case typeString:
		return "string"
	case typeNumber:
		return "number"
	case typeBool:
		return "bool"
	case typeList:
		return "list"
	case typeNull:
		return "null"
	default:
		return "unknown"
	}
}

type scopeKind int

const (
	outcomeScope scopeKind = iota
	groupScope
)

// scope is the input of a single evaluation. Outcome expressions read
// outcome; group projections read key and group.
type scope struct {
	outcome *domain.InputOutcome
	key     string
	group   []domain.InputOutcome
}

type (
	stringEval func(scope) (string, error)
	numberEval func(scope) (decimal.Decimal, error)
	boolEval   func(scope) (bool, error)
	listEval   func(scope) ([]string, error)
)

// typed is a compiled node. The evaluator matching typ is set; null values
// carry a string evaluator returning "".
type typed struct {
	typ  valueType
	str  stringEval
	num  numberEval
	b    boolEval
	list listEval
}

func stringValue(ev stringEval) typed { return typed{typ: typeString, str: ev} }
func numberValue(ev numberEval) typed { return typed{typ: typeNumber, num: ev} }
func boolValue(ev boolEval) typed     { return typed{typ: typeBool, b: ev} }
func listValue(ev listEval) typed     { return typed{typ: typeList, list: ev} }

func (t typed) isStringLike() bool {
	return t.typ == typeString || t.typ == typeNull
}

var nullValue = typed{typ: typeNull, str: func(scope) (string, error) { return "", nil }}

var outcomeFields = map[string]typed{
	"name":     stringValue(func(s scope) (string, error) { return s.outcome.Name, nil }),
	"header":   stringValue(func(s scope) (string, error) { return s.outcome.Header, nil }),
	"handicap": stringValue(func(s scope) (string, error) { return s.outcome.Handicap, nil }),
	"odd":      numberValue(func(s scope) (decimal.Decimal, error) { return s.outcome.Odd, nil }),
}

var groupFields = map[string]typed{
	"key": stringValue(func(s scope) (string, error) { return s.key, nil }),
	"count": numberValue(func(s scope) (decimal.Decimal, error) {
		return decimal.NewFromInt(int64(len(s.group))), nil
	}),
}

var errDivideByZero = errors.New("division by zero")

type compiler struct {
	src   string
	scope scopeKind
}

// compileSource parses and type-checks src for the given scope.
func compileSource(src string, sc scopeKind) (typed, error) {
	n, err := parse(src)
	if err != nil {
		return typed{}, err
	}
	c := &compiler{src: src, scope: sc}
	return c.compile(n)
}

func (c *compiler) errorf(pos int, format string, args ...any) error {
	return &CompileError{Expr: c.src, Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

func (c *compiler) fields() map[string]typed {
	if c.scope == groupScope {
		return groupFields
	}
	return outcomeFields
}

func (c *compiler) compile(n node) (typed, error) {
	switch n := n.(type) {
	case *numberLit:
		v := n.val
		return numberValue(func(scope) (decimal.Decimal, error) { return v, nil }), nil
	case *stringLit:
		v := n.val
		return stringValue(func(scope) (string, error) { return v, nil }), nil
	case *boolLit:
		v := n.val
		return boolValue(func(scope) (bool, error) { return v, nil }), nil
	case *nullLit:
		return nullValue, nil
	case *identNode:
		return c.compileIdent(n)
	case *unaryNode:
		return c.compileUnary(n)
	case *binaryNode:
		return c.compileBinary(n)
	case *ternaryNode:
		return c.compileTernary(n)
	case *memberNode:
		return c.compileProperty(n)
	case *callNode:
		return c.compileCall(n)
	case *indexNode:
		return c.compileIndex(n)
	}
	return typed{}, c.errorf(n.position(), "unsupported expression")
}

func (c *compiler) compileIdent(n *identNode) (typed, error) {
	lower := strings.ToLower(n.name)
	if f, ok := c.fields()[lower]; ok {
		return f, nil
	}
	if namespaces[lower] {
		return typed{}, c.errorf(n.pos, "%s is not a value", n.name)
	}
	return typed{}, c.errorf(n.pos, "unknown identifier %q", n.name)
}

func (c *compiler) compileUnary(n *unaryNode) (typed, error) {
	x, err := c.compile(n.x)
	if err != nil {
		return typed{}, err
	}
	switch n.op {
	case "!":
		if x.typ != typeBool {
			return typed{}, c.errorf(n.pos, "operator ! needs bool, got %s", x.typ)
		}
		ev := x.b
		return boolValue(func(s scope) (bool, error) {
			v, err := ev(s)
			return !v, err
		}), nil
	case "-":
		if x.typ != typeNumber {
			return typed{}, c.errorf(n.pos, "operator - needs number, got %s", x.typ)
		}
		ev := x.num
		return numberValue(func(s scope) (decimal.Decimal, error) {
			v, err := ev(s)
			return v.Neg(), err
		}), nil
	}
	return typed{}, c.errorf(n.pos, "unknown operator %s", n.op)
}

func (c *compiler) compileBinary(n *binaryNode) (typed, error) {
	l, err := c.compile(n.l)
	if err != nil {
		return typed{}, err
	}
	r, err := c.compile(n.r)
	if err != nil {
		return typed{}, err
	}

	switch n.op {
	case "&&", "||":
		if l.typ != typeBool || r.typ != typeBool {
			return typed{}, c.errorf(n.pos, "operator %s needs bool operands, got %s and %s", n.op, l.typ, r.typ)
		}
		lb, rb := l.b, r.b
		if n.op == "&&" {
			return boolValue(func(s scope) (bool, error) {
				v, err := lb(s)
				if err != nil || !v {
					return false, err
				}
				return rb(s)
			}), nil
		}
		return boolValue(func(s scope) (bool, error) {
			v, err := lb(s)
			if err != nil || v {
				return v, err
			}
			return rb(s)
		}), nil

	case "==", "!=":
		eq, err := c.equality(n, l, r)
		if err != nil {
			return typed{}, err
		}
		if n.op == "==" {
			return boolValue(eq), nil
		}
		return boolValue(func(s scope) (bool, error) {
			v, err := eq(s)
			return !v, err
		}), nil

	case "<", "<=", ">", ">=":
		if l.typ != typeNumber || r.typ != typeNumber {
			return typed{}, c.errorf(n.pos, "operator %s needs number operands, got %s and %s", n.op, l.typ, r.typ)
		}
		ln, rn, op := l.num, r.num, n.op
		return boolValue(func(s scope) (bool, error) {
			a, err := ln(s)
			if err != nil {
				return false, err
			}
			b, err := rn(s)
			if err != nil {
				return false, err
			}
			cmp := a.Cmp(b)
			switch op {
			case "<":
				return cmp < 0, nil
			case "<=":
				return cmp <= 0, nil
			case ">":
				return cmp > 0, nil
			default:
				return cmp >= 0, nil
			}
		}), nil

	case "+":
		if l.typ == typeNumber && r.typ == typeNumber {
			ln, rn := l.num, r.num
			return numberValue(func(s scope) (decimal.Decimal, error) {
				a, err := ln(s)
				if err != nil {
					return decimal.Zero, err
				}
				b, err := rn(s)
				if err != nil {
					return decimal.Zero, err
				}
				return a.Add(b), nil
			}), nil
		}
		if l.isStringLike() || r.isStringLike() {
			ls, err := c.toText(n.l, l)
			if err != nil {
				return typed{}, err
			}
			rs, err := c.toText(n.r, r)
			if err != nil {
				return typed{}, err
			}
			return stringValue(func(s scope) (string, error) {
				a, err := ls(s)
				if err != nil {
					return "", err
				}
				b, err := rs(s)
				if err != nil {
					return "", err
				}
				return a + b, nil
			}), nil
		}
		return typed{}, c.errorf(n.pos, "operator + cannot combine %s and %s", l.typ, r.typ)

	case "-", "*", "/", "%":
		if l.typ != typeNumber || r.typ != typeNumber {
			return typed{}, c.errorf(n.pos, "operator %s needs number operands, got %s and %s", n.op, l.typ, r.typ)
		}
		ln, rn, op := l.num, r.num, n.op
		return numberValue(func(s scope) (decimal.Decimal, error) {
			a, err := ln(s)
			if err != nil {
				return decimal.Zero, err
			}
			b, err := rn(s)
			if err != nil {
				return decimal.Zero, err
			}
			switch op {
			case "-":
				return a.Sub(b), nil
			case "*":
				return a.Mul(b), nil
			}
			if b.IsZero() {
				return decimal.Zero, errDivideByZero
			}
			if op == "/" {
				return a.Div(b), nil
			}
			return a.Mod(b), nil
		}), nil
	}
	return typed{}, c.errorf(n.pos, "unknown operator %s", n.op)
}

// equality builds the == comparison. null compares equal to the empty string.
func (c *compiler) equality(n *binaryNode, l, r typed) (boolEval, error) {
	switch {
	case l.isStringLike() && r.isStringLike():
		ls, rs := l.str, r.str
		return func(s scope) (bool, error) {
			a, err := ls(s)
			if err != nil {
				return false, err
			}
			b, err := rs(s)
			if err != nil {
				return false, err
			}
			return a == b, nil
		}, nil
	case l.typ == typeNumber && r.typ == typeNumber:
		ln, rn := l.num, r.num
		return func(s scope) (bool, error) {
			a, err := ln(s)
			if err != nil {
				return false, err
			}
			b, err := rn(s)
			if err != nil {
				return false, err
			}
			return a.Equal(b), nil
		}, nil
	case l.typ == typeBool && r.typ == typeBool:
		lb, rb := l.b, r.b
		return func(s scope) (bool, error) {
			a, err := lb(s)
			if err != nil {
				return false, err
			}
			b, err := rb(s)
			if err != nil {
				return false, err
			}
			return a == b, nil
		}, nil
	}
	return nil, c.errorf(n.pos, "cannot compare %s with %s", l.typ, r.typ)
}

func (c *compiler) compileTernary(n *ternaryNode) (typed, error) {
	cond, err := c.compile(n.cond)
	if err != nil {
		return typed{}, err
	}
	if cond.typ != typeBool {
		return typed{}, c.errorf(n.cond.position(), "condition must be bool, got %s", cond.typ)
	}
	then, err := c.compile(n.then)
	if err != nil {
		return typed{}, err
	}
	els, err := c.compile(n.els)
	if err != nil {
		return typed{}, err
	}

	cb := cond.b
	switch {
	case then.isStringLike() && els.isStringLike():
		ts, es := then.str, els.str
		out := stringValue(func(s scope) (string, error) {
			ok, err := cb(s)
			if err != nil {
				return "", err
			}
			if ok {
				return ts(s)
			}
			return es(s)
		})
		if then.typ == typeNull && els.typ == typeNull {
			out.typ = typeNull
		}
		return out, nil
	case then.typ == typeNumber && els.typ == typeNumber:
		tn, en := then.num, els.num
		return numberValue(func(s scope) (decimal.Decimal, error) {
			ok, err := cb(s)
			if err != nil {
				return decimal.Zero, err
			}
			if ok {
				return tn(s)
			}
			return en(s)
		}), nil
	case then.typ == typeBool && els.typ == typeBool:
		tb, eb := then.b, els.b
		return boolValue(func(s scope) (bool, error) {
			ok, err := cb(s)
			if err != nil {
				return false, err
			}
			if ok {
				return tb(s)
			}
			return eb(s)
		}), nil
	case then.typ == typeList && els.typ == typeList:
		tl, el := then.list, els.list
		return listValue(func(s scope) ([]string, error) {
			ok, err := cb(s)
			if err != nil {
				return nil, err
			}
			if ok {
				return tl(s)
			}
			return el(s)
		}), nil
	}
	return typed{}, c.errorf(n.pos, "conditional branches differ: %s and %s", then.typ, els.typ)
}

func (c *compiler) compileProperty(n *memberNode) (typed, error) {
	if id, ok := n.x.(*identNode); ok && c.isNamespace(id) {
		return typed{}, c.errorf(n.pos, "%s.%s must be called", id.name, n.name)
	}
	x, err := c.compile(n.x)
	if err != nil {
		return typed{}, err
	}
	name := strings.ToLower(n.name)
	switch {
	case x.isStringLike() && name == "length":
		ev := x.str
		return numberValue(func(s scope) (decimal.Decimal, error) {
			v, err := ev(s)
			return decimal.NewFromInt(int64(utf8.RuneCountInString(v))), err
		}), nil
	case x.typ == typeList && (name == "length" || name == "count"):
		ev := x.list
		return numberValue(func(s scope) (decimal.Decimal, error) {
			v, err := ev(s)
			return decimal.NewFromInt(int64(len(v))), err
		}), nil
	}
	return typed{}, c.errorf(n.pos, "%s has no property %q", x.typ, n.name)
}

func (c *compiler) compileCall(n *callNode) (typed, error) {
	args := make([]typed, len(n.args))
	for i, a := range n.args {
		t, err := c.compile(a)
		if err != nil {
			return typed{}, err
		}
		args[i] = t
	}

	switch fn := n.fn.(type) {
	case *identNode:
		return c.callFunction(n, strings.ToLower(fn.name), fn.name, args)
	case *memberNode:
		if id, ok := fn.x.(*identNode); ok && c.isNamespace(id) {
			qualified := strings.ToLower(id.name) + "." + strings.ToLower(fn.name)
			return c.callFunction(n, qualified, id.name+"."+fn.name, args)
		}
		recv, err := c.compile(fn.x)
		if err != nil {
			return typed{}, err
		}
		return c.callMethod(n, fn, recv, args)
	}
	return typed{}, c.errorf(n.pos, "expression is not callable")
}

// isNamespace reports whether id names a function namespace rather than a
// scope field.
func (c *compiler) isNamespace(id *identNode) bool {
	lower := strings.ToLower(id.name)
	if _, ok := c.fields()[lower]; ok {
		return false
	}
	return namespaces[lower]
}

func (c *compiler) callFunction(n *callNode, key, display string, args []typed) (typed, error) {
	fn, ok := functions[key]
	if !ok {
		return typed{}, c.errorf(n.fn.position(), "unknown function %s", display)
	}
	return fn(c, n, display, args)
}

func (c *compiler) callMethod(n *callNode, fn *memberNode, recv typed, args []typed) (typed, error) {
	var table map[string]builtin
	switch {
	case recv.isStringLike():
		table = stringMethods
	case recv.typ == typeList:
		table = listMethods
	case recv.typ == typeNumber:
		table = numberMethods
	}
	m, ok := table[strings.ToLower(fn.name)]
	if !ok {
		return typed{}, c.errorf(fn.pos, "%s has no method %q", recv.typ, fn.name)
	}
	return m(c, n, fn.name, append([]typed{recv}, args...))
}

func (c *compiler) compileIndex(n *indexNode) (typed, error) {
	x, err := c.compile(n.x)
	if err != nil {
		return typed{}, err
	}
	idx, err := c.compile(n.index)
	if err != nil {
		return typed{}, err
	}
	if idx.typ != typeNumber {
		return typed{}, c.errorf(n.index.position(), "index must be a number, got %s", idx.typ)
	}
	in := idx.num

	switch {
	case x.typ == typeList:
		xl := x.list
		return stringValue(func(s scope) (string, error) {
			list, err := xl(s)
			if err != nil {
				return "", err
			}
			i, err := indexValue(in, s, len(list))
			if err != nil {
				return "", err
			}
			return list[i], nil
		}), nil
	case x.isStringLike():
		xs := x.str
		return stringValue(func(s scope) (string, error) {
			str, err := xs(s)
			if err != nil {
				return "", err
			}
			runes := []rune(str)
			i, err := indexValue(in, s, len(runes))
			if err != nil {
				return "", err
			}
			return string(runes[i]), nil
		}), nil
	}
	return typed{}, c.errorf(n.pos, "%s cannot be indexed", x.typ)
}

// indexValue evaluates an index and checks it against length.
func indexValue(ev numberEval, s scope, length int) (int, error) {
	d, err := ev(s)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("index %s is not an integer", d)
	}
	if d.Sign() < 0 || d.GreaterThanOrEqual(decimal.NewFromInt(int64(length))) {
		return 0, fmt.Errorf("index %s out of range [0,%d)", d, length)
	}
	return int(d.IntPart()), nil
}

// toText converts any scalar to its string form for concatenation.
func (c *compiler) toText(n node, t typed) (stringEval, error) {
	switch t.typ {
	case typeString, typeNull:
		return t.str, nil
	case typeNumber:
		ev := t.num
		return func(s scope) (string, error) {
			d, err := ev(s)
			if err != nil {
				return "", err
			}
			return d.String(), nil
		}, nil
	case typeBool:
		ev := t.b
		return func(s scope) (string, error) {
			v, err := ev(s)
			if err != nil {
				return "", err
			}
			return strconv.FormatBool(v), nil
		}, nil
	}
	return nil, c.errorf(n.position(), "cannot convert %s to string", t.typ)
}

// parseNumber parses decimal text, tolerating surrounding spaces and a
// leading plus sign.
func parseNumber(text string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Zero, fmt.Errorf("cannot parse %q as a number", text)
	}
	return d, nil
}
