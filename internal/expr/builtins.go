package expr

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// builtin compiles a call. For methods args[0] is the receiver.
type builtin func(c *compiler, n *callNode, name string, args []typed) (typed, error)

// namespaces may prefix function names, e.g. decimal.Parse or
// GeneralFunctions.GetCompetitor.
var namespaces = map[string]bool{
	"decimal":          true,
	"int":              true,
	"string":           true,
	"generalfunctions": true,
}

var functions = map[string]builtin{
	"decimal.parse":                  fnParseDecimal,
	"parsedecimal":                   fnParseDecimal,
	"generalfunctions.parsedecimal":  fnParseDecimal,
	"int.parse":                      fnParseInt,
	"parseint":                       fnParseInt,
	"generalfunctions.parseint":      fnParseInt,
	"string.isnullorempty":           fnIsNullOrEmpty,
	"isnullorempty":                  fnIsNullOrEmpty,
	"string.isnullorwhitespace":      fnIsNullOrWhiteSpace,
	"getcompetitor":                  fnGetCompetitor,
	"generalfunctions.getcompetitor": fnGetCompetitor,
	"normalize":                      fnNormalize,
	"generalfunctions.normalize":     fnNormalize,
	"ismatch":                        fnIsMatch,
	"generalfunctions.ismatch":       fnIsMatch,
}

var stringMethods = map[string]builtin{
	"startswith": stringPredicate(strings.HasPrefix),
	"endswith":   stringPredicate(strings.HasSuffix),
	"contains":   stringPredicate(strings.Contains),
	"indexof":    mIndexOf,
	"substring":  mSubstring,
	"trim":       trimMethod(strings.TrimSpace, strings.Trim),
	"trimstart": trimMethod(func(s string) string {
		return strings.TrimLeftFunc(s, unicode.IsSpace)
	}, strings.TrimLeft),
	"trimend": trimMethod(func(s string) string {
		return strings.TrimRightFunc(s, unicode.IsSpace)
	}, strings.TrimRight),
	"toupper":  stringMapper(strings.ToUpper),
	"tolower":  stringMapper(strings.ToLower),
	"tostring": stringMapper(func(s string) string { return s }),
	"replace":  mReplace,
	"split":    mSplit,
}

var listMethods = map[string]builtin{
	"first":    listEnd(true),
	"last":     listEnd(false),
	"contains": mListContains,
}

var numberMethods = map[string]builtin{
	"tostring": mNumberToString,
}

func (c *compiler) checkArity(n *callNode, name string, got, min, max int) error {
	if got >= min && got <= max {
		return nil
	}
	if min == max {
		return c.errorf(n.pos, "%s takes %d argument(s), got %d", name, min, got)
	}
	return c.errorf(n.pos, "%s takes %d to %d arguments, got %d", name, min, max, got)
}

// stringArg returns the evaluator of argument i, which must be a string.
// For methods the receiver is not counted in i.
func (c *compiler) stringArg(n *callNode, name string, t typed, i int) (stringEval, error) {
	if !t.isStringLike() {
		return nil, c.errorf(n.args[i].position(), "argument %d of %s must be a string, got %s", i+1, name, t.typ)
	}
	return t.str, nil
}

func (c *compiler) numberArg(n *callNode, name string, t typed, i int) (numberEval, error) {
	if t.typ != typeNumber {
		return nil, c.errorf(n.args[i].position(), "argument %d of %s must be a number, got %s", i+1, name, t.typ)
	}
	return t.num, nil
}

func fnParseDecimal(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args), 1, 1); err != nil {
		return typed{}, err
	}
	if args[0].typ == typeNumber {
		return args[0], nil
	}
	ev, err := c.stringArg(n, name, args[0], 0)
	if err != nil {
		return typed{}, err
	}
	return numberValue(func(s scope) (decimal.Decimal, error) {
		text, err := ev(s)
		if err != nil {
			return decimal.Zero, err
		}
		return parseNumber(text)
	}), nil
}

func fnParseInt(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args), 1, 1); err != nil {
		return typed{}, err
	}
	ev, err := c.stringArg(n, name, args[0], 0)
	if err != nil {
		return typed{}, err
	}
	return numberValue(func(s scope) (decimal.Decimal, error) {
		text, err := ev(s)
		if err != nil {
			return decimal.Zero, err
		}
		v, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return decimal.Zero, fmt.Errorf("cannot parse %q as an integer", text)
		}
		return decimal.NewFromInt(v), nil
	}), nil
}

func fnIsNullOrEmpty(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args), 1, 1); err != nil {
		return typed{}, err
	}
	ev, err := c.stringArg(n, name, args[0], 0)
	if err != nil {
		return typed{}, err
	}
	return boolValue(func(s scope) (bool, error) {
		v, err := ev(s)
		return v == "", err
	}), nil
}

func fnIsNullOrWhiteSpace(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args), 1, 1); err != nil {
		return typed{}, err
	}
	ev, err := c.stringArg(n, name, args[0], 0)
	if err != nil {
		return typed{}, err
	}
	return boolValue(func(s scope) (bool, error) {
		v, err := ev(s)
		return strings.TrimSpace(v) == "", err
	}), nil
}

// fnGetCompetitor maps a positional header token to a side label: "1" is the
// home side, everything else the away side.
func fnGetCompetitor(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args), 1, 1); err != nil {
		return typed{}, err
	}
	ev, err := c.stringArg(n, name, args[0], 0)
	if err != nil {
		return typed{}, err
	}
	return stringValue(func(s scope) (string, error) {
		v, err := ev(s)
		if err != nil {
			return "", err
		}
		if v == "1" {
			return "Home", nil
		}
		return "Away", nil
	}), nil
}

// fnNormalize strips diacritics and collapses whitespace.
func fnNormalize(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args), 1, 1); err != nil {
		return typed{}, err
	}
	ev, err := c.stringArg(n, name, args[0], 0)
	if err != nil {
		return typed{}, err
	}
	return stringValue(func(s scope) (string, error) {
		v, err := ev(s)
		if err != nil {
			return "", err
		}
		return normalizeText(v), nil
	}), nil
}

func normalizeText(v string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, v)
	if err != nil {
		out = v
	}
	return strings.Join(strings.Fields(out), " ")
}

// fnIsMatch needs a literal pattern so it can be compiled once.
func fnIsMatch(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args), 2, 2); err != nil {
		return typed{}, err
	}
	ev, err := c.stringArg(n, name, args[0], 0)
	if err != nil {
		return typed{}, err
	}
	lit, ok := n.args[1].(*stringLit)
	if !ok {
		return typed{}, c.errorf(n.args[1].position(), "pattern of %s must be a string literal", name)
	}
	re, err := regexp.Compile(lit.val)
	if err != nil {
		return typed{}, c.errorf(lit.pos, "invalid pattern: %v", err)
	}
	return boolValue(func(s scope) (bool, error) {
		v, err := ev(s)
		if err != nil {
			return false, err
		}
		return re.MatchString(v), nil
	}), nil
}

func stringPredicate(fn func(s, arg string) bool) builtin {
	return func(c *compiler, n *callNode, name string, args []typed) (typed, error) {
		if err := c.checkArity(n, name, len(args)-1, 1, 1); err != nil {
			return typed{}, err
		}
		recv := args[0].str
		arg, err := c.stringArg(n, name, args[1], 0)
		if err != nil {
			return typed{}, err
		}
		return boolValue(func(s scope) (bool, error) {
			v, err := recv(s)
			if err != nil {
				return false, err
			}
			a, err := arg(s)
			if err != nil {
				return false, err
			}
			return fn(v, a), nil
		}), nil
	}
}

func stringMapper(fn func(string) string) builtin {
	return func(c *compiler, n *callNode, name string, args []typed) (typed, error) {
		if err := c.checkArity(n, name, len(args)-1, 0, 0); err != nil {
			return typed{}, err
		}
		recv := args[0].str
		return stringValue(func(s scope) (string, error) {
			v, err := recv(s)
			if err != nil {
				return "", err
			}
			return fn(v), nil
		}), nil
	}
}

// trimMethod trims whitespace without arguments, or the given characters.
func trimMethod(space func(string) string, chars func(s, cutset string) string) builtin {
	return func(c *compiler, n *callNode, name string, args []typed) (typed, error) {
		if err := c.checkArity(n, name, len(args)-1, 0, 1); err != nil {
			return typed{}, err
		}
		recv := args[0].str
		if len(args) == 1 {
			return stringValue(func(s scope) (string, error) {
				v, err := recv(s)
				if err != nil {
					return "", err
				}
				return space(v), nil
			}), nil
		}
		cutset, err := c.stringArg(n, name, args[1], 0)
		if err != nil {
			return typed{}, err
		}
		return stringValue(func(s scope) (string, error) {
			v, err := recv(s)
			if err != nil {
				return "", err
			}
			cs, err := cutset(s)
			if err != nil {
				return "", err
			}
			return chars(v, cs), nil
		}), nil
	}
}

func mIndexOf(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args)-1, 1, 1); err != nil {
		return typed{}, err
	}
	recv := args[0].str
	arg, err := c.stringArg(n, name, args[1], 0)
	if err != nil {
		return typed{}, err
	}
	return numberValue(func(s scope) (decimal.Decimal, error) {
		v, err := recv(s)
		if err != nil {
			return decimal.Zero, err
		}
		sub, err := arg(s)
		if err != nil {
			return decimal.Zero, err
		}
		i := strings.Index(v, sub)
		if i < 0 {
			return decimal.NewFromInt(-1), nil
		}
		return decimal.NewFromInt(int64(utf8.RuneCountInString(v[:i]))), nil
	}), nil
}

// mSubstring follows String.Substring(start[, length]) on runes; ranges
// outside the string are evaluation errors.
func mSubstring(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args)-1, 1, 2); err != nil {
		return typed{}, err
	}
	recv := args[0].str
	start, err := c.numberArg(n, name, args[1], 0)
	if err != nil {
		return typed{}, err
	}
	var length numberEval
	if len(args) == 3 {
		if length, err = c.numberArg(n, name, args[2], 1); err != nil {
			return typed{}, err
		}
	}
	return stringValue(func(s scope) (string, error) {
		v, err := recv(s)
		if err != nil {
			return "", err
		}
		r := []rune(v)
		from, err := intValue(start, s)
		if err != nil {
			return "", err
		}
		if from < 0 || from > len(r) {
			return "", fmt.Errorf("substring start %d out of range for %q", from, v)
		}
		if length == nil {
			return string(r[from:]), nil
		}
		count, err := intValue(length, s)
		if err != nil {
			return "", err
		}
		if count < 0 || count > len(r)-from {
			return "", fmt.Errorf("substring length %d out of range for %q", count, v)
		}
		return string(r[from : from+count]), nil
	}), nil
}

func mReplace(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args)-1, 2, 2); err != nil {
		return typed{}, err
	}
	recv := args[0].str
	oldEv, err := c.stringArg(n, name, args[1], 0)
	if err != nil {
		return typed{}, err
	}
	newEv, err := c.stringArg(n, name, args[2], 1)
	if err != nil {
		return typed{}, err
	}
	return stringValue(func(s scope) (string, error) {
		v, err := recv(s)
		if err != nil {
			return "", err
		}
		o, err := oldEv(s)
		if err != nil {
			return "", err
		}
		if o == "" {
			return "", fmt.Errorf("replace: empty search string")
		}
		nw, err := newEv(s)
		if err != nil {
			return "", err
		}
		return strings.ReplaceAll(v, o, nw), nil
	}), nil
}

func mSplit(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args)-1, 1, 1); err != nil {
		return typed{}, err
	}
	recv := args[0].str
	sep, err := c.stringArg(n, name, args[1], 0)
	if err != nil {
		return typed{}, err
	}
	return listValue(func(s scope) ([]string, error) {
		v, err := recv(s)
		if err != nil {
			return nil, err
		}
		sp, err := sep(s)
		if err != nil {
			return nil, err
		}
		if sp == "" {
			return []string{v}, nil
		}
		return strings.Split(v, sp), nil
	}), nil
}

func listEnd(first bool) builtin {
	return func(c *compiler, n *callNode, name string, args []typed) (typed, error) {
		if err := c.checkArity(n, name, len(args)-1, 0, 0); err != nil {
			return typed{}, err
		}
		recv := args[0].list
		return stringValue(func(s scope) (string, error) {
			list, err := recv(s)
			if err != nil {
				return "", err
			}
			if len(list) == 0 {
				return "", fmt.Errorf("%s of an empty list", name)
			}
			if first {
				return list[0], nil
			}
			return list[len(list)-1], nil
		}), nil
	}
}

func mListContains(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args)-1, 1, 1); err != nil {
		return typed{}, err
	}
	recv := args[0].list
	arg, err := c.stringArg(n, name, args[1], 0)
	if err != nil {
		return typed{}, err
	}
	return boolValue(func(s scope) (bool, error) {
		list, err := recv(s)
		if err != nil {
			return false, err
		}
		v, err := arg(s)
		if err != nil {
			return false, err
		}
		for _, item := range list {
			if item == v {
				return true, nil
			}
		}
		return false, nil
	}), nil
}

func mNumberToString(c *compiler, n *callNode, name string, args []typed) (typed, error) {
	if err := c.checkArity(n, name, len(args)-1, 0, 0); err != nil {
		return typed{}, err
	}
	recv := args[0].num
	return stringValue(func(s scope) (string, error) {
		d, err := recv(s)
		if err != nil {
			return "", err
		}
		return d.String(), nil
	}), nil
}

// Integer arguments are limited to the int32 range so conversion is exact
// on every platform.
var (
	minIntArg = decimal.NewFromInt(math.MinInt32)
	maxIntArg = decimal.NewFromInt(math.MaxInt32)
)

func intValue(ev numberEval, s scope) (int, error) {
	d, err := ev(s)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%s is not an integer", d)
	}
	if d.LessThan(minIntArg) || d.GreaterThan(maxIntArg) {
		return 0, fmt.Errorf("%s out of range", d)
	}
	return int(d.IntPart()), nil
}
