// Package expr compiles the small expression language used by market rules
// into typed Go closures.
//
// Expressions are C#-flavoured: member access on the outcome record (Name,
// Header, Handicap, Odd), string methods (StartsWith, Substring, Split, ...),
// decimal arithmetic, comparisons, && || !, the ?: conditional and a handful
// of helper functions (decimal.Parse, GetCompetitor, Normalize, IsMatch).
// Group projections see Key and Count instead of the outcome fields.
//
// Every expression is parsed and type-checked once. The returned functions are
// safe for concurrent use and report failures on a particular record as
// *EvalError.
package expr

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

// Predicate decides whether an outcome passes a filter.
type Predicate func(o *domain.InputOutcome) (bool, error)

// StringFunc projects an outcome to text.
type StringFunc func(o *domain.InputOutcome) (string, error)

// NumberFunc projects an outcome to a decimal.
type NumberFunc func(o *domain.InputOutcome) (decimal.Decimal, error)

// GroupFunc projects a partition of outcomes, identified by its key, to text.
type GroupFunc func(key string, group []domain.InputOutcome) (string, error)

// CompilePredicate compiles a boolean outcome expression.
func CompilePredicate(src string) (Predicate, error) {
	t, err := compileSource(src, outcomeScope)
	if err != nil {
		return nil, err
	}
	if t.typ != typeBool {
		return nil, resultError(src, t, "bool")
	}
	ev := t.b
	return func(o *domain.InputOutcome) (bool, error) {
		v, err := ev(scope{outcome: o})
		if err != nil {
			return false, &EvalError{Expr: src, Err: err}
		}
		return v, nil
	}, nil
}

// CompileString compiles an outcome expression yielding text. Numbers and
// booleans are formatted; null yields the empty string.
func CompileString(src string) (StringFunc, error) {
	t, err := compileSource(src, outcomeScope)
	if err != nil {
		return nil, err
	}
	ev, err := textResult(src, t)
	if err != nil {
		return nil, err
	}
	return func(o *domain.InputOutcome) (string, error) {
		v, err := ev(scope{outcome: o})
		if err != nil {
			return "", &EvalError{Expr: src, Err: err}
		}
		return v, nil
	}, nil
}

// CompileNumber compiles an outcome expression yielding a decimal. A text
// result is parsed on every call; unparsable text is an evaluation error.
func CompileNumber(src string) (NumberFunc, error) {
	t, err := compileSource(src, outcomeScope)
	if err != nil {
		return nil, err
	}

	var ev numberEval
	switch t.typ {
	case typeNumber:
		ev = t.num
	case typeString:
		str := t.str
		ev = func(s scope) (decimal.Decimal, error) {
			text, err := str(s)
			if err != nil {
				return decimal.Zero, err
			}
			return parseNumber(text)
		}
	default:
		return nil, resultError(src, t, "number")
	}

	return func(o *domain.InputOutcome) (decimal.Decimal, error) {
		v, err := ev(scope{outcome: o})
		if err != nil {
			return decimal.Zero, &EvalError{Expr: src, Err: err}
		}
		return v, nil
	}, nil
}

// CompileGroup compiles a projection over a partition of outcomes.
func CompileGroup(src string) (GroupFunc, error) {
	t, err := compileSource(src, groupScope)
	if err != nil {
		return nil, err
	}
	ev, err := textResult(src, t)
	if err != nil {
		return nil, err
	}
	return func(key string, group []domain.InputOutcome) (string, error) {
		v, err := ev(scope{key: key, group: group})
		if err != nil {
			return "", &EvalError{Expr: src, Err: err}
		}
		return v, nil
	}, nil
}

func textResult(src string, t typed) (stringEval, error) {
	if t.typ == typeList {
		return nil, resultError(src, t, "string")
	}
	c := &compiler{src: src}
	return c.toText(nil, t)
}

func resultError(src string, t typed, want string) error {
	return &CompileError{
		Expr:   src,
		Reason: fmt.Sprintf("expression yields %s, want %s", t.typ, want),
	}
}
