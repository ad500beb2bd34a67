package expr

import "fmt"

// CompileError reports an expression that cannot be parsed or type-checked.
// Pos is the byte offset of the offending token in Expr.
type CompileError struct {
	Expr   string
	Pos    int
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("expr: %s at offset %d in %q", e.Reason, e.Pos, e.Expr)
}

// EvalError reports a failure of a compiled expression against one record,
// such as an unparsable number or an out-of-range index.
type EvalError struct {
	Expr string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expr: evaluate %q: %v", e.Expr, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}
