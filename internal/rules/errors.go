package rules

import "fmt"

// Role names the configuration slot an expression or pattern was compiled for.
type Role string

const (
	RoleGroupPattern    Role = "group_pattern"
	RoleRulePattern     Role = "rule_pattern"
	RoleGroupFilter     Role = "group_filter"
	RoleGroupKey        Role = "group_key"
	RoleGroupName       Role = "group_name"
	RoleOutcomeFilter   Role = "outcome_filter"
	RoleOutcomeName     Role = "outcome_name"
	RoleOutcomeOdd      Role = "outcome_odd"
	RoleOutcomeHandicap Role = "outcome_handicap"
)

// CompileError reports a pattern or expression that failed to compile,
// together with the sport, group and rule that own it. Rule is empty for
// group pattern failures.
type CompileError struct {
	Sport string `json:"sport"`
	Group string `json:"group"`
	Rule  string `json:"rule,omitempty"`
	Role  Role   `json:"role"`
	Expr  string `json:"expr"`
	Err   error  `json:"-"`
}

func (e *CompileError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("rules: sport %q group %q: %s %q: %v", e.Sport, e.Group, e.Role, e.Expr, e.Err)
	}
	return fmt.Sprintf("rules: sport %q group %q rule %q: %s %q: %v", e.Sport, e.Group, e.Rule, e.Role, e.Expr, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }
