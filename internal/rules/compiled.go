package rules

import (
	"regexp"
	"time"

	"github.com/alanyoungcy/marketrules/internal/expr"
)

// CompiledMarketRule carries the metadata of a rule and its compiled slots.
// The group-stage slots are nil for literal rules. OutcomeHandicap is nil when
// the rule defines no handicap projection. A rule with Errs is retained for
// reporting but must not be evaluated.
type CompiledMarketRule struct {
	Name          string
	Description   string
	Order         int
	Tags          []string
	NameIsLiteral bool

	// Pattern, when set, restricts the computed market names.
	Pattern *regexp.Regexp

	GroupFilter expr.Predicate
	GroupKey    expr.StringFunc
	GroupName   expr.GroupFunc

	OutcomeFilter   expr.Predicate
	OutcomeName     expr.StringFunc
	OutcomeOdd      expr.NumberFunc
	OutcomeHandicap expr.NumberFunc

	Errs []*CompileError
}

// Usable reports whether every slot of the rule compiled.
func (r *CompiledMarketRule) Usable() bool {
	return len(r.Errs) == 0
}

// CompiledMarketGroup is a group with its dispatch pattern compiled.
type CompiledMarketGroup struct {
	Name    string
	Pattern *regexp.Regexp
	Rules   []*CompiledMarketRule
}

// Matches reports whether the group's dispatch pattern matches a batch name.
func (g *CompiledMarketGroup) Matches(batchName string) bool {
	return g.Pattern.MatchString(batchName)
}

// CompiledSportConfig is the executable form of a domain.SportConfig. It is
// immutable once built and may be shared by concurrent processors.
type CompiledSportConfig struct {
	ID         string
	Sport      string
	Groups     []*CompiledMarketGroup
	CompiledAt time.Time
}

// RuleErrors returns the compile errors of every unusable rule, in
// declaration order.
func (c *CompiledSportConfig) RuleErrors() []*CompileError {
	var errs []*CompileError
	for _, g := range c.Groups {
		for _, r := range g.Rules {
			errs = append(errs, r.Errs...)
		}
	}
	return errs
}

// RuleCount returns the number of compiled rules and how many are usable.
func (c *CompiledSportConfig) RuleCount() (total, usable int) {
	for _, g := range c.Groups {
		for _, r := range g.Rules {
			total++
			if r.Usable() {
				usable++
			}
		}
	}
	return total, usable
}
