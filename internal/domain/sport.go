package domain

import "time"

// MarketRule is one market-extraction unit inside a group. When NameIsLiteral
// is set the rule's Name is the market name and the group-stage expressions
// are ignored; otherwise the market names are computed by filtering the batch
// outcomes with GroupFilter, partitioning them by GroupKey and projecting each
// partition with GroupName.
type MarketRule struct {
	Name          string   `json:"name" yaml:"name"`
	Pattern       string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	NameIsLiteral bool     `json:"name_is_literal" yaml:"name_is_literal"`
	GroupFilter   string   `json:"group_filter,omitempty" yaml:"group_filter,omitempty"`
	GroupKey      string   `json:"group_key,omitempty" yaml:"group_key,omitempty"`
	GroupName     string   `json:"group_name,omitempty" yaml:"group_name,omitempty"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	Order         int      `json:"order" yaml:"order"`
	Tags          []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	OutcomeFilter   string `json:"outcome_filter" yaml:"outcome_filter"`
	OutcomeName     string `json:"outcome_name,omitempty" yaml:"outcome_name,omitempty"`
	OutcomeOdd      string `json:"outcome_odd,omitempty" yaml:"outcome_odd,omitempty"`
	OutcomeHandicap string `json:"outcome_handicap,omitempty" yaml:"outcome_handicap,omitempty"`
}

// MarketGroup clusters rules behind a dispatch pattern that is matched
// against the incoming batch name.
type MarketGroup struct {
	Name    string       `json:"name" yaml:"name"`
	Pattern string       `json:"pattern" yaml:"pattern"`
	Rules   []MarketRule `json:"rules" yaml:"rules"`
}

// SportConfig is the full rule set for one sport and the unit of compilation.
type SportConfig struct {
	ID        string        `json:"id" yaml:"id,omitempty"`
	Sport     string        `json:"sport" yaml:"sport"`
	Groups    []MarketGroup `json:"groups" yaml:"groups"`
	CreatedAt time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt time.Time     `json:"updated_at" yaml:"-"`
}

// RuleCount returns the number of rules across all groups.
func (c SportConfig) RuleCount() int {
	n := 0
	for _, g := range c.Groups {
		n += len(g.Rules)
	}
	return n
}
