// Package processor runs compiled sport configurations against input batches.
package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/rules"
)

// Stage names the step of the pipeline an Issue was raised in.
type Stage string

const (
	StageCompile         Stage = "compile"
	StageGroupFilter     Stage = "group_filter"
	StageGroupKey        Stage = "group_key"
	StageGroupName       Stage = "group_name"
	StageOutcomeFilter   Stage = "outcome_filter"
	StageOutcomeName     Stage = "outcome_name"
	StageOutcomeOdd      Stage = "outcome_odd"
	StageOutcomeHandicap Stage = "outcome_handicap"
)

// Issue records a rule, partition or outcome that was skipped. Market is empty
// for group-stage issues; Outcome is empty for rule and partition issues.
type Issue struct {
	Rule    string `json:"rule"`
	Market  string `json:"market,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Stage   Stage  `json:"stage"`
	Err     error  `json:"-"`
}

func (i Issue) String() string {
	return fmt.Sprintf("rule %q market %q outcome %q: %s: %v", i.Rule, i.Market, i.Outcome, i.Stage, i.Err)
}

// Result is the output of processing one batch. Markets and Outcomes are never
// nil. Group is the name of the dispatched group, empty when none matched.
type Result struct {
	Group    string           `json:"group,omitempty"`
	Markets  []domain.Market  `json:"markets"`
	Outcomes []domain.Outcome `json:"outcomes"`
	Issues   []Issue          `json:"-"`
}

// Processor evaluates compiled rules against batches. It keeps no per-call
// state, so processing the same batch twice yields equal results.
type Processor struct {
	logger *slog.Logger
}

// New creates a Processor.
func New(logger *slog.Logger) *Processor {
	return &Processor{logger: logger.With(slog.String("component", "processor"))}
}

// Process dispatches batch to the first group of cfg whose pattern matches the
// batch name and evaluates that group's rules in order. Failures on a single
// rule, partition or outcome are collected as Issues and never abort the batch.
func (p *Processor) Process(ctx context.Context, batch domain.InputBatch, cfg *rules.CompiledSportConfig) Result {
	res := Result{
		Markets:  []domain.Market{},
		Outcomes: []domain.Outcome{},
	}

	group := p.dispatch(ctx, batch.Name, cfg)
	if group == nil {
		p.logger.DebugContext(ctx, "no group matched batch",
			slog.String("sport", cfg.Sport),
			slog.String("batch", batch.Name),
		)
		return res
	}
	res.Group = group.Name

	for _, rule := range group.Rules {
		p.processRule(ctx, batch, rule, &res)
	}

	if len(res.Issues) > 0 {
		p.logger.WarnContext(ctx, "batch processed with issues",
			slog.String("sport", cfg.Sport),
			slog.String("batch", batch.Name),
			slog.String("group", group.Name),
			slog.Int("issues", len(res.Issues)),
			slog.String("first_issue", res.Issues[0].String()),
		)
	}
	return res
}

// dispatch returns the first group in declared order whose pattern matches.
func (p *Processor) dispatch(ctx context.Context, batchName string, cfg *rules.CompiledSportConfig) *rules.CompiledMarketGroup {
	var (
		first   *rules.CompiledMarketGroup
		matched []string
	)
	for _, g := range cfg.Groups {
		if !g.Matches(batchName) {
			continue
		}
		if first == nil {
			first = g
		}
		matched = append(matched, g.Name)
	}
	if len(matched) > 1 {
		p.logger.WarnContext(ctx, "batch matched more than one group, using the first",
			slog.String("sport", cfg.Sport),
			slog.String("batch", batchName),
			slog.Any("matched_groups", matched),
		)
	}
	return first
}

func (p *Processor) processRule(ctx context.Context, batch domain.InputBatch, rule *rules.CompiledMarketRule, res *Result) {
	if !rule.Usable() {
		res.Issues = append(res.Issues, Issue{Rule: rule.Name, Stage: StageCompile, Err: rule.Errs[0]})
		return
	}

	var names []string
	if rule.NameIsLiteral {
		names = []string{rule.Name}
	} else {
		names = p.marketNames(ctx, batch.Outcomes, rule, res)
	}

	for _, name := range names {
		res.Markets = append(res.Markets, domain.Market{
			Name:        name,
			Description: rule.Description,
			Order:       rule.Order,
			Tags:        rule.Tags,
		})
		p.outcomes(batch.Outcomes, rule, name, res)
	}
}

// marketNames filters the batch, partitions it by group key in first-seen
// order and projects each partition to a market name. Empty names, names
// already produced and names rejected by the rule pattern are dropped.
func (p *Processor) marketNames(ctx context.Context, outcomes []domain.InputOutcome, rule *rules.CompiledMarketRule, res *Result) []string {
	var (
		keys       []string
		partitions = make(map[string][]domain.InputOutcome)
	)
	for i := range outcomes {
		o := &outcomes[i]
		ok, err := rule.GroupFilter(o)
		if err != nil {
			res.Issues = append(res.Issues, Issue{Rule: rule.Name, Outcome: o.Name, Stage: StageGroupFilter, Err: err})
			continue
		}
		if !ok {
			continue
		}
		key, err := rule.GroupKey(o)
		if err != nil {
			res.Issues = append(res.Issues, Issue{Rule: rule.Name, Outcome: o.Name, Stage: StageGroupKey, Err: err})
			continue
		}
		if _, seen := partitions[key]; !seen {
			keys = append(keys, key)
		}
		partitions[key] = append(partitions[key], *o)
	}

	names := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		name, err := rule.GroupName(key, partitions[key])
		if err != nil {
			res.Issues = append(res.Issues, Issue{Rule: rule.Name, Stage: StageGroupName, Err: err})
			continue
		}
		if name == "" {
			continue
		}
		if rule.Pattern != nil && !rule.Pattern.MatchString(name) {
			p.logger.DebugContext(ctx, "market name rejected by rule pattern",
				slog.String("rule", rule.Name),
				slog.String("market", name),
				slog.String("pattern", rule.Pattern.String()),
			)
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// outcomes applies the outcome filter over the full batch and emits one
// projected outcome per survivor under the given market name.
func (p *Processor) outcomes(outcomes []domain.InputOutcome, rule *rules.CompiledMarketRule, market string, res *Result) {
	issue := func(o *domain.InputOutcome, stage Stage, err error) {
		res.Issues = append(res.Issues, Issue{Rule: rule.Name, Market: market, Outcome: o.Name, Stage: stage, Err: err})
	}

	for i := range outcomes {
		o := &outcomes[i]
		ok, err := rule.OutcomeFilter(o)
		if err != nil {
			issue(o, StageOutcomeFilter, err)
			continue
		}
		if !ok {
			continue
		}

		name, err := rule.OutcomeName(o)
		if err != nil {
			issue(o, StageOutcomeName, err)
			continue
		}
		odd, err := rule.OutcomeOdd(o)
		if err != nil {
			issue(o, StageOutcomeOdd, err)
			continue
		}
		out := domain.Outcome{MarketName: market, Name: name, Odd: odd}
		if rule.OutcomeHandicap != nil {
			h, err := rule.OutcomeHandicap(o)
			if err != nil {
				issue(o, StageOutcomeHandicap, err)
				continue
			}
			out.Handicap = &h
		}
		res.Outcomes = append(res.Outcomes, out)
	}
}
