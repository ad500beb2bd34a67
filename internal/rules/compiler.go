// Package rules compiles raw sport configurations into executable rule sets.
package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/expr"
)

// Expressions substituted for absent optional slots.
const (
	defaultGroupFilter = "true"
	defaultGroupKey    = "Name"
	defaultGroupName   = "Key"
	defaultOutcomeName = "Name"
	defaultOutcomeOdd  = "Odd"
)

// Compiler turns domain.SportConfig values into CompiledSportConfig values.
// It holds no mutable state and is safe for concurrent use.
type Compiler struct {
	now func() time.Time
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithClock sets the clock used to stamp CompiledAt.
func WithClock(now func() time.Time) Option {
	return func(c *Compiler) { c.now = now }
}

// NewCompiler creates a Compiler.
func NewCompiler(opts ...Option) *Compiler {
	c := &Compiler{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile compiles every group and rule of cfg. Rules fail independently:
// a rule whose expressions do not compile is kept with its Errs set. Only a
// malformed group pattern fails the whole sport, returned as *CompileError.
func (c *Compiler) Compile(cfg domain.SportConfig) (*CompiledSportConfig, error) {
	if strings.TrimSpace(cfg.Sport) == "" {
		return nil, fmt.Errorf("rules: compile: %w: sport is empty", domain.ErrInvalidConfig)
	}

	out := &CompiledSportConfig{
		ID:     cfg.ID,
		Sport:  cfg.Sport,
		Groups: make([]*CompiledMarketGroup, 0, len(cfg.Groups)),
	}
	for _, g := range cfg.Groups {
		pattern, err := compilePattern(g.Pattern)
		if err != nil {
			return nil, &CompileError{
				Sport: cfg.Sport,
				Group: g.Name,
				Role:  RoleGroupPattern,
				Expr:  g.Pattern,
				Err:   err,
			}
		}
		group := &CompiledMarketGroup{
			Name:    g.Name,
			Pattern: pattern,
			Rules:   make([]*CompiledMarketRule, 0, len(g.Rules)),
		}
		for _, r := range g.Rules {
			group.Rules = append(group.Rules, compileRule(cfg.Sport, g.Name, r))
		}
		out.Groups = append(out.Groups, group)
	}
	out.CompiledAt = c.now()
	return out, nil
}

// CompileAll compiles configurations concurrently. The returned slice is
// index-aligned with cfgs; entries that failed are nil and their errors are
// joined into the returned error.
func (c *Compiler) CompileAll(ctx context.Context, cfgs []domain.SportConfig) ([]*CompiledSportConfig, error) {
	out := make([]*CompiledSportConfig, len(cfgs))
	errs := make([]error, len(cfgs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range cfgs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i], errs[i] = c.Compile(cfgs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, fmt.Errorf("rules: compile all: %w", err)
	}
	return out, errors.Join(errs...)
}

func compileRule(sport, group string, r domain.MarketRule) *CompiledMarketRule {
	cr := &CompiledMarketRule{
		Name:          r.Name,
		Description:   r.Description,
		Order:         r.Order,
		Tags:          r.Tags,
		NameIsLiteral: r.NameIsLiteral,
	}
	fail := func(role Role, src string, err error) {
		cr.Errs = append(cr.Errs, &CompileError{
			Sport: sport,
			Group: group,
			Rule:  r.Name,
			Role:  role,
			Expr:  src,
			Err:   err,
		})
	}

	if !r.NameIsLiteral {
		if strings.TrimSpace(r.Pattern) != "" {
			p, err := compilePattern(r.Pattern)
			if err != nil {
				fail(RoleRulePattern, r.Pattern, err)
			}
			cr.Pattern = p
		}

		src := orDefault(r.GroupFilter, defaultGroupFilter)
		if fn, err := expr.CompilePredicate(src); err != nil {
			fail(RoleGroupFilter, src, err)
		} else {
			cr.GroupFilter = fn
		}

		src = orDefault(r.GroupKey, defaultGroupKey)
		if fn, err := expr.CompileString(src); err != nil {
			fail(RoleGroupKey, src, err)
		} else {
			cr.GroupKey = fn
		}

		src = orDefault(r.GroupName, defaultGroupName)
		if fn, err := expr.CompileGroup(src); err != nil {
			fail(RoleGroupName, src, err)
		} else {
			cr.GroupName = fn
		}
	}

	if strings.TrimSpace(r.OutcomeFilter) == "" {
		fail(RoleOutcomeFilter, r.OutcomeFilter, errors.New("outcome filter is required"))
	} else if fn, err := expr.CompilePredicate(r.OutcomeFilter); err != nil {
		fail(RoleOutcomeFilter, r.OutcomeFilter, err)
	} else {
		cr.OutcomeFilter = fn
	}

	src := orDefault(r.OutcomeName, defaultOutcomeName)
	if fn, err := expr.CompileString(src); err != nil {
		fail(RoleOutcomeName, src, err)
	} else {
		cr.OutcomeName = fn
	}

	src = orDefault(r.OutcomeOdd, defaultOutcomeOdd)
	if fn, err := expr.CompileNumber(src); err != nil {
		fail(RoleOutcomeOdd, src, err)
	} else {
		cr.OutcomeOdd = fn
	}

	if strings.TrimSpace(r.OutcomeHandicap) != "" {
		if fn, err := expr.CompileNumber(r.OutcomeHandicap); err != nil {
			fail(RoleOutcomeHandicap, r.OutcomeHandicap, err)
		} else {
			cr.OutcomeHandicap = fn
		}
	}
	return cr
}

// compilePattern compiles a case-insensitive dispatch pattern.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

func orDefault(src, def string) string {
	if strings.TrimSpace(src) == "" {
		return def
	}
	return src
}
