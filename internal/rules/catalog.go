package rules

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"dutyassign/internal/config"
	"dutyassign/internal/logger"
	"dutyassign/pkg/metrics"
)

// Catalog keeps the parsed rule set in memory. Conditions are parsed once per
// reload, never on the evaluation path.
type Catalog struct {
	repo         Repository
	parser       *Parser
	reloadConfig config.ReloadConfig
	logger       logger.Logger

	rules   []Rule
	rulesMu sync.RWMutex
}

func NewCatalog(repo Repository, parser *Parser, cfg config.ReloadConfig, log logger.Logger) *Catalog {
	return &Catalog{
		repo:         repo,
		parser:       parser,
		reloadConfig: cfg,
		logger:       log,
		rules:        make([]Rule, 0),
	}
}

// Rules returns every loaded rule, enabled or not.
func (c *Catalog) Rules() []Rule {
	c.rulesMu.RLock()
	defer c.rulesMu.RUnlock()

	rules := make([]Rule, len(c.rules))
	copy(rules, c.rules)
	return rules
}

// EnabledRules returns enabled rules for entityType ordered by priority. An
// empty entityType selects all entity types.
func (c *Catalog) EnabledRules(_ context.Context, entityType string) ([]Rule, error) {
	all := c.Rules()

	enabled := make([]Rule, 0, len(all))
	for _, rule := range all {
		if !rule.Enabled {
			continue
		}
		if entityType != "" && rule.EntityType != entityType {
			continue
		}
		enabled = append(enabled, rule)
	}
	return SortByPriority(enabled), nil
}

func (c *Catalog) Rule(id int64) (Rule, bool) {
	c.rulesMu.RLock()
	defer c.rulesMu.RUnlock()

	for _, rule := range c.rules {
		if rule.ID == id {
			return rule, true
		}
	}
	return Rule{}, false
}

func (c *Catalog) ReloadRules(ctx context.Context, skipJitter ...bool) error {
	shouldSkipJitter := len(skipJitter) > 0 && skipJitter[0]

	if err := c.applyJitter(ctx, shouldSkipJitter); err != nil {
		return err
	}

	specs, err := c.loadRules(ctx)
	if err != nil {
		return err
	}

	c.updateRules(ctx, specs)
	return nil
}

func (c *Catalog) applyJitter(ctx context.Context, skipJitter bool) error {
	if skipJitter || c.reloadConfig.JitterMaxMilliseconds <= 0 {
		return nil
	}

	jitter := time.Duration(rand.Intn(c.reloadConfig.JitterMaxMilliseconds)) * time.Millisecond
	c.logger.DebugwCtx(ctx, "Reload scheduled with jitter",
		"jitter_ms", jitter.Milliseconds(),
	)

	select {
	case <-time.After(jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Catalog) loadRules(ctx context.Context) ([]Spec, error) {
	c.logger.DebugwCtx(ctx, "Loading rules from database")
	return c.repo.ListRules(ctx)
}

func (c *Catalog) updateRules(ctx context.Context, specs []Spec) {
	rules := make([]Rule, 0, len(specs))
	invalid := 0
	for _, spec := range specs {
		rule := c.parser.Compile(spec)
		if rule.Err != nil {
			invalid++
			c.logger.ErrorwCtx(ctx, "Failed to parse rule condition",
				"rule_id", spec.ID,
				"rule_type", spec.RuleType,
				"error", rule.Err,
			)
		} else if reasons := FailOpenReasons(rule.Condition); len(reasons) > 0 {
			c.logger.WarnwCtx(ctx, "Rule condition is not fully interpreted and will match every record",
				"rule_id", spec.ID,
				"reasons", reasons,
			)
		}
		rules = append(rules, rule)
	}

	c.rulesMu.Lock()
	c.rules = rules
	c.rulesMu.Unlock()

	metrics.SetAssignmentActiveRules(len(rules))
	c.logger.InfowCtx(ctx, "Successfully reloaded rules",
		"rules_count", len(rules),
		"invalid_count", invalid,
	)
}

func (c *Catalog) StartReloader(ctx context.Context) error {
	interval := time.Duration(c.reloadConfig.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := c.ReloadRules(ctx, true); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to reload rules",
			"error", err,
		)
	}

	for {
		select {
		case <-ticker.C:
			if err := c.ReloadRules(ctx); err != nil {
				c.logger.ErrorwCtx(ctx, "Failed to reload rules",
					"error", err,
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
