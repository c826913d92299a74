package rules

import (
	"context"
	"sort"
	"strconv"

	"dutyassign/internal/config"
	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	"dutyassign/pkg/metrics"
	"dutyassign/pkg/tracing"
)

// Engine threads records through rules in ascending priority order; each
// rule only sees the survivors of the previous one.
type Engine struct {
	fallback string
	logger   logger.Logger
}

func NewEngine(cfg config.FallbackConfig, log logger.Logger) *Engine {
	fallback := cfg.OnUnknown
	if fallback == "" {
		fallback = constants.FallbackAllow
	}
	return &Engine{fallback: fallback, logger: log}
}

func (e *Engine) Apply(ctx context.Context, records []Record, rules []Rule) []Record {
	ctx, span := tracing.GetTracer("rule-engine").Start(ctx, "rules.apply")
	defer span.End()

	survivors := records
	for _, rule := range SortByPriority(rules) {
		if !rule.Enabled {
			continue
		}

		ruleID := strconv.FormatInt(rule.ID, 10)

		if !rule.Usable() {
			metrics.IncRuleEvaluation(ruleID, rule.Name, "invalid")
			e.logger.ErrorwCtx(ctx, "Skipping rule with invalid condition",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"error", rule.Err,
			)
			continue
		}

		if reasons := FailOpenReasons(rule.Condition); len(reasons) > 0 {
			if e.fallback == constants.FallbackDeny {
				metrics.FallbackUsageTotal.WithLabelValues("rules", "deny_on_unknown", "unknown_condition").Inc()
				e.logger.WarnwCtx(ctx, "Rule has uninterpreted conditions, matching nothing (fallback: deny)",
					"rule_id", rule.ID,
					"rule_name", rule.Name,
					"reasons", reasons,
				)
				metrics.IncRuleEvaluation(ruleID, rule.Name, "denied")
				survivors = nil
				continue
			}
			metrics.FallbackUsageTotal.WithLabelValues("rules", "allow_on_unknown", "unknown_condition").Inc()
			e.logger.WarnwCtx(ctx, "Rule has uninterpreted conditions, passing records through",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"reasons", reasons,
			)
		}

		before := len(survivors)
		filtered, ok := e.filter(ctx, rule, survivors)
		if !ok {
			metrics.IncRuleEvaluation(ruleID, rule.Name, "panic")
			continue
		}
		survivors = filtered

		metrics.IncRuleEvaluation(ruleID, rule.Name, "applied")
		e.logger.DebugwCtx(ctx, "Rule applied",
			"rule_id", rule.ID,
			"rule_type", rule.RuleType,
			"before", before,
			"after", len(survivors),
		)
	}

	return survivors
}

// Matches reports whether a single record survives all rules.
func (e *Engine) Matches(ctx context.Context, record Record, rules []Rule) bool {
	return len(e.Apply(ctx, []Record{record}, rules)) == 1
}

func (e *Engine) filter(ctx context.Context, rule Rule, records []Record) (out []Record, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorwCtx(ctx, "Rule evaluation panicked, skipping rule",
				"rule_id", rule.ID,
				"panic", r,
			)
			out, ok = nil, false
		}
	}()

	out = make([]Record, 0, len(records))
	for _, record := range records {
		if rule.Condition.Matches(record) {
			out = append(out, record)
		}
	}
	return out, true
}

// SortByPriority returns a copy of rules ordered by ascending priority. Ties
// keep their input order.
func SortByPriority(rules []Rule) []Rule {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return ordered
}

// RequiredFields lists the CRM fields a fetch must select for rule to be
// evaluated and applied.
func RequiredFields(rule Rule) []string {
	fields := []string{"ID", FieldAssignedBy}
	if rule.Condition != nil {
		fields = append(fields, rule.Condition.Fields()...)
	}
	if rule.CascadeRelated && rule.EntityType == "deal" {
		fields = append(fields, "CONTACT_ID", "COMPANY_ID")
	}
	return dedupe(fields)
}
