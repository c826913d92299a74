package rules

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutyassign/internal/config"
	"dutyassign/internal/logger"
)

func compileRule(t *testing.T, p *Parser, spec Spec) Rule {
	t.Helper()
	rule := p.Compile(spec)
	return rule
}

func ids(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID())
	}
	return out
}

func sampleDeals() []Record {
	return []Record{
		NewRecord(map[string]interface{}{"ID": "1", "ASSIGNED_BY_ID": "10", "CATEGORY_ID": "2", "SOURCE_ID": "WEB"}),
		NewRecord(map[string]interface{}{"ID": "2", "ASSIGNED_BY_ID": "11", "CATEGORY_ID": "2", "SOURCE_ID": "CALL"}),
		NewRecord(map[string]interface{}{"ID": "3", "ASSIGNED_BY_ID": "10", "CATEGORY_ID": "3", "SOURCE_ID": "WEB"}),
		NewRecord(map[string]interface{}{"ID": "4", "ASSIGNED_BY_ID": "12", "CATEGORY_ID": "2", "SOURCE_ID": "WEB"}),
	}
}

func TestEngineChainsRulesByPriority(t *testing.T) {
	p := newTestParser(t)
	engine := NewEngine(config.FallbackConfig{}, logger.NopLogger())

	byCategory := compileRule(t, p, Spec{
		ID: 1, Priority: 2, Enabled: true, RuleType: TypeField,
		ConditionConfig: json.RawMessage(`{"field_id":"CATEGORY_ID","category_ids":[2]}`),
	})
	bySource := compileRule(t, p, Spec{
		ID: 2, Priority: 1, Enabled: true, RuleType: TypeField,
		ConditionConfig: json.RawMessage(`{"field_id":"SOURCE_ID","operator":"equals","value":"WEB"}`),
	})

	got := engine.Apply(context.Background(), sampleDeals(), []Rule{byCategory, bySource})
	assert.Equal(t, []string{"1", "4"}, ids(got))
}

func TestEngineSkipsDisabledAndInvalidRules(t *testing.T) {
	p := newTestParser(t)
	engine := NewEngine(config.FallbackConfig{}, logger.NopLogger())

	disabled := compileRule(t, p, Spec{
		ID: 1, Enabled: false, RuleType: TypeAssignedBy,
		ConditionConfig: json.RawMessage(`{"user_ids":[]}`),
	})
	invalid := compileRule(t, p, Spec{
		ID: 2, Enabled: true, RuleType: TypeField,
		ConditionConfig: json.RawMessage(`{"field_id":`),
	})
	valid := compileRule(t, p, Spec{
		ID: 3, Enabled: true, Priority: 5, RuleType: TypeAssignedBy,
		ConditionConfig: json.RawMessage(`{"operator":"in","user_ids":[10]}`),
	})
	require.Error(t, invalid.Err)

	got := engine.Apply(context.Background(), sampleDeals(), []Rule{disabled, invalid, valid})
	assert.Equal(t, []string{"1", "3"}, ids(got))
}

func TestEngineFailOpen(t *testing.T) {
	p := newTestParser(t)

	unknownType := compileRule(t, p, Spec{
		ID: 1, Enabled: true, RuleType: "geo_condition",
		ConditionConfig: json.RawMessage(`{}`),
	})
	unknownOperator := compileRule(t, p, Spec{
		ID: 2, Enabled: true, RuleType: TypeField,
		ConditionConfig: json.RawMessage(`{"field_id":"SOURCE_ID","operator":"regex","value":"^W"}`),
	})

	t.Run("allow passes everything", func(t *testing.T) {
		engine := NewEngine(config.FallbackConfig{OnUnknown: "allow"}, logger.NopLogger())
		got := engine.Apply(context.Background(), sampleDeals(), []Rule{unknownType, unknownOperator})
		assert.Len(t, got, 4)
	})

	t.Run("deny matches nothing", func(t *testing.T) {
		engine := NewEngine(config.FallbackConfig{OnUnknown: "deny"}, logger.NopLogger())
		got := engine.Apply(context.Background(), sampleDeals(), []Rule{unknownType})
		assert.Empty(t, got)
	})
}

func TestEngineDoesNotMutateInput(t *testing.T) {
	p := newTestParser(t)
	engine := NewEngine(config.FallbackConfig{}, logger.NopLogger())
	records := sampleDeals()

	rule := compileRule(t, p, Spec{
		ID: 1, Enabled: true, RuleType: TypeAssignedBy,
		ConditionConfig: json.RawMessage(`{"operator":"not_in","user_ids":[10]}`),
	})

	got := engine.Apply(context.Background(), records, []Rule{rule})
	assert.Equal(t, []string{"2", "4"}, ids(got))
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(records))
}

func TestEngineMatches(t *testing.T) {
	p := newTestParser(t)
	engine := NewEngine(config.FallbackConfig{}, logger.NopLogger())

	rule := compileRule(t, p, Spec{
		ID: 1, Enabled: true, RuleType: TypeField,
		ConditionConfig: json.RawMessage(`{"field_id":"CATEGORY_ID","category_ids":[3]}`),
	})

	deals := sampleDeals()
	assert.False(t, engine.Matches(context.Background(), deals[0], []Rule{rule}))
	assert.True(t, engine.Matches(context.Background(), deals[2], []Rule{rule}))
}

func TestSortByPriorityIsStable(t *testing.T) {
	rules := []Rule{
		{Spec: Spec{ID: 1, Priority: 1}},
		{Spec: Spec{ID: 2, Priority: 0}},
		{Spec: Spec{ID: 3, Priority: 1}},
	}

	sorted := SortByPriority(rules)
	got := []int64{sorted[0].ID, sorted[1].ID, sorted[2].ID}
	assert.Equal(t, []int64{2, 1, 3}, got)
	assert.Equal(t, int64(1), rules[0].ID)
}

func TestRequiredFields(t *testing.T) {
	p := newTestParser(t)

	rule := compileRule(t, p, Spec{
		ID: 1, EntityType: "deal", CascadeRelated: true, RuleType: TypeField,
		ConditionConfig: json.RawMessage(`{"field_id":"CATEGORY_ID","category_ids":[2]}`),
	})

	assert.Equal(t,
		[]string{"ASSIGNED_BY_ID", "CATEGORY_ID", "COMPANY_ID", "CONTACT_ID", "ID", "STAGE_ID"},
		RequiredFields(rule))

	contactRule := compileRule(t, p, Spec{
		ID: 2, EntityType: "contact", CascadeRelated: true, RuleType: TypeAssignedBy,
		ConditionConfig: json.RawMessage(`{"user_ids":[1]}`),
	})
	assert.Equal(t, []string{"ASSIGNED_BY_ID", "ID"}, RequiredFields(contactRule))
}
