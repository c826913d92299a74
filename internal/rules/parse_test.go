package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser()
	require.NoError(t, err)
	return p
}

func TestParseAssignedBy(t *testing.T) {
	p := newTestParser(t)

	tests := []struct {
		name     string
		raw      string
		owner    interface{}
		want     bool
		failOpen bool
	}{
		{name: "default operator is in", raw: `{"user_ids":[1,2]}`, owner: "2", want: true},
		{name: "not_in", raw: `{"operator":"not_in","user_ids":["1"]}`, owner: 1, want: false},
		{name: "equals alias", raw: `{"operator":"equals","user_ids":[3]}`, owner: "3", want: true},
		{name: "empty ids with in", raw: `{"operator":"in","user_ids":[]}`, owner: "3", want: false},
		{name: "unknown operator fails open", raw: `{"operator":"like","user_ids":[3]}`, owner: "9", want: true, failOpen: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := p.Parse("deal", TypeAssignedBy, json.RawMessage(tt.raw))
			require.NoError(t, err)

			r := NewRecord(map[string]interface{}{"ASSIGNED_BY_ID": tt.owner})
			assert.Equal(t, tt.want, cond.Matches(r))
			assert.Equal(t, tt.failOpen, len(FailOpenReasons(cond)) > 0)
		})
	}
}

func TestParseFieldCondition(t *testing.T) {
	p := newTestParser(t)

	t.Run("standard leaf", func(t *testing.T) {
		cond, err := p.Parse("deal", TypeField, json.RawMessage(`{"field_id":"SOURCE_ID","operator":"equals","value":"WEB"}`))
		require.NoError(t, err)
		leaf, ok := cond.(*Leaf)
		require.True(t, ok)
		assert.Equal(t, "SOURCE_ID", leaf.Field)
		assert.Equal(t, []string{"WEB"}, leaf.Values)
	})

	t.Run("operator defaults to equals", func(t *testing.T) {
		cond, err := p.Parse("deal", TypeField, json.RawMessage(`{"field_id":"CATEGORY_ID","value":2}`))
		require.NoError(t, err)
		assert.True(t, cond.Matches(NewRecord(map[string]interface{}{"CATEGORY_ID": "2"})))
	})

	t.Run("legacy category_id", func(t *testing.T) {
		cond, err := p.Parse("deal", TypeField, json.RawMessage(`{"field_id":"CATEGORY_ID","category_id":2}`))
		require.NoError(t, err)
		cs, ok := cond.(*CategoryStage)
		require.True(t, ok)
		assert.Contains(t, cs.CategoryIDs, "2")
		assert.Empty(t, cs.StageIDs)
	})

	t.Run("category_ids with stage_ids", func(t *testing.T) {
		cond, err := p.Parse("deal", TypeField, json.RawMessage(
			`{"field_id":"CATEGORY_ID","category_ids":[2,3],"stage_ids":["C2:NEW"]}`))
		require.NoError(t, err)
		assert.True(t, cond.Matches(NewRecord(map[string]interface{}{"CATEGORY_ID": "2", "STAGE_ID": "C2:NEW"})))
		assert.False(t, cond.Matches(NewRecord(map[string]interface{}{"CATEGORY_ID": "3", "STAGE_ID": "C3:NEW"})))
		assert.False(t, cond.Matches(NewRecord(map[string]interface{}{"CATEGORY_ID": "2"})))
	})

	t.Run("missing field_id fails open", func(t *testing.T) {
		cond, err := p.Parse("deal", TypeField, json.RawMessage(`{"operator":"equals","value":"x"}`))
		require.NoError(t, err)
		assert.IsType(t, &PassThrough{}, cond)
	})

	t.Run("list value", func(t *testing.T) {
		cond, err := p.Parse("deal", TypeField, json.RawMessage(`{"field_id":"SOURCE_ID","operator":"in","value":["WEB","CALL"]}`))
		require.NoError(t, err)
		assert.True(t, cond.Matches(NewRecord(map[string]interface{}{"SOURCE_ID": "CALL"})))
	})
}

func TestParseCombined(t *testing.T) {
	p := newTestParser(t)

	raw := `{
		"logic": "OR",
		"conditions": [
			{"type": "assigned_by_condition", "operator": "in", "user_ids": [5]},
			{"type": "field_condition", "field_id": "SOURCE_ID", "operator": "equals", "value": "WEB"},
			{"type": "something_else", "field_id": "X"},
			{"field_id": "NO_TYPE"}
		]
	}`

	cond, err := p.Parse("deal", TypeCombined, json.RawMessage(raw))
	require.NoError(t, err)

	combined, ok := cond.(*Combined)
	require.True(t, ok)
	assert.Equal(t, LogicOr, combined.Logic)
	assert.Len(t, combined.Children, 2)

	assert.True(t, cond.Matches(NewRecord(map[string]interface{}{"ASSIGNED_BY_ID": "5"})))
	assert.True(t, cond.Matches(NewRecord(map[string]interface{}{"SOURCE_ID": "WEB"})))
	assert.False(t, cond.Matches(NewRecord(map[string]interface{}{"ASSIGNED_BY_ID": "6", "SOURCE_ID": "CALL"})))
}

func TestParseCombinedEmpty(t *testing.T) {
	p := newTestParser(t)
	r := NewRecord(map[string]interface{}{"ID": "1"})

	and, err := p.Parse("deal", TypeCombined, json.RawMessage(`{"logic":"AND","conditions":[]}`))
	require.NoError(t, err)
	assert.True(t, and.Matches(r))

	or, err := p.Parse("deal", TypeCombined, json.RawMessage(`{"logic":"OR"}`))
	require.NoError(t, err)
	assert.False(t, or.Matches(r))
}

func TestParseCombinedLogicIsExact(t *testing.T) {
	p := newTestParser(t)
	nobody := NewRecord(map[string]interface{}{"ASSIGNED_BY_ID": "6"})
	children := `[{"type":"assigned_by_condition","operator":"in","user_ids":[5]}]`

	tests := []struct {
		name        string
		logic       string
		passThrough bool
	}{
		{name: "AND", logic: "AND"},
		{name: "OR", logic: "OR"},
		{name: "lowercase and", logic: "and", passThrough: true},
		{name: "mixed case or", logic: "Or", passThrough: true},
		{name: "XOR", logic: "XOR", passThrough: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"logic":"` + tt.logic + `","conditions":` + children + `}`
			cond, err := p.Parse("deal", TypeCombined, json.RawMessage(raw))
			require.NoError(t, err)

			_, isPassThrough := cond.(*PassThrough)
			assert.Equal(t, tt.passThrough, isPassThrough)
			assert.Equal(t, tt.passThrough, cond.Matches(nobody))
		})
	}
}

func TestParseErrors(t *testing.T) {
	p := newTestParser(t)

	tests := []struct {
		name     string
		ruleType string
		raw      string
	}{
		{name: "malformed json", ruleType: TypeField, raw: `{"field_id":`},
		{name: "not an object", ruleType: TypeField, raw: `[1,2]`},
		{name: "conditions not a list", ruleType: TypeCombined, raw: `{"conditions":"x"}`},
		{name: "child not an object", ruleType: TypeCombined, raw: `{"conditions":[1]}`},
		{name: "expression missing", ruleType: TypeExpression, raw: `{}`},
		{name: "expression does not compile", ruleType: TypeExpression, raw: `{"expression":"record.X =="}`},
		{name: "expression not bool", ruleType: TypeExpression, raw: `{"expression":"record.X"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse("deal", tt.ruleType, json.RawMessage(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseUnknownRuleType(t *testing.T) {
	p := newTestParser(t)

	cond, err := p.Parse("deal", "geo_condition", json.RawMessage(`{"radius":5}`))
	require.NoError(t, err)
	assert.IsType(t, &PassThrough{}, cond)
	assert.True(t, cond.Matches(NewRecord(nil)))
}

func TestParseExpression(t *testing.T) {
	p := newTestParser(t)

	cond, err := p.Parse("deal", TypeExpression, json.RawMessage(
		`{"expression":"double(record.OPPORTUNITY) > 1000.0","fields":["OPPORTUNITY"]}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"OPPORTUNITY"}, cond.Fields())
	assert.True(t, cond.Matches(NewRecord(map[string]interface{}{"OPPORTUNITY": "5000"})))
	assert.False(t, cond.Matches(NewRecord(map[string]interface{}{"OPPORTUNITY": "10"})))
	// evaluation errors count as no match
	assert.False(t, cond.Matches(NewRecord(map[string]interface{}{})))
}

func TestCompileCarriesError(t *testing.T) {
	p := newTestParser(t)

	rule := p.Compile(Spec{ID: 1, RuleType: TypeField, ConditionConfig: json.RawMessage(`{`)})
	assert.Error(t, rule.Err)
	assert.False(t, rule.Usable())

	rule = p.Compile(Spec{ID: 2, RuleType: TypeField, ConditionConfig: json.RawMessage(`{"field_id":"A","value":"1"}`)})
	assert.NoError(t, rule.Err)
	assert.True(t, rule.Usable())
}
