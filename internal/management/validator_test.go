package management

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutyassign/internal/rules"
	pkgerrors "dutyassign/pkg/errors"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	parser, err := rules.NewParser()
	require.NoError(t, err)
	return NewValidator(parser)
}

func TestValidator_StructListsFields(t *testing.T) {
	v := newTestValidator(t)

	err := v.Struct(GenerateMonthRequest{Year: 1999, Month: 13})
	require.Error(t, err)

	var appErr *pkgerrors.Error
	require.ErrorAs(t, err, &appErr)
	fields, ok := appErr.Details["fields"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "gte", fields["GenerateMonthRequest.Year"])
	assert.Equal(t, "max", fields["GenerateMonthRequest.Month"])
}

func TestValidator_Condition(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name     string
		ruleType string
		raw      string
		wantErr  bool
	}{
		{name: "field equals", ruleType: rules.TypeField, raw: fieldCondition},
		{name: "assigned by", ruleType: rules.TypeAssignedBy, raw: `{"operator":"in","user_ids":[1,2]}`},
		{
			name:     "combined",
			ruleType: rules.TypeCombined,
			raw:      `{"logic":"OR","conditions":[{"type":"field_condition","field_id":"STAGE_ID","operator":"equals","value":"NEW"}]}`,
		},
		{name: "expression", ruleType: rules.TypeExpression, raw: `{"expression":"double(record.OPPORTUNITY) > 1000.0","fields":["OPPORTUNITY"]}`},
		{name: "expression missing", ruleType: rules.TypeExpression, raw: `{}`, wantErr: true},
		{name: "field without id", ruleType: rules.TypeField, raw: `{"operator":"equals","value":"x"}`, wantErr: true},
		{name: "unknown logic", ruleType: rules.TypeCombined, raw: `{"logic":"XOR"}`, wantErr: true},
		{name: "lowercase logic", ruleType: rules.TypeCombined, raw: `{"logic":"or"}`, wantErr: true},
		{name: "assigned by unknown operator", ruleType: rules.TypeAssignedBy, raw: `{"operator":"like"}`, wantErr: true},
		{name: "not an object", ruleType: rules.TypeField, raw: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Condition("deal", tt.ruleType, json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, pkgerrors.IsValidation(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidator_UpdateRule(t *testing.T) {
	v := newTestValidator(t)
	current := rules.Spec{
		EntityType:      "deal",
		RuleType:        rules.TypeField,
		ConditionConfig: json.RawMessage(fieldCondition),
	}

	badDays := []int{1, 9}
	assert.Error(t, v.UpdateRule(current, UpdateRuleRequest{UpdateDays: &badDays}))

	users := []rules.RuleUser{{UserID: -1}}
	assert.Error(t, v.UpdateRule(current, UpdateRuleRequest{Users: &users}))

	entityType := "contact"
	assert.NoError(t, v.UpdateRule(current, UpdateRuleRequest{EntityType: &entityType}))

	assert.Error(t, v.UpdateRule(current, UpdateRuleRequest{ConditionConfig: json.RawMessage(`{"field_id":"X","operator":"regex"}`)}))
}
