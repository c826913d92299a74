package cel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestPredicateEval(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	ctx := context.Background()
	record := map[string]interface{}{
		"STAGE_ID":    "NEW",
		"OPPORTUNITY": "150000",
		"TITLE":       "urgent: new office",
		"CATEGORY_ID": "0",
	}

	tests := []struct {
		name      string
		expr      string
		want      bool
		wantError bool
	}{
		{
			name: "simple equality true",
			expr: `record.STAGE_ID == "NEW"`,
			want: true,
		},
		{
			name: "simple equality false",
			expr: `record.STAGE_ID == "WON"`,
			want: false,
		},
		{
			name: "numeric comparison on string field",
			expr: `double(record.OPPORTUNITY) > 100000.0`,
			want: true,
		},
		{
			name: "contains",
			expr: `record.TITLE.contains("urgent")`,
			want: true,
		},
		{
			name: "entity type",
			expr: `entity_type == "deal" && record.CATEGORY_ID == "0"`,
			want: true,
		},
		{
			name: "has on missing field",
			expr: `has(record.UF_CRM_REGION)`,
			want: false,
		},
		{
			name:      "missing key access errors",
			expr:      `record.UF_CRM_REGION == "north"`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			predicate, err := eval.CompilePredicate(tt.expr)
			require.NoError(t, err)

			result, err := predicate.Eval(ctx, "deal", record)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestCompilePredicateRejectsNonBool(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	_, err = eval.CompilePredicate(`record.STAGE_ID`)
	assert.Error(t, err)
}

var conditionExamples = map[string]string{
	"simple_equals":       `record.SOURCE_ID == "WEB"`,
	"numeric_threshold":   `double(record.OPPORTUNITY) > 100000.0`,
	"string_contains":     `record.TITLE.contains("urgent")`,
	"in_list":             `record.STAGE_ID in ["NEW", "PREPARATION"]`,
	"has_field":           `has(record.UF_CRM_REGION) && record.UF_CRM_REGION != ""`,
	"unassigned":          `!has(record.ASSIGNED_BY_ID) || record.ASSIGNED_BY_ID == ""`,
	"entity_type":         `entity_type == "deal" && record.CATEGORY_ID == "0"`,
	"combined_conditions": `record.CATEGORY_ID == "2" && (record.STAGE_ID == "C2:NEW" || record.STAGE_ID == "C2:PREPARATION")`,
}

func TestCompilePredicate(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range conditionExamples {
		t.Run(name, func(t *testing.T) {
			_, err := eval.CompilePredicate(expr)
			assert.NoError(t, err)
		})
	}

	invalid := map[string]string{
		"syntax":             `invalid syntax here!!!`,
		"undefined variable": `payload.status == "test"`,
		"non-bool":           `entity_type + "x"`,
	}
	for name, expr := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := eval.CompilePredicate(expr)
			assert.Error(t, err)
		})
	}
}
