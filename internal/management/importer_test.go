package management

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ruleFileYAML = `
rules:
  - entity_type: deal
    name: Web deals
    rule_type: field_condition
    priority: 10
    update_time: "09:00"
    update_days: [1, 2, 3, 4, 5]
    update_related_contacts_companies: true
    users:
      - user_id: 5
        distribution_percentage: 60
      - user_id: 6
        distribution_percentage: 40
    condition:
      field_id: UF_CRM_SOURCE
      operator: equals
      value: web
  - entity_type: lead
    name: Broken
    rule_type: field_condition
    condition:
      operator: equals
`

func TestDecodeRules(t *testing.T) {
	reqs, err := DecodeRules(strings.NewReader(ruleFileYAML))
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	first := reqs[0]
	assert.Equal(t, "deal", first.EntityType)
	assert.Equal(t, "Web deals", first.Name)
	assert.Equal(t, 10, first.Priority)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, first.UpdateDays)
	assert.True(t, first.CascadeRelated)
	require.Len(t, first.Users, 2)
	assert.Equal(t, int64(6), first.Users[1].UserID)
	assert.Equal(t, 40, first.Users[1].DistributionPercentage)
	assert.JSONEq(t, `{"field_id":"UF_CRM_SOURCE","operator":"equals","value":"web"}`, string(first.ConditionConfig))
}

func TestDecodeRules_Empty(t *testing.T) {
	reqs, err := DecodeRules(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, reqs)

	_, err = DecodeRules(strings.NewReader("rules: [unterminated"))
	assert.Error(t, err)
}

func TestImportRules_ReportsFailuresAndContinues(t *testing.T) {
	f := newServiceFixture(t)

	result, err := ImportRules(context.Background(), f.svc, strings.NewReader(ruleFileYAML))
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, result.Created)
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0], "Broken")
	assert.Len(t, f.repo.specs, 1)
}
