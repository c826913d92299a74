package reconciliation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutyassign/internal/audit"
	"dutyassign/internal/distribution"
	"dutyassign/internal/rules"
	"dutyassign/pkg/models"
)

func deal(id, owner string) rules.Record {
	return rules.NewRecord(map[string]interface{}{"ID": id, "ASSIGNED_BY_ID": owner})
}

func TestPlanEmitsOnlyChangedOwners(t *testing.T) {
	plan := distribution.Plan{Assignments: []distribution.Assignment{
		{UserID: 5, Records: []rules.Record{deal("1", "5"), deal("2", "7")}},
		{UserID: 6, Records: []rules.Record{deal("3", ""), deal("4", "6")}},
	}}

	result := NewPlanner().Plan(Input{EntityType: models.EntityDeal, RuleID: 9, Plan: plan})

	require.Len(t, result.Main, 2)
	assert.Equal(t, int64(2), result.Main[0].EntityID)
	assert.Equal(t, int64(7), *result.Main[0].OldOwnerID)
	assert.Equal(t, int64(5), result.Main[0].NewOwnerID)
	assert.Equal(t, int64(3), result.Main[1].EntityID)
	assert.Nil(t, result.Main[1].OldOwnerID)
	assert.Empty(t, result.Contacts)
	assert.Empty(t, result.Companies)
}

func TestPlanIsIdempotent(t *testing.T) {
	in := Input{
		EntityType: models.EntityDeal,
		RuleID:     4,
		Plan: distribution.Plan{Assignments: []distribution.Assignment{
			{UserID: 5, Records: []rules.Record{deal("1", "3"), deal("2", "5")}},
			{UserID: 6, Records: []rules.Record{deal("3", ""), deal("4", "x")}},
		}},
		Cascade: true,
		Related: Related{
			ContactsByDeal: map[int64][]int64{1: {10, 11}, 3: {11, 12}},
			CompanyByDeal:  map[int64]int64{1: 20, 4: 21},
			ContactOwners:  map[int64]*int64{10: audit.Int64Ptr(5), 11: audit.Int64Ptr(1), 12: nil},
			CompanyOwners:  map[int64]*int64{20: audit.Int64Ptr(1), 21: audit.Int64Ptr(6)},
		},
	}
	planner := NewPlanner()

	first := planner.Plan(in)
	second := planner.Plan(in)
	third := NewPlanner().Plan(in)

	require.NotZero(t, first.Len())
	require.NotEmpty(t, first.Contacts)
	require.NotEmpty(t, first.Companies)
	assert.Equal(t, first, second)
	assert.Equal(t, first, third)
	assert.Equal(t, first.All(), second.All())
}

func TestPlanIsNoOpAfterApply(t *testing.T) {
	plan := distribution.Plan{Assignments: []distribution.Assignment{
		{UserID: 5, Records: []rules.Record{deal("1", "3"), deal("2", "4")}},
	}}
	planner := NewPlanner()

	first := planner.Plan(Input{EntityType: models.EntityDeal, Plan: plan})
	require.Len(t, first.Main, 2)

	applied := distribution.Plan{Assignments: []distribution.Assignment{
		{UserID: 5, Records: []rules.Record{deal("1", "5"), deal("2", "5")}},
	}}
	second := planner.Plan(Input{EntityType: models.EntityDeal, Plan: applied})
	assert.Zero(t, second.Len())
}

func TestPlanSkipsRecordsWithoutID(t *testing.T) {
	plan := distribution.Plan{Assignments: []distribution.Assignment{
		{UserID: 5, Records: []rules.Record{rules.NewRecord(map[string]interface{}{"TITLE": "x"})}},
	}}
	assert.Zero(t, NewPlanner().Plan(Input{EntityType: models.EntityLead, Plan: plan}).Len())
}

func TestPlanCascade(t *testing.T) {
	plan := distribution.Plan{Assignments: []distribution.Assignment{
		{UserID: 5, Records: []rules.Record{deal("1", "5")}},
		{UserID: 6, Records: []rules.Record{deal("2", "1")}},
	}}
	related := Related{
		ContactsByDeal: map[int64][]int64{1: {10, 11}, 2: {11, 12}},
		CompanyByDeal:  map[int64]int64{1: 20, 2: 20},
		ContactOwners:  map[int64]*int64{10: audit.Int64Ptr(5), 11: audit.Int64Ptr(1), 12: nil},
		CompanyOwners:  map[int64]*int64{20: audit.Int64Ptr(1)},
	}

	result := NewPlanner().Plan(Input{
		EntityType: models.EntityDeal,
		RuleID:     3,
		Plan:       plan,
		Cascade:    true,
		Related:    related,
	})

	require.Len(t, result.Main, 1)
	assert.Equal(t, int64(2), result.Main[0].EntityID)

	// contact 10 already owned, contact 11 claimed by the first deal
	require.Len(t, result.Contacts, 2)
	assert.Equal(t, int64(11), result.Contacts[0].EntityID)
	assert.Equal(t, int64(5), result.Contacts[0].NewOwnerID)
	assert.Equal(t, models.EntityDeal, result.Contacts[0].RelatedEntityType)
	assert.Equal(t, int64(1), *result.Contacts[0].RelatedEntityID)
	assert.Equal(t, int64(12), result.Contacts[1].EntityID)
	assert.Equal(t, int64(6), result.Contacts[1].NewOwnerID)

	require.Len(t, result.Companies, 1)
	assert.Equal(t, int64(20), result.Companies[0].EntityID)
	assert.Equal(t, int64(5), result.Companies[0].NewOwnerID)

	all := result.All()
	assert.Equal(t, models.EntityDeal, all[0].EntityType)
	assert.Equal(t, models.EntityCompany, all[len(all)-1].EntityType)
}

func TestPlanCascadeOnlyForDeals(t *testing.T) {
	plan := distribution.Plan{Assignments: []distribution.Assignment{
		{UserID: 5, Records: []rules.Record{deal("1", "2")}},
	}}
	result := NewPlanner().Plan(Input{
		EntityType: models.EntityLead,
		Plan:       plan,
		Cascade:    true,
		Related:    Related{ContactsByDeal: map[int64][]int64{1: {10}}},
	})
	assert.Len(t, result.Main, 1)
	assert.Empty(t, result.Contacts)
}

func TestEntries(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	deltas := []Delta{
		{EntityType: models.EntityDeal, EntityID: 1, NewOwnerID: 5, RuleID: 2},
		{EntityType: models.EntityContact, EntityID: 9, NewOwnerID: 5, RelatedEntityType: models.EntityDeal, RelatedEntityID: audit.Int64Ptr(1)},
	}

	entries := Entries(deltas, models.SourceScheduled, at)

	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), *entries[0].RuleID)
	assert.Nil(t, entries[1].RuleID)
	assert.Equal(t, models.SourceScheduled, entries[1].Source)
	assert.Equal(t, at, entries[1].CreatedAt)
	assert.Equal(t, int64(1), *entries[1].RelatedEntityID)
}
