package rules

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutyassign/internal/config"
	"dutyassign/internal/logger"
)

type fakeRepository struct {
	specs []Spec
	err   error
	calls int
}

func (f *fakeRepository) ListRules(context.Context) ([]Spec, error) {
	f.calls++
	return f.specs, f.err
}

func TestCatalogReloadAndQuery(t *testing.T) {
	repo := &fakeRepository{specs: []Spec{
		{ID: 1, EntityType: "deal", Priority: 5, Enabled: true, RuleType: TypeAssignedBy, ConditionConfig: json.RawMessage(`{"user_ids":[1]}`)},
		{ID: 2, EntityType: "deal", Priority: 1, Enabled: true, RuleType: TypeField, ConditionConfig: json.RawMessage(`{`)},
		{ID: 3, EntityType: "contact", Priority: 0, Enabled: true, RuleType: TypeAssignedBy, ConditionConfig: json.RawMessage(`{}`)},
		{ID: 4, EntityType: "deal", Priority: 0, Enabled: false, RuleType: TypeAssignedBy, ConditionConfig: json.RawMessage(`{}`)},
	}}

	catalog := NewCatalog(repo, newTestParser(t), config.ReloadConfig{}, logger.NopLogger())
	require.NoError(t, catalog.ReloadRules(context.Background(), true))

	assert.Len(t, catalog.Rules(), 4)

	deals, err := catalog.EnabledRules(context.Background(), "deal")
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, int64(2), deals[0].ID)
	assert.Error(t, deals[0].Err)
	assert.Equal(t, int64(1), deals[1].ID)

	all, err := catalog.EnabledRules(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	rule, ok := catalog.Rule(3)
	assert.True(t, ok)
	assert.Equal(t, "contact", rule.EntityType)

	_, ok = catalog.Rule(99)
	assert.False(t, ok)
}

func TestCatalogReloadErrorKeepsPreviousRules(t *testing.T) {
	repo := &fakeRepository{specs: []Spec{
		{ID: 1, EntityType: "deal", Enabled: true, RuleType: TypeAssignedBy, ConditionConfig: json.RawMessage(`{}`)},
	}}

	catalog := NewCatalog(repo, newTestParser(t), config.ReloadConfig{}, logger.NopLogger())
	require.NoError(t, catalog.ReloadRules(context.Background(), true))

	repo.err = errors.New("connection refused")
	assert.Error(t, catalog.ReloadRules(context.Background(), true))
	assert.Len(t, catalog.Rules(), 1)
}

func TestCatalogJitterHonorsContext(t *testing.T) {
	repo := &fakeRepository{}
	catalog := NewCatalog(repo, newTestParser(t), config.ReloadConfig{JitterMaxMilliseconds: 60000}, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := catalog.ReloadRules(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, repo.calls)
	}
}
