//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"dutyassign/internal/logger"
	"dutyassign/internal/testinfra"
	"dutyassign/pkg/migrations"
	"dutyassign/pkg/models"
)

func int64p(v int64) *int64 { return &v }

func TestRepository_AppendAndQuery(t *testing.T) {
	infra := testinfra.Postgres(t)
	repo := NewRepository(infra.PostgresDB)
	ctx := context.Background()

	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	_, err := repo.Append(ctx, Entry{
		EntityType: models.EntityDeal, EntityID: 10, OldAssignedByID: int64p(1), NewAssignedByID: 2,
		Source: models.SourceWebhook, CreatedAt: base,
	})
	require.NoError(t, err)

	saved, err := repo.AppendBatch(ctx, []Entry{
		{EntityType: models.EntityDeal, EntityID: 11, NewAssignedByID: 2, Source: models.SourceScheduled, CreatedAt: base.Add(time.Hour)},
		{EntityType: "contact", EntityID: 50, NewAssignedByID: 2, Source: models.SourceScheduled,
			RelatedEntityType: models.EntityDeal, RelatedEntityID: int64p(11), CreatedAt: base.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.NotZero(t, saved[0].ID)

	last, err := repo.LastEntry(ctx, models.EntityDeal, 10, models.SourceWebhook)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(2), last.NewAssignedByID)

	missing, err := repo.LastEntry(ctx, models.EntityDeal, 10, models.SourceManual)
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scheduled, err := repo.List(ctx, Filter{Source: models.SourceScheduled, EntityType: "contact"})
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, models.EntityDeal, scheduled[0].RelatedEntityType)

	from := base.Add(30 * time.Minute)
	n, err := repo.Count(ctx, Filter{From: &from})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := repo.List(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestRepository_AppendBatchIsAtomic(t *testing.T) {
	infra := testinfra.Postgres(t)
	repo := NewRepository(infra.PostgresDB)
	ctx := context.Background()

	_, err := repo.AppendBatch(ctx, []Entry{
		{EntityType: models.EntityDeal, EntityID: 1, NewAssignedByID: 2, Source: models.SourceManual},
		{EntityType: models.EntityDeal, EntityID: 2, NewAssignedByID: 2, Source: "bogus"},
	})
	require.Error(t, err)

	n, err := repo.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecorder_MongoMirror(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Postgres: true, Mongo: true})
	ctx := context.Background()

	require.NoError(t, migrations.EnsureAuditCollection(ctx, infra.MongoDB, "history"))
	rec := NewRecorder(NewRepository(infra.PostgresDB), NewMongoMirror(infra.MongoDB, "history"), logger.NopLogger())

	saved, err := rec.AppendBatch(ctx, []Entry{
		{EntityType: models.EntityDeal, EntityID: 7, NewAssignedByID: 3, Source: models.SourceManual},
		{EntityType: models.EntityDeal, EntityID: 8, NewAssignedByID: 3, Source: models.SourceManual},
	})
	require.NoError(t, err)

	// Re-mirroring the same rows is absorbed by the unique pg_id index.
	require.NoError(t, NewMongoMirror(infra.MongoDB, "history").Mirror(ctx, saved))

	count, err := infra.MongoDB.Collection("history").CountDocuments(ctx, bson.M{"source": models.SourceManual})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
