package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureAuditCollection creates the indexes used by the assignment history
// mirror. The collection itself is created on first insert.
func EnsureAuditCollection(ctx context.Context, db *mongo.Database, name string) error {
	collection := db.Collection(name)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_history_entity_created_at"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_history_created_at"),
		},
		{
			Keys:    bson.D{{Key: "rule_id", Value: 1}},
			Options: options.Index().SetName("idx_history_rule_id"),
		},
		{
			Keys:    bson.D{{Key: "source", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_history_source_created_at"),
		},
		{
			Keys:    bson.D{{Key: "pg_id", Value: 1}},
			Options: options.Index().SetName("idx_history_pg_id").SetUnique(true).SetSparse(true),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
