package audit

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoMirror copies committed history into a MongoDB collection used for
// reporting. It is written after the Postgres commit and never read by the
// assignment path.
type MongoMirror struct {
	collection *mongo.Collection
}

func NewMongoMirror(db *mongo.Database, collection string) *MongoMirror {
	return &MongoMirror{collection: db.Collection(collection)}
}

func (m *MongoMirror) Mirror(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, e)
	}

	_, err := m.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to mirror history: %w", err)
	}
	return nil
}
