// Package audit records every owner change, and every deliberate
// non-change, made by the assignment service.
package audit

import (
	"context"
	"time"
)

type Entry struct {
	ID                int64     `json:"id" bson:"pg_id,omitempty"`
	EntityType        string    `json:"entity_type" bson:"entity_type"`
	EntityID          int64     `json:"entity_id" bson:"entity_id"`
	OldAssignedByID   *int64    `json:"old_assigned_by_id" bson:"old_assigned_by_id"`
	NewAssignedByID   int64     `json:"new_assigned_by_id" bson:"new_assigned_by_id"`
	Source            string    `json:"update_source" bson:"source"`
	RuleID            *int64    `json:"rule_id,omitempty" bson:"rule_id,omitempty"`
	RelatedEntityType string    `json:"related_entity_type,omitempty" bson:"related_entity_type,omitempty"`
	RelatedEntityID   *int64    `json:"related_entity_id,omitempty" bson:"related_entity_id,omitempty"`
	CreatedAt         time.Time `json:"created_at" bson:"created_at"`
}

// Changed is false for no-op entries written when the current owner was
// already acceptable.
func (e Entry) Changed() bool {
	return e.OldAssignedByID == nil || *e.OldAssignedByID != e.NewAssignedByID
}

type Filter struct {
	EntityType string
	EntityID   *int64
	Source     string
	RuleID     *int64
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

type Store interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	// AppendBatch commits all entries atomically.
	AppendBatch(ctx context.Context, entries []Entry) ([]Entry, error)
	// LastEntry returns nil when the entity has no history for source.
	LastEntry(ctx context.Context, entityType string, entityID int64, source string) (*Entry, error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Count(ctx context.Context, filter Filter) (int, error)
}

func Int64Ptr(v int64) *int64 {
	return &v
}
