package assignment

import (
	"context"
	"time"

	"dutyassign/internal/audit"
	"dutyassign/internal/crm"
	"dutyassign/internal/lock"
	"dutyassign/internal/rules"
	"dutyassign/pkg/models"
)

// CRM is the subset of the CRM client the cycle needs.
type CRM interface {
	List(ctx context.Context, entityType string, selectFields []string, filter map[string]interface{}) ([]rules.Record, error)
	Get(ctx context.Context, entityType string, id int64, selectFields []string) (*rules.Record, error)
	ListByIDs(ctx context.Context, entityType string, ids []int64, selectFields []string) (map[int64]rules.Record, error)
	GetRelatedContacts(ctx context.Context, dealID int64) ([]int64, error)
	GetRelatedCompanies(ctx context.Context, dealIDs []int64) (map[int64]int64, error)
	BatchUpdate(ctx context.Context, entityType string, updates []crm.Update) (crm.BatchResult, error)
}

type Roster interface {
	OnDuty(ctx context.Context, date time.Time) ([]models.OnDutyUser, error)
}

type RuleSource interface {
	EnabledRules(ctx context.Context, entityType string) ([]rules.Rule, error)
}

// AuditLog appends history. AppendBatch must be transactional.
type AuditLog interface {
	Append(ctx context.Context, entry audit.Entry) (audit.Entry, error)
	AppendBatch(ctx context.Context, entries []audit.Entry) ([]audit.Entry, error)
}

type History interface {
	LastEntry(ctx context.Context, entityType string, entityID int64, source string) (*audit.Entry, error)
}

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (*lock.Lease, error)
}

type EventPublisher interface {
	PublishAssignment(ctx context.Context, event models.AssignmentEvent) error
}
