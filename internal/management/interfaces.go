package management

import (
	"context"
	"time"

	"dutyassign/internal/assignment"
	"dutyassign/internal/audit"
	"dutyassign/internal/crm"
	"dutyassign/internal/roster"
	"dutyassign/internal/rules"
)

type Service interface {
	CreateRule(ctx context.Context, req CreateRuleRequest) (*rules.Spec, error)
	ListRules(ctx context.Context, entityType string) ([]rules.Spec, error)
	GetRule(ctx context.Context, id int64) (*rules.Spec, error)
	UpdateRule(ctx context.Context, id int64, req UpdateRuleRequest) (*rules.Spec, error)
	DeleteRule(ctx context.Context, id int64) error
	AddRuleUser(ctx context.Context, ruleID int64, req RuleUserRequest) (*rules.Spec, error)
	RemoveRuleUser(ctx context.Context, ruleID, userID int64) error
	GetRuleChanges(ctx context.Context, ruleID *int64, limit int) ([]RuleChange, error)
}

// Roster is the users, default rotation and duty schedule store.
type Roster interface {
	ListUsers(ctx context.Context, activeOnly bool) ([]roster.User, error)
	GetUser(ctx context.Context, id int64) (*roster.User, error)
	SetUserActive(ctx context.Context, id int64, active bool) (*roster.User, error)
	SyncUsers(ctx context.Context, users []roster.User) (roster.SyncResult, error)

	ListDefaultUsers(ctx context.Context) ([]roster.DefaultUser, error)
	AddDefaultUser(ctx context.Context, userID int64, position *int) (*roster.DefaultUser, error)
	RemoveDefaultUser(ctx context.Context, userID int64) error
	ReorderDefaultUsers(ctx context.Context, userIDs []int64) ([]roster.DefaultUser, error)

	Schedule(ctx context.Context, from, to string) ([]roster.Day, error)
	Day(ctx context.Context, date string) (*roster.Day, error)
	SetDay(ctx context.Context, date string, userIDs []int64) (*roster.Day, error)
	DeleteDay(ctx context.Context, date string) error
	GenerateMonth(ctx context.Context, year, month int) ([]roster.Day, error)
}

// UserDirectory is the CRM's user list.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]crm.User, error)
}

type History interface {
	List(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
	Count(ctx context.Context, filter audit.Filter) (int, error)
}

type Runner interface {
	Today() time.Time
	RunForDate(ctx context.Context, date time.Time, source string, progress *assignment.Reporter) (*assignment.Result, error)
	Count(ctx context.Context, date time.Time) (*assignment.CountResult, error)
	Preview(ctx context.Context, date time.Time) (*assignment.PreviewResult, error)
}
