package management

import (
	"encoding/json"
	"time"

	"dutyassign/internal/audit"
	"dutyassign/internal/rules"
)

type CreateRuleRequest struct {
	EntityType             string           `json:"entity_type" yaml:"entity_type" validate:"required,entity_type"`
	Name                   string           `json:"entity_name" yaml:"name" validate:"max=255"`
	RuleType               string           `json:"rule_type" yaml:"rule_type" validate:"required,rule_type"`
	ConditionConfig        json.RawMessage  `json:"condition_config" yaml:"-" validate:"required"`
	Priority               int              `json:"priority" yaml:"priority" validate:"gte=0"`
	Enabled                *bool            `json:"enabled" yaml:"enabled"`
	UpdateTime             string           `json:"update_time" yaml:"update_time" validate:"omitempty,datetime=15:04"`
	UpdateDays             []int            `json:"update_days" yaml:"update_days" validate:"omitempty,dive,min=1,max=7"`
	DistributionPercentage *int             `json:"distribution_percentage" yaml:"distribution_percentage" validate:"omitempty,min=0,max=100"`
	CascadeRelated         bool             `json:"update_related_contacts_companies" yaml:"update_related_contacts_companies"`
	Users                  []rules.RuleUser `json:"users" yaml:"users" validate:"dive"`
}

// UpdateRuleRequest changes only the fields that are set. Users, when set,
// replaces the whole user list.
type UpdateRuleRequest struct {
	EntityType             *string           `json:"entity_type" validate:"omitempty,entity_type"`
	Name                   *string           `json:"entity_name" validate:"omitempty,max=255"`
	RuleType               *string           `json:"rule_type" validate:"omitempty,rule_type"`
	ConditionConfig        json.RawMessage   `json:"condition_config"`
	Priority               *int              `json:"priority" validate:"omitempty,gte=0"`
	Enabled                *bool             `json:"enabled"`
	UpdateTime             *string           `json:"update_time" validate:"omitempty,datetime=15:04"`
	UpdateDays             *[]int            `json:"update_days"`
	DistributionPercentage *int              `json:"distribution_percentage" validate:"omitempty,min=0,max=100"`
	CascadeRelated         *bool             `json:"update_related_contacts_companies"`
	Users                  *[]rules.RuleUser `json:"users"`
}

type RuleUserRequest struct {
	UserID                 int64 `json:"user_id" validate:"required,gt=0"`
	DistributionPercentage *int  `json:"distribution_percentage" validate:"omitempty,min=0,max=100"`
}

// RuleChange is one entry of a rule's configuration history.
type RuleChange struct {
	ID        string                 `json:"id"`
	RuleID    *int64                 `json:"rule_id,omitempty"`
	Action    string                 `json:"action"`
	OldValue  map[string]interface{} `json:"old_value,omitempty"`
	NewValue  map[string]interface{} `json:"new_value,omitempty"`
	ChangedBy string                 `json:"changed_by"`
	IPAddress string                 `json:"ip_address,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type SetUserActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type AddDefaultUserRequest struct {
	UserID   int64 `json:"user_id" validate:"required,gt=0"`
	Position *int  `json:"position" validate:"omitempty,gte=0"`
}

type ReorderDefaultUsersRequest struct {
	UserIDs []int64 `json:"user_ids" validate:"required,min=1,dive,gt=0"`
}

type SetDayRequest struct {
	UserIDs []int64 `json:"user_ids" validate:"required,min=1,dive,gt=0"`
}

type GenerateMonthRequest struct {
	Year  int `json:"year" validate:"required,gte=2000,lte=2100"`
	Month int `json:"month" validate:"required,min=1,max=12"`
}

type RunRequest struct {
	Date     string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Progress bool   `json:"progress"`
}

type HistoryResponse struct {
	Items []audit.Entry `json:"items"`
	Total int           `json:"total"`
}
