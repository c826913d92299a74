package rules

import (
	"encoding/json"
	"time"
)

const (
	TypeAssignedBy = "assigned_by_condition"
	TypeField      = "field_condition"
	TypeCombined   = "combined"
	TypeExpression = "expression"
)

type RuleUser struct {
	UserID                 int64 `json:"user_id" yaml:"user_id"`
	DistributionPercentage int   `json:"distribution_percentage" yaml:"distribution_percentage"`
}

// Spec is a rule as stored. ConditionConfig is kept raw and parsed once on
// load.
type Spec struct {
	ID                     int64           `json:"id"`
	EntityType             string          `json:"entity_type"`
	Name                   string          `json:"entity_name"`
	RuleType               string          `json:"rule_type"`
	ConditionConfig        json.RawMessage `json:"condition_config"`
	Priority               int             `json:"priority"`
	Enabled                bool            `json:"enabled"`
	UpdateTime             string          `json:"update_time,omitempty"`
	UpdateDays             []int           `json:"update_days,omitempty"`
	DistributionPercentage int             `json:"distribution_percentage"`
	CascadeRelated         bool            `json:"update_related_contacts_companies"`
	Users                  []RuleUser      `json:"users"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

func (s Spec) UserIDs() []int64 {
	ids := make([]int64, 0, len(s.Users))
	for _, u := range s.Users {
		ids = append(ids, u.UserID)
	}
	return ids
}

// Rule is a Spec with its parsed condition tree. Err is set when the
// condition could not be parsed; such rules are skipped.
type Rule struct {
	Spec
	Condition Condition
	Err       error
}

func (r Rule) Usable() bool {
	return r.Err == nil && r.Condition != nil
}

var entityTypes = map[string]bool{
	"deal":    true,
	"contact": true,
	"company": true,
	"lead":    true,
}

func ValidEntityType(entityType string) bool {
	return entityTypes[entityType]
}
