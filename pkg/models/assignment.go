package models

import "time"

// OnDutyUser is a CRM user scheduled to receive assignments on a given date.
type OnDutyUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

const (
	SourceScheduled = "scheduled"
	SourceWebhook   = "webhook"
	SourceManual    = "manual"
)

const (
	EntityDeal    = "deal"
	EntityContact = "contact"
	EntityCompany = "company"
	EntityLead    = "lead"
)

// DealEvent is the payload of an inbound CRM change notification.
type DealEvent struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Event      string `json:"event,omitempty"`
}

// AssignmentEvent is published after owners were changed.
type AssignmentEvent struct {
	RunID        string    `json:"run_id,omitempty"`
	Source       string    `json:"source"`
	RuleID       int64     `json:"rule_id,omitempty"`
	EntityType   string    `json:"entity_type"`
	UpdatedCount int       `json:"updated_count"`
	EntityIDs    []int64   `json:"entity_ids,omitempty"`
	Status       string    `json:"status,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
