package assignment

import (
	"context"
	"fmt"
	"time"

	"dutyassign/internal/constants"
	"dutyassign/internal/reconciliation"
	"dutyassign/internal/rules"
	"dutyassign/pkg/models"
	"dutyassign/pkg/tracing"
)

type RuleCount struct {
	RuleID     int64  `json:"rule_id"`
	RuleName   string `json:"rule_name"`
	EntityType string `json:"entity_type"`
	Count      int    `json:"count"`
}

// CountResult counts the main entities a run for Date would reassign.
type CountResult struct {
	Date       string      `json:"date"`
	Rules      []RuleCount `json:"rules"`
	TotalCount int         `json:"total_count"`
	Errors     []string    `json:"errors,omitempty"`
}

type PreviewItem struct {
	RuleID            int64  `json:"rule_id"`
	RuleName          string `json:"rule_name"`
	EntityType        string `json:"entity_type"`
	EntityID          int64  `json:"entity_id"`
	CurrentOwnerID    *int64 `json:"current_assigned_by_id"`
	CurrentOwnerName  string `json:"current_assigned_by_name,omitempty"`
	NewOwnerID        int64  `json:"new_assigned_by_id"`
	NewOwnerName      string `json:"new_assigned_by_name"`
	RelatedEntityType string `json:"related_entity_type,omitempty"`
	RelatedEntityID   *int64 `json:"related_entity_id,omitempty"`
}

// PreviewResult lists every change a run for Date would make, cascaded
// entities included.
type PreviewResult struct {
	Date          string        `json:"date"`
	DutyUserIDs   []int64       `json:"duty_user_ids"`
	DutyUserNames []string      `json:"duty_user_names"`
	Items         []PreviewItem `json:"items"`
	TotalCount    int           `json:"total_count"`
	Errors        []string      `json:"errors,omitempty"`
}

// Count plans every enabled rule for date without writing.
func (s *Service) Count(ctx context.Context, date time.Time) (*CountResult, error) {
	ctx, span := tracing.GetTracer("assignment-service").Start(ctx, "assignment.count")
	defer span.End()

	result := &CountResult{Date: date.Format(constants.DateLayout), Rules: []RuleCount{}}

	_, err := s.plan(ctx, date, func(rule rules.Rule, deltas reconciliation.Result, err error) {
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("rule %d (%s): %v", rule.ID, rule.Name, err))
			return
		}
		result.Rules = append(result.Rules, RuleCount{
			RuleID:     rule.ID,
			RuleName:   rule.Name,
			EntityType: rule.EntityType,
			Count:      len(deltas.Main),
		})
		result.TotalCount += len(deltas.Main)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Preview plans every enabled rule for date and lists the resulting changes.
func (s *Service) Preview(ctx context.Context, date time.Time) (*PreviewResult, error) {
	ctx, span := tracing.GetTracer("assignment-service").Start(ctx, "assignment.preview")
	defer span.End()

	result := &PreviewResult{
		Date:          date.Format(constants.DateLayout),
		DutyUserIDs:   []int64{},
		DutyUserNames: []string{},
		Items:         []PreviewItem{},
	}

	duty, err := s.plan(ctx, date, func(rule rules.Rule, deltas reconciliation.Result, err error) {
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("rule %d (%s): %v", rule.ID, rule.Name, err))
			return
		}
		for _, d := range deltas.All() {
			item := PreviewItem{
				RuleID:            rule.ID,
				RuleName:          rule.Name,
				EntityType:        d.EntityType,
				EntityID:          d.EntityID,
				CurrentOwnerID:    d.OldOwnerID,
				NewOwnerID:        d.NewOwnerID,
				RelatedEntityType: d.RelatedEntityType,
				RelatedEntityID:   d.RelatedEntityID,
			}
			result.Items = append(result.Items, item)
		}
	})
	if err != nil {
		return nil, err
	}

	names := make(map[int64]string, len(duty))
	for _, u := range duty {
		names[u.ID] = u.Name
		result.DutyUserIDs = append(result.DutyUserIDs, u.ID)
		result.DutyUserNames = append(result.DutyUserNames, u.Name)
	}
	for i := range result.Items {
		item := &result.Items[i]
		item.NewOwnerName = names[item.NewOwnerID]
		if item.CurrentOwnerID != nil {
			item.CurrentOwnerName = names[*item.CurrentOwnerID]
		}
	}
	result.TotalCount = len(result.Items)
	return result, nil
}

// plan calls fn for every enabled rule that produced a plan or an error.
// Skipped rules are not reported. It returns the roster of date.
func (s *Service) plan(ctx context.Context, date time.Time, fn func(rule rules.Rule, deltas reconciliation.Result, err error)) ([]models.OnDutyUser, error) {
	duty, err := s.roster.OnDuty(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load duty roster: %w", err)
	}
	if len(duty) == 0 {
		return duty, nil
	}

	enabled, err := s.rules.EnabledRules(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	for _, rule := range enabled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prepared, reason, err := s.prepare(ctx, rule, duty)
		switch {
		case err != nil:
			fn(rule, reconciliation.Result{}, err)
		case reason == "":
			fn(rule, prepared.deltas, nil)
		}
	}
	return duty, nil
}
