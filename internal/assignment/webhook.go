package assignment

import (
	"context"
	"fmt"

	"dutyassign/internal/constants"
	"dutyassign/internal/distribution"
	"dutyassign/internal/lock"
	"dutyassign/internal/reconciliation"
	"dutyassign/internal/rules"
	apperrors "dutyassign/pkg/errors"
	"dutyassign/pkg/logging"
	"dutyassign/pkg/metrics"
	"dutyassign/pkg/models"
	"dutyassign/pkg/retry"
	"dutyassign/pkg/tracing"
)

const (
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// WebhookOutcome describes what a single deal event led to.
type WebhookOutcome struct {
	Status            string   `json:"status"`
	Reason            string   `json:"reason,omitempty"`
	DealID            int64    `json:"deal_id"`
	Date              string   `json:"date,omitempty"`
	RuleID            int64    `json:"rule_id,omitempty"`
	AssignedUserID    int64    `json:"assigned_user_id,omitempty"`
	UpdatedContacts   []int64  `json:"updated_contacts,omitempty"`
	UpdatedCompanyIDs []int64  `json:"updated_companies,omitempty"`
	Errors            []string `json:"errors,omitempty"`
}

// HandleDealEvent reassigns a single deal to today's duty users. The deal is
// only touched when its current owner is off duty; the new owner continues
// the rotation recorded in webhook history.
func (s *Service) HandleDealEvent(ctx context.Context, dealID int64) (*WebhookOutcome, error) {
	ctx, span := tracing.GetTracer("assignment-service").Start(ctx, "assignment.deal_event")
	defer span.End()

	today := s.Today()
	outcome, err := s.handleDealEvent(ctx, dealID, today.Format(constants.DateLayout))
	if err != nil {
		metrics.WebhookOutcomesTotal.WithLabelValues(OutcomeError).Inc()
		return nil, err
	}
	metrics.WebhookOutcomesTotal.WithLabelValues(outcome.Status).Inc()

	s.logger.InfowCtx(ctx, "Deal event handled",
		"deal_id", dealID,
		"status", outcome.Status,
		"reason", outcome.Reason,
		"assigned_user_id", outcome.AssignedUserID,
	)
	return outcome, nil
}

func (s *Service) handleDealEvent(ctx context.Context, dealID int64, date string) (*WebhookOutcome, error) {
	skipped := func(reason string) *WebhookOutcome {
		return &WebhookOutcome{Status: OutcomeSkipped, Reason: reason, DealID: dealID, Date: date}
	}

	duty, err := s.roster.OnDuty(ctx, s.Today())
	if err != nil {
		return nil, fmt.Errorf("failed to load duty roster: %w", err)
	}
	if len(duty) == 0 {
		return skipped("no duty users for today"), nil
	}

	dealRules, err := s.rules.EnabledRules(ctx, models.EntityDeal)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	if len(dealRules) == 0 {
		return skipped("no active rules for deals"), nil
	}

	applicable := make([]rules.Rule, 0, len(dealRules))
	for _, rule := range dealRules {
		if rule.Usable() && len(EligibleUsers(rule, duty)) > 0 {
			applicable = append(applicable, rule)
		}
	}
	if len(applicable) == 0 {
		return skipped("no applicable rules (rule users not on duty)"), nil
	}

	dealLease, err := s.locker.TryLock(ctx, fmt.Sprintf("%s:%d", models.EntityDeal, dealID), s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer dealLease.Release(ctx)

	writerLease, err := s.locker.TryLock(ctx, lock.WriterKey, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer writerLease.Release(ctx)

	deal, err := s.crm.Get(ctx, models.EntityDeal, dealID, selectFields(applicable))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch deal %d: %w", dealID, err)
	}
	if deal == nil {
		return &WebhookOutcome{Status: OutcomeError, Reason: "deal not found", DealID: dealID, Date: date}, nil
	}

	if !s.engine.Matches(ctx, *deal, applicable) {
		return skipped("deal does not match rule filters"), nil
	}

	rule := applicable[0]
	ctx = logging.WithRuleID(ctx, rule.ID)

	owner := reconciliation.CurrentOwner(*deal)
	if reconciliation.OwnedByAny(owner, duty) {
		entry := reconciliation.NoChangeEntry(models.EntityDeal, dealID, *owner, rule.ID, models.SourceWebhook)
		entry.CreatedAt = s.clock.Now().UTC()
		if _, err := s.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
			return nil, fmt.Errorf("failed to record history: %w", err)
		}
		out := skipped("already assigned to duty user")
		out.RuleID = rule.ID
		out.AssignedUserID = *owner
		s.publishOutcome(ctx, out)
		return out, nil
	}

	last, err := s.history.LastEntry(ctx, models.EntityDeal, dealID, models.SourceWebhook)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	assignee, ok := reconciliation.NextAssignee(EligibleUsers(rule, duty), last)
	if !ok {
		return &WebhookOutcome{Status: OutcomeError, Reason: "no duty users for rule", DealID: dealID, Date: date, RuleID: rule.ID}, nil
	}
	if owner != nil && *owner == assignee.ID {
		out := skipped("already assigned correctly")
		out.RuleID = rule.ID
		out.AssignedUserID = assignee.ID
		return out, nil
	}

	plan := distribution.Plan{Assignments: []distribution.Assignment{{
		UserID:  assignee.ID,
		Records: []rules.Record{*deal},
	}}}

	var related reconciliation.Related
	if rule.CascadeRelated {
		related, err = s.fetchRelated(ctx, []int64{dealID})
		if err != nil {
			s.logger.WarnwCtx(ctx, "Failed to load related entities, updating deal only",
				"deal_id", dealID,
				"error", err,
			)
			related = reconciliation.Related{}
		}
	}

	deltas := s.planner.Plan(reconciliation.Input{
		EntityType: models.EntityDeal,
		RuleID:     rule.ID,
		Plan:       plan,
		Cascade:    rule.CascadeRelated,
		Related:    related,
	})

	written, failures, writeErr := s.apply(ctx, models.EntityDeal, deltas, nil)
	recordErr := s.record(ctx, written, models.SourceWebhook)

	out := &WebhookOutcome{
		Status:         OutcomeUpdated,
		DealID:         dealID,
		Date:           date,
		RuleID:         rule.ID,
		AssignedUserID: assignee.ID,
		Errors:         failures,
	}
	dealWritten := false
	for _, d := range written {
		switch d.EntityType {
		case models.EntityDeal:
			dealWritten = true
		case models.EntityContact:
			out.UpdatedContacts = append(out.UpdatedContacts, d.EntityID)
		case models.EntityCompany:
			out.UpdatedCompanyIDs = append(out.UpdatedCompanyIDs, d.EntityID)
		}
	}
	if recordErr != nil {
		out.Errors = append(out.Errors, recordErr.Error())
	}

	if !dealWritten {
		if writeErr == nil {
			writeErr = apperrors.ErrRemoteWrite.WithDetail("message", fmt.Sprintf("deal %d was not updated", dealID))
		}
		return nil, writeErr
	}
	if writeErr != nil {
		out.Errors = append(out.Errors, writeErr.Error())
	}

	s.publishOutcome(ctx, out)
	return out, nil
}

func (s *Service) publishOutcome(ctx context.Context, out *WebhookOutcome) {
	ids := []int64{}
	if out.Status == OutcomeUpdated {
		ids = append(ids, out.DealID)
	}
	s.publish(ctx, models.AssignmentEvent{
		Source:       models.SourceWebhook,
		RuleID:       out.RuleID,
		EntityType:   models.EntityDeal,
		UpdatedCount: len(ids) + len(out.UpdatedContacts) + len(out.UpdatedCompanyIDs),
		EntityIDs:    ids,
		Status:       out.Status,
		Reason:       out.Reason,
		Timestamp:    s.clock.Now().UTC(),
	})
}

// HandleMessage consumes a deal event envelope from the broker. Malformed
// events are fatal so they go straight to the dead letter topic.
func (s *Service) HandleMessage(ctx context.Context, msg models.MessageEnvelope) error {
	event, err := models.DecodeDealEvent(&msg)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Rejecting malformed deal event",
			"id", msg.ID,
			"error", err,
		)
		return retry.NewFatalError(err)
	}

	if _, err := s.HandleDealEvent(ctx, event.EntityID); err != nil {
		if apperrors.IsBusy(err) {
			return retry.NewRetryableError(err)
		}
		return err
	}
	return nil
}

func selectFields(applicable []rules.Rule) []string {
	seen := map[string]struct{}{}
	var fields []string
	for _, rule := range applicable {
		for _, f := range rules.RequiredFields(rule) {
			if _, dup := seen[f]; !dup {
				seen[f] = struct{}{}
				fields = append(fields, f)
			}
		}
	}
	return fields
}
