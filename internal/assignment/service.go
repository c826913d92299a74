// Package assignment runs the reassignment cycle: it fetches candidate
// records, filters and distributes them per rule, writes the resulting owner
// changes to the CRM and records them in the history.
package assignment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dutyassign/internal/config"
	"dutyassign/internal/constants"
	"dutyassign/internal/crm"
	"dutyassign/internal/distribution"
	"dutyassign/internal/lock"
	"dutyassign/internal/logger"
	"dutyassign/internal/reconciliation"
	"dutyassign/internal/rules"
	"dutyassign/internal/schedule"
	apperrors "dutyassign/pkg/errors"
	"dutyassign/pkg/logging"
	"dutyassign/pkg/metrics"
	"dutyassign/pkg/models"
	"dutyassign/pkg/tracing"
)

const (
	reasonNoRuleUsers      = "rule has no users"
	reasonRuleUsersOffDuty = "rule users are not on duty"
	reasonInvalidCondition = "rule condition is invalid"
	reasonNoDutyUsers      = "no duty users for date"
)

// Deps are the collaborators of a Service. Locker and Publisher are
// optional.
type Deps struct {
	CRM       CRM
	Roster    Roster
	Rules     RuleSource
	Audit     AuditLog
	History   History
	Locker    Locker
	Publisher EventPublisher
}

type Service struct {
	crm       CRM
	roster    Roster
	rules     RuleSource
	audit     AuditLog
	history   History
	locker    Locker
	publisher EventPublisher

	engine      *rules.Engine
	planner     *reconciliation.Planner
	gate        *schedule.Gate
	clock       schedule.Clock
	cfg         config.AssignmentConfig
	concurrency int
	logger      logger.Logger
}

type ServiceOption func(*Service)

func WithClock(clock schedule.Clock) ServiceOption {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithConcurrency bounds the number of parallel CRM lookups within a rule.
func WithConcurrency(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewService(deps Deps, engine *rules.Engine, gate *schedule.Gate, cfg config.AssignmentConfig, log logger.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		crm:         deps.CRM,
		roster:      deps.Roster,
		rules:       deps.Rules,
		audit:       deps.Audit,
		history:     deps.History,
		locker:      deps.Locker,
		publisher:   deps.Publisher,
		engine:      engine,
		planner:     reconciliation.NewPlanner(),
		gate:        gate,
		clock:       schedule.SystemClock{},
		cfg:         cfg,
		concurrency: 5,
		logger:      log,
	}
	if s.locker == nil {
		s.locker = lock.NewLocker(nil, cfg.OnLockError, log)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RuleResult is the outcome of one rule within a run.
type RuleResult struct {
	RuleID     int64    `json:"rule_id"`
	RuleName   string   `json:"rule_name"`
	EntityType string   `json:"entity_type"`
	Status     string   `json:"status"`
	Reason     string   `json:"reason,omitempty"`
	Matched    int      `json:"matched"`
	Planned    int      `json:"planned"`
	Updated    int      `json:"updated"`
	Contacts   int      `json:"updated_contacts"`
	Companies  int      `json:"updated_companies"`
	Errors     []string `json:"errors,omitempty"`
}

// Result is the outcome of a run. Failures never abort sibling rules; they
// are collected in Errors.
type Result struct {
	RunID         string       `json:"run_id"`
	Date          string       `json:"date"`
	Source        string       `json:"source"`
	DutyUserIDs   []int64      `json:"duty_user_ids"`
	DutyUserNames []string     `json:"duty_user_names"`
	UpdatedCount  int          `json:"updated_entities"`
	Errors        []string     `json:"errors"`
	Rules         []RuleResult `json:"rules"`
}

// Today is the current date in the scheduling zone.
func (s *Service) Today() time.Time {
	return s.gate.Today(s.clock.Now())
}

// UpdateNow runs every enabled rule for today as a manual run.
func (s *Service) UpdateNow(ctx context.Context, progress *Reporter) (*Result, error) {
	return s.RunForDate(ctx, s.Today(), models.SourceManual, progress)
}

// RunForDate runs every enabled rule against the roster of date.
func (s *Service) RunForDate(ctx context.Context, date time.Time, source string, progress *Reporter) (*Result, error) {
	enabled, err := s.rules.EnabledRules(ctx, "")
	if err != nil {
		progress.Close()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return s.run(ctx, date, enabled, source, progress)
}

// RunScheduled implements schedule.Executor. A rule counts as completed
// once it was run, even when it reported errors; rules skipped by a busy
// writer lock, a roster failure or cancellation are not.
func (s *Service) RunScheduled(ctx context.Context, date time.Time, due []rules.Rule) ([]int64, error) {
	result, err := s.run(ctx, date, due, models.SourceScheduled, nil)
	if err != nil {
		return nil, err
	}

	completed := make([]int64, 0, len(due))
	if len(result.Errors) == 0 {
		for _, rule := range due {
			completed = append(completed, rule.ID)
		}
		return completed, nil
	}

	for _, rr := range result.Rules {
		completed = append(completed, rr.RuleID)
	}
	return completed, apperrors.ErrRemoteWrite.
		WithDetail("message", fmt.Sprintf("%d rule errors", len(result.Errors))).
		WithDetail("errors", result.Errors)
}

type runState struct {
	processed int
	current   int
	total     int
}

func (s *Service) run(ctx context.Context, date time.Time, ruleSet []rules.Rule, source string, progress *Reporter) (*Result, error) {
	defer progress.Close()

	ctx, span := tracing.GetTracer("assignment-service").Start(ctx, "assignment.run")
	defer span.End()

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	start := time.Now()

	result := &Result{
		RunID:         runID,
		Date:          date.Format(constants.DateLayout),
		Source:        source,
		DutyUserIDs:   []int64{},
		DutyUserNames: []string{},
		Errors:        []string{},
		Rules:         []RuleResult{},
	}

	lease, err := s.locker.TryLock(ctx, lock.WriterKey, s.cfg.LockTTL)
	if err != nil {
		metrics.AssignmentCyclesTotal.WithLabelValues(source, "busy").Inc()
		progress.Send(ProgressEvent{Type: EventError, Date: result.Date, Error: err.Error()})
		return nil, err
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			s.logger.WarnwCtx(ctx, "Failed to release writer lock", "error", err)
		}
	}()

	s.logger.InfowCtx(ctx, "Assignment run started",
		"date", result.Date,
		"source", source,
		"rules", len(ruleSet),
	)

	duty, err := s.roster.OnDuty(ctx, date)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to load duty roster: %v", err))
		progress.Send(ProgressEvent{Type: EventError, Date: result.Date, Error: err.Error(), Result: result})
		s.finish(ctx, result, start, "failed")
		return result, nil
	}

	for _, u := range duty {
		result.DutyUserIDs = append(result.DutyUserIDs, u.ID)
		result.DutyUserNames = append(result.DutyUserNames, u.Name)
	}

	if len(duty) == 0 {
		s.logger.InfowCtx(ctx, "Nobody on duty, nothing to assign", "date", result.Date)
		progress.Send(ProgressEvent{Type: EventComplete, Date: result.Date, Reason: reasonNoDutyUsers, Result: result})
		s.finish(ctx, result, start, "empty")
		return result, nil
	}

	progress.Send(ProgressEvent{
		Type:          EventStart,
		Date:          result.Date,
		TotalRules:    len(ruleSet),
		DutyUserIDs:   result.DutyUserIDs,
		DutyUserNames: result.DutyUserNames,
	})

	state := &runState{}
	for i, rule := range ruleSet {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("run cancelled, %d rules not started: %v", len(ruleSet)-i, err))
			break
		}

		rr := s.runRule(ctx, rule, duty, source, progress, state, len(ruleSet))
		state.processed++

		result.Rules = append(result.Rules, rr)
		result.UpdatedCount += rr.Updated + rr.Contacts + rr.Companies
		for _, e := range rr.Errors {
			result.Errors = append(result.Errors, fmt.Sprintf("rule %d (%s): %s", rr.RuleID, rr.RuleName, e))
		}

		progress.Send(ProgressEvent{
			Type:           EventProgress,
			RuleID:         rr.RuleID,
			RuleName:       rr.RuleName,
			EntityType:     rr.EntityType,
			Status:         rr.Status,
			Reason:         rr.Reason,
			ProcessedRules: state.processed,
			TotalRules:     len(ruleSet),
			CurrentCount:   state.current,
			TotalCount:     state.total,
		})
	}

	status := "success"
	if len(result.Errors) > 0 {
		status = "partial"
	}
	progress.Send(ProgressEvent{
		Type:           EventComplete,
		Date:           result.Date,
		ProcessedRules: state.processed,
		TotalRules:     len(ruleSet),
		CurrentCount:   state.current,
		TotalCount:     state.total,
		Result:         result,
	})
	s.finish(ctx, result, start, status)
	return result, nil
}

func (s *Service) finish(ctx context.Context, result *Result, start time.Time, status string) {
	metrics.AssignmentCyclesTotal.WithLabelValues(result.Source, status).Inc()
	metrics.ObserveCycleDuration(result.Source, time.Since(start))
	s.logger.InfowCtx(ctx, "Assignment run finished",
		"date", result.Date,
		"source", result.Source,
		"status", status,
		"updated", result.UpdatedCount,
		"errors", len(result.Errors),
		"duration", time.Since(start),
	)
}

func (s *Service) runRule(ctx context.Context, rule rules.Rule, duty []models.OnDutyUser, source string, progress *Reporter, state *runState, totalRules int) (rr RuleResult) {
	ctx = logging.WithRuleID(ctx, rule.ID)
	ctx, span := tracing.GetTracer("assignment-service").Start(ctx, "assignment.rule")
	defer span.End()

	start := time.Now()
	rr = RuleResult{
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		EntityType: rule.EntityType,
	}

	defer func() {
		if r := recover(); r != nil {
			err := apperrors.RecoverPanic(r)
			s.logger.ErrorwCtx(ctx, "Rule run panicked", "error", err)
			rr.Status = StatusFailed
			rr.Errors = append(rr.Errors, err.Error())
		}
		metrics.ObserveRuleDuration(rule.EntityType, rr.Status, time.Since(start))
	}()

	prepared, reason, err := s.prepare(ctx, rule, duty)
	if err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to prepare rule", "error", err)
		rr.Status = StatusFailed
		rr.Errors = append(rr.Errors, err.Error())
		return rr
	}
	if reason != "" {
		s.logger.DebugwCtx(ctx, "Rule skipped", "reason", reason)
		rr.Status = StatusSkipped
		rr.Reason = reason
		return rr
	}

	rr.Matched = len(prepared.matched)
	rr.Planned = prepared.deltas.Len()
	state.total += rr.Planned

	if rr.Planned == 0 {
		rr.Status = StatusDone
		return rr
	}

	progress.Send(ProgressEvent{
		Type:           EventProgress,
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		EntityType:     rule.EntityType,
		Status:         StatusUpdating,
		ProcessedRules: state.processed,
		TotalRules:     totalRules,
		CurrentCount:   state.current,
		TotalCount:     state.total,
	})

	written, failures, writeErr := s.apply(ctx, rule.EntityType, prepared.deltas, func(group string, n int) {
		state.current += n
		progress.Send(ProgressEvent{
			Type:           EventProgress,
			RuleID:         rule.ID,
			RuleName:       rule.Name,
			EntityType:     group,
			Status:         StatusUpdating,
			ProcessedRules: state.processed,
			TotalRules:     totalRules,
			CurrentCount:   state.current,
			TotalCount:     state.total,
		})
	})

	for _, d := range written {
		switch {
		case d.RelatedEntityType == "":
			rr.Updated++
		case d.EntityType == models.EntityContact:
			rr.Contacts++
		case d.EntityType == models.EntityCompany:
			rr.Companies++
		}
	}
	rr.Errors = append(rr.Errors, failures...)
	if writeErr != nil {
		rr.Errors = append(rr.Errors, writeErr.Error())
	}

	if err := s.record(ctx, written, source); err != nil {
		rr.Errors = append(rr.Errors, err.Error())
	}
	s.publish(ctx, models.AssignmentEvent{
		RunID:        logging.GetRunID(ctx),
		Source:       source,
		RuleID:       rule.ID,
		EntityType:   rule.EntityType,
		UpdatedCount: len(written),
		EntityIDs:    mainIDs(written),
		Status:       "updated",
		Timestamp:    s.clock.Now().UTC(),
	})

	rr.Status = StatusDone
	if len(rr.Errors) > 0 {
		rr.Status = StatusFailed
	}
	return rr
}

type preparedRule struct {
	rule    rules.Rule
	users   []models.OnDutyUser
	matched []rules.Record
	plan    distribution.Plan
	deltas  reconciliation.Result
}

// prepare fetches, filters, distributes and plans one rule without writing
// anything. A non-empty reason means the rule contributes nothing.
func (s *Service) prepare(ctx context.Context, rule rules.Rule, duty []models.OnDutyUser) (*preparedRule, string, error) {
	if len(rule.Users) == 0 {
		return nil, reasonNoRuleUsers, nil
	}
	users := EligibleUsers(rule, duty)
	if len(users) == 0 {
		return nil, reasonRuleUsersOffDuty, nil
	}
	if !rule.Usable() {
		s.logger.WarnwCtx(ctx, "Skipping rule with invalid condition", "error", rule.Err)
		return nil, reasonInvalidCondition, nil
	}

	records, err := s.crm.List(ctx, rule.EntityType, rules.RequiredFields(rule), s.candidateFilter(rule.EntityType))
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s records: %w", rule.EntityType, err)
	}

	matched := s.engine.Apply(ctx, records, []rules.Rule{rule})
	plan := distribution.Distribute(matched, users, rule.DistributionPercentage)

	cascade := rule.CascadeRelated && rule.EntityType == models.EntityDeal
	var related reconciliation.Related
	if cascade && !plan.Empty() {
		related, err = s.fetchRelated(ctx, plannedIDs(plan))
		if err != nil {
			return nil, "", err
		}
	}

	deltas := s.planner.Plan(reconciliation.Input{
		EntityType: rule.EntityType,
		RuleID:     rule.ID,
		Plan:       plan,
		Cascade:    cascade,
		Related:    related,
	})
	metrics.AddAssignmentDeltas(rule.EntityType, "planned", len(deltas.Main))

	s.logger.DebugwCtx(ctx, "Rule planned",
		"fetched", len(records),
		"matched", len(matched),
		"assigned", plan.Total(),
		"deltas", deltas.Len(),
	)

	return &preparedRule{rule: rule, users: users, matched: matched, plan: plan, deltas: deltas}, "", nil
}

func (s *Service) candidateFilter(entityType string) map[string]interface{} {
	if entityType != models.EntityDeal || s.cfg.DealStageSemantic == "" {
		return nil
	}
	return map[string]interface{}{"STAGE_SEMANTIC_ID": s.cfg.DealStageSemantic}
}

// fetchRelated loads the contacts and companies of deals and their current
// owners. Contacts and companies the CRM no longer returns are left out.
func (s *Service) fetchRelated(ctx context.Context, dealIDs []int64) (reconciliation.Related, error) {
	ctx, span := tracing.GetTracer("assignment-service").Start(ctx, "assignment.fetch_related")
	defer span.End()

	related := reconciliation.Related{
		ContactsByDeal: make(map[int64][]int64, len(dealIDs)),
		CompanyByDeal:  map[int64]int64{},
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, id := range dealIDs {
		g.Go(func() error {
			contacts, err := s.crm.GetRelatedContacts(gctx, id)
			if err != nil {
				return fmt.Errorf("failed to get contacts of deal %d: %w", id, err)
			}
			mu.Lock()
			related.ContactsByDeal[id] = contacts
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		companies, err := s.crm.GetRelatedCompanies(gctx, dealIDs)
		if err != nil {
			return fmt.Errorf("failed to get companies of deals: %w", err)
		}
		mu.Lock()
		related.CompanyByDeal = companies
		mu.Unlock()
		return nil
	})
	if err := g.Wait(); err != nil {
		return reconciliation.Related{}, err
	}

	contactIDs := uniqueIDs(related.ContactsByDeal)
	companyIDs := make([]int64, 0, len(related.CompanyByDeal))
	seen := make(map[int64]struct{}, len(related.CompanyByDeal))
	for _, dealID := range dealIDs {
		if id, ok := related.CompanyByDeal[dealID]; ok {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				companyIDs = append(companyIDs, id)
			}
		}
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(contactIDs) == 0 {
			return nil
		}
		records, err := s.crm.ListByIDs(gctx, models.EntityContact, contactIDs, []string{"ID", rules.FieldAssignedBy})
		if err != nil {
			return fmt.Errorf("failed to get contact owners: %w", err)
		}
		related.ContactOwners = owners(records)
		return nil
	})
	g.Go(func() error {
		if len(companyIDs) == 0 {
			return nil
		}
		records, err := s.crm.ListByIDs(gctx, models.EntityCompany, companyIDs, []string{"ID", rules.FieldAssignedBy})
		if err != nil {
			return fmt.Errorf("failed to get company owners: %w", err)
		}
		related.CompanyOwners = owners(records)
		return nil
	})
	if err := g.Wait(); err != nil {
		return reconciliation.Related{}, err
	}

	for dealID, contacts := range related.ContactsByDeal {
		kept := contacts[:0:0]
		for _, id := range contacts {
			if _, ok := related.ContactOwners[id]; ok {
				kept = append(kept, id)
			}
		}
		related.ContactsByDeal[dealID] = kept
	}
	for dealID, companyID := range related.CompanyByDeal {
		if _, ok := related.CompanyOwners[companyID]; !ok {
			delete(related.CompanyByDeal, dealID)
		}
	}

	return related, nil
}

// apply writes deltas group by group: main entities, then contacts, then
// companies. A group that was dispatched is written to completion even if
// ctx is cancelled meanwhile; groups not yet dispatched are skipped. It
// returns the deltas the CRM confirmed and per-entity failures.
func (s *Service) apply(ctx context.Context, entityType string, deltas reconciliation.Result, onGroup func(group string, n int)) ([]reconciliation.Delta, []string, error) {
	ctx, span := tracing.GetTracer("assignment-service").Start(ctx, "assignment.apply")
	defer span.End()

	writeCtx := context.WithoutCancel(ctx)
	groups := []struct {
		entityType string
		deltas     []reconciliation.Delta
	}{
		{entityType, deltas.Main},
		{models.EntityContact, deltas.Contacts},
		{models.EntityCompany, deltas.Companies},
	}

	var written []reconciliation.Delta
	var failures []string

	for i, group := range groups {
		if len(group.deltas) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			pending := 0
			for _, g := range groups[i:] {
				pending += len(g.deltas)
			}
			return written, failures, fmt.Errorf("cancelled before writing %d pending updates: %w", pending, err)
		}

		res, err := s.crm.BatchUpdate(writeCtx, group.entityType, toUpdates(group.deltas))
		ok := confirmed(group.deltas, res)
		written = append(written, ok...)
		metrics.AddAssignmentDeltas(group.entityType, "written", len(ok))

		for id, msg := range res.Failed {
			failures = append(failures, fmt.Sprintf("%s %d: %s", group.entityType, id, msg))
		}
		if len(res.Failed) > 0 {
			metrics.AddAssignmentDeltas(group.entityType, "failed", len(res.Failed))
			s.logger.WarnwCtx(ctx, "Some CRM updates failed",
				"entity_type", group.entityType,
				"failed", len(res.Failed),
			)
		}
		if onGroup != nil {
			onGroup(group.entityType, len(ok))
		}

		if err != nil {
			return written, failures, apperrors.ErrRemoteWrite.WithCause(err).WithDetail("entity_type", group.entityType)
		}
	}

	return written, failures, nil
}

// record commits the history for written deltas in one transaction.
func (s *Service) record(ctx context.Context, written []reconciliation.Delta, source string) error {
	if len(written) == 0 {
		return nil
	}
	entries := reconciliation.Entries(written, source, s.clock.Now().UTC())
	if _, err := s.audit.AppendBatch(context.WithoutCancel(ctx), entries); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to record history, CRM already updated",
			"count", len(entries),
			"error", err,
		)
		return fmt.Errorf("failed to record history for %d updates: %w", len(entries), err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event models.AssignmentEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishAssignment(context.WithoutCancel(ctx), event); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to publish assignment event",
			"rule_id", event.RuleID,
			"error", err,
		)
	}
}

// EligibleUsers keeps the duty users that belong to rule, in roster order.
func EligibleUsers(rule rules.Rule, duty []models.OnDutyUser) []models.OnDutyUser {
	members := make(map[int64]struct{}, len(rule.Users))
	for _, u := range rule.Users {
		members[u.UserID] = struct{}{}
	}
	out := make([]models.OnDutyUser, 0, len(duty))
	for _, u := range duty {
		if _, ok := members[u.ID]; ok {
			out = append(out, u)
		}
	}
	return out
}

func toUpdates(deltas []reconciliation.Delta) []crm.Update {
	updates := make([]crm.Update, 0, len(deltas))
	for _, d := range deltas {
		updates = append(updates, crm.Update{
			ID:     d.EntityID,
			Fields: map[string]interface{}{rules.FieldAssignedBy: d.NewOwnerID},
		})
	}
	return updates
}

func confirmed(deltas []reconciliation.Delta, res crm.BatchResult) []reconciliation.Delta {
	updated := make(map[int64]struct{}, len(res.Updated))
	for _, id := range res.Updated {
		updated[id] = struct{}{}
	}
	out := make([]reconciliation.Delta, 0, len(res.Updated))
	for _, d := range deltas {
		if _, ok := updated[d.EntityID]; ok {
			out = append(out, d)
		}
	}
	return out
}

func plannedIDs(plan distribution.Plan) []int64 {
	ids := make([]int64, 0, plan.Total())
	for _, a := range plan.Assignments {
		for _, r := range a.Records {
			if id, ok := r.GetInt("ID"); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func uniqueIDs(byDeal map[int64][]int64) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, list := range byDeal {
		for _, id := range list {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func owners(records map[int64]rules.Record) map[int64]*int64 {
	out := make(map[int64]*int64, len(records))
	for id, r := range records {
		out[id] = reconciliation.CurrentOwner(r)
	}
	return out
}

func mainIDs(deltas []reconciliation.Delta) []int64 {
	ids := make([]int64, 0, len(deltas))
	for _, d := range deltas {
		if d.RelatedEntityType == "" {
			ids = append(ids, d.EntityID)
		}
	}
	return ids
}
