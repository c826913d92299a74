package management

import (
	"context"
	"encoding/json"
	"errors"

	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	"dutyassign/internal/rules"
	pkgerrors "dutyassign/pkg/errors"
	"dutyassign/pkg/metrics"
	"dutyassign/pkg/models"
)

const defaultRuleUserPercentage = 100

type service struct {
	repo                Repository
	validator           *Validator
	changes             ChangeStore
	configEventProducer *ConfigEventProducer
	logger              logger.Logger
}

type ServiceOption func(*service)

func WithChangeLog(changes ChangeStore) ServiceOption {
	return func(s *service) {
		s.changes = changes
	}
}

func WithConfigEvents(configEventProducer *ConfigEventProducer) ServiceOption {
	return func(s *service) {
		s.configEventProducer = configEventProducer
	}
}

func NewService(repo Repository, validator *Validator, log logger.Logger, opts ...ServiceOption) Service {
	s := &service{
		repo:      repo,
		validator: validator,
		logger:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) CreateRule(ctx context.Context, req CreateRuleRequest) (*rules.Spec, error) {
	if err := s.validator.CreateRule(req); err != nil {
		return nil, err
	}

	spec := &rules.Spec{
		EntityType:             req.EntityType,
		Name:                   req.Name,
		RuleType:               req.RuleType,
		ConditionConfig:        req.ConditionConfig,
		Priority:               req.Priority,
		Enabled:                getEnabledValue(req.Enabled),
		UpdateTime:             req.UpdateTime,
		UpdateDays:             req.UpdateDays,
		DistributionPercentage: defaultRuleUserPercentage,
		CascadeRelated:         req.CascadeRelated,
		Users:                  req.Users,
	}
	if req.DistributionPercentage != nil {
		spec.DistributionPercentage = *req.DistributionPercentage
	}

	if err := s.repo.CreateRule(ctx, spec); err != nil {
		return nil, wrapInternal(err)
	}

	s.recordChange(ctx, spec.ID, models.ActionCreate, nil, spec)
	s.publishConfigEvent(ctx, models.ActionCreate, spec.ID)
	return spec, nil
}

func (s *service) ListRules(ctx context.Context, entityType string) ([]rules.Spec, error) {
	if entityType != "" && !rules.ValidEntityType(entityType) {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "unknown entity_type "+entityType)
	}
	specs, err := s.repo.ListRules(ctx, entityType)
	if err != nil {
		return nil, wrapInternal(err)
	}
	return specs, nil
}

func (s *service) GetRule(ctx context.Context, id int64) (*rules.Spec, error) {
	spec, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return nil, wrapInternal(err)
	}
	if spec == nil {
		return nil, pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	return spec, nil
}

func (s *service) UpdateRule(ctx context.Context, id int64, req UpdateRuleRequest) (*rules.Spec, error) {
	spec, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validator.UpdateRule(*spec, req); err != nil {
		return nil, err
	}

	old := *spec
	applyRuleUpdate(spec, req)

	if err := s.repo.UpdateRule(ctx, spec, req.Users != nil); err != nil {
		return nil, wrapInternal(err)
	}

	action := models.ActionUpdate
	if req.Enabled != nil && *req.Enabled != old.Enabled && onlyEnabledChanged(req) {
		action = models.ActionToggle
	}
	s.recordChange(ctx, id, action, &old, spec)
	s.publishConfigEvent(ctx, action, id)
	return spec, nil
}

func (s *service) DeleteRule(ctx context.Context, id int64) error {
	spec, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return wrapInternal(err)
	}

	s.recordChange(ctx, id, models.ActionDelete, spec, nil)
	s.publishConfigEvent(ctx, models.ActionDelete, id)
	return nil
}

func (s *service) AddRuleUser(ctx context.Context, ruleID int64, req RuleUserRequest) (*rules.Spec, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	old, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	user := rules.RuleUser{UserID: req.UserID, DistributionPercentage: defaultRuleUserPercentage}
	if req.DistributionPercentage != nil {
		user.DistributionPercentage = *req.DistributionPercentage
	}
	if err := s.repo.AddRuleUser(ctx, ruleID, user); err != nil {
		return nil, wrapInternal(err)
	}

	spec, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	s.recordChange(ctx, ruleID, models.ActionUpdate, old, spec)
	s.publishConfigEvent(ctx, models.ActionUpdate, ruleID)
	return spec, nil
}

func (s *service) RemoveRuleUser(ctx context.Context, ruleID, userID int64) error {
	old, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if err := s.repo.RemoveRuleUser(ctx, ruleID, userID); err != nil {
		return wrapInternal(err)
	}

	updated := *old
	updated.Users = make([]rules.RuleUser, 0, len(old.Users))
	for _, u := range old.Users {
		if u.UserID != userID {
			updated.Users = append(updated.Users, u)
		}
	}
	s.recordChange(ctx, ruleID, models.ActionUpdate, old, &updated)
	s.publishConfigEvent(ctx, models.ActionUpdate, ruleID)
	return nil
}

func (s *service) GetRuleChanges(ctx context.Context, ruleID *int64, limit int) ([]RuleChange, error) {
	if s.changes == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "rule change log not enabled")
	}
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}
	changes, err := s.changes.ListChanges(ctx, ruleID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return changes, nil
}

func (s *service) recordChange(ctx context.Context, ruleID int64, action string, oldSpec, newSpec *rules.Spec) {
	metrics.RuleChangesTotal.WithLabelValues(action).Inc()
	if s.changes == nil {
		return
	}

	change := RuleChange{
		RuleID:    &ruleID,
		Action:    action,
		OldValue:  specToMap(oldSpec),
		NewValue:  specToMap(newSpec),
		ChangedBy: changedBy(ctx),
		IPAddress: clientIP(ctx),
	}
	if err := s.changes.RecordChange(ctx, change); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to record rule change",
			"rule_id", ruleID,
			"action", action,
			"error", err,
		)
	}
}

func (s *service) publishConfigEvent(ctx context.Context, action string, ruleID int64) {
	if s.configEventProducer == nil {
		return
	}
	if err := s.configEventProducer.PublishRuleEvent(ctx, action, ruleID, changedBy(ctx)); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to publish rule update event",
			"rule_id", ruleID,
			"action", action,
			"error", err,
		)
	}
}

func applyRuleUpdate(spec *rules.Spec, req UpdateRuleRequest) {
	if req.EntityType != nil {
		spec.EntityType = *req.EntityType
	}
	if req.Name != nil {
		spec.Name = *req.Name
	}
	if req.RuleType != nil {
		spec.RuleType = *req.RuleType
	}
	if req.ConditionConfig != nil {
		spec.ConditionConfig = req.ConditionConfig
	}
	if req.Priority != nil {
		spec.Priority = *req.Priority
	}
	if req.Enabled != nil {
		spec.Enabled = *req.Enabled
	}
	if req.UpdateTime != nil {
		spec.UpdateTime = *req.UpdateTime
	}
	if req.UpdateDays != nil {
		spec.UpdateDays = *req.UpdateDays
	}
	if req.DistributionPercentage != nil {
		spec.DistributionPercentage = *req.DistributionPercentage
	}
	if req.CascadeRelated != nil {
		spec.CascadeRelated = *req.CascadeRelated
	}
	if req.Users != nil {
		spec.Users = *req.Users
	}
}

func onlyEnabledChanged(req UpdateRuleRequest) bool {
	return req.EntityType == nil && req.Name == nil && req.RuleType == nil &&
		req.ConditionConfig == nil && req.Priority == nil && req.UpdateTime == nil &&
		req.UpdateDays == nil && req.DistributionPercentage == nil &&
		req.CascadeRelated == nil && req.Users == nil
}

func specToMap(spec *rules.Spec) map[string]interface{} {
	if spec == nil {
		return nil
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// wrapInternal leaves already classified errors alone.
func wrapInternal(err error) error {
	var appErr *pkgerrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
}

func getEnabledValue(reqEnabled *bool) bool {
	if reqEnabled == nil {
		return true
	}
	return *reqEnabled
}
