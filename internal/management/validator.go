package management

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"dutyassign/internal/rules"
	pkgerrors "dutyassign/pkg/errors"
)

var ruleTypes = map[string]bool{
	rules.TypeAssignedBy: true,
	rules.TypeField:      true,
	rules.TypeCombined:   true,
	rules.TypeExpression: true,
}

// Validator checks request shapes with struct tags and rule conditions with
// the same parser the assignment engine loads them with.
type Validator struct {
	validate *validator.Validate
	parser   *rules.Parser
}

func NewValidator(parser *rules.Parser) *Validator {
	v := validator.New()
	_ = v.RegisterValidation("entity_type", func(fl validator.FieldLevel) bool {
		return rules.ValidEntityType(fl.Field().String())
	})
	_ = v.RegisterValidation("rule_type", func(fl validator.FieldLevel) bool {
		return ruleTypes[fl.Field().String()]
	})
	return &Validator{validate: v, parser: parser}
}

// Struct validates s and turns tag failures into a validation error listing
// each offending field.
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return pkgerrors.ErrValidation.WithCause(err).WithDetail("message", err.Error())
	}

	fields := make(map[string]string, len(fieldErrs))
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Namespace()] = fe.Tag()
		messages = append(messages, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return pkgerrors.ErrValidation.WithCause(err).
		WithDetail("message", strings.Join(messages, "; ")).
		WithDetail("fields", fields)
}

// Condition parses a condition config for entityType and ruleType and
// rejects it when the engine would not be able to evaluate it.
func (v *Validator) Condition(entityType, ruleType string, raw json.RawMessage) error {
	cond, err := v.parser.Parse(entityType, ruleType, raw)
	if err != nil {
		return pkgerrors.ErrValidation.WithCause(err).WithDetail("message", err.Error())
	}
	if reasons := rules.FailOpenReasons(cond); len(reasons) > 0 {
		return pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("invalid condition_config: %s", strings.Join(reasons, "; ")))
	}
	return nil
}

func (v *Validator) CreateRule(req CreateRuleRequest) error {
	if err := v.Struct(req); err != nil {
		return err
	}
	if err := validateUsers(req.Users); err != nil {
		return err
	}
	return v.Condition(req.EntityType, req.RuleType, req.ConditionConfig)
}

// UpdateRule validates req against the rule it will be applied to.
func (v *Validator) UpdateRule(current rules.Spec, req UpdateRuleRequest) error {
	if err := v.Struct(req); err != nil {
		return err
	}
	if req.UpdateDays != nil {
		for _, d := range *req.UpdateDays {
			if d < 1 || d > 7 {
				return pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("update_days must be 1..7, got %d", d))
			}
		}
	}
	if req.Users != nil {
		if err := validateUsers(*req.Users); err != nil {
			return err
		}
	}

	if req.ConditionConfig == nil && req.EntityType == nil && req.RuleType == nil {
		return nil
	}

	entityType, ruleType, raw := current.EntityType, current.RuleType, current.ConditionConfig
	if req.EntityType != nil {
		entityType = *req.EntityType
	}
	if req.RuleType != nil {
		ruleType = *req.RuleType
	}
	if req.ConditionConfig != nil {
		raw = req.ConditionConfig
	}
	return v.Condition(entityType, ruleType, raw)
}

func validateUsers(users []rules.RuleUser) error {
	seen := make(map[int64]bool, len(users))
	for _, u := range users {
		if u.UserID <= 0 {
			return pkgerrors.ErrValidation.WithDetail("message", "user_id must be positive")
		}
		if u.DistributionPercentage < 0 || u.DistributionPercentage > 100 {
			return pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("distribution_percentage for user %d must be 0..100", u.UserID))
		}
		if seen[u.UserID] {
			return pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("user %d listed twice", u.UserID))
		}
		seen[u.UserID] = true
	}
	return nil
}
