package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"dutyassign/pkg/cel"
)

// Parser turns stored condition configs into Condition trees.
type Parser struct {
	evaluator *cel.Evaluator
}

func NewParser() (*Parser, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	return &Parser{evaluator: evaluator}, nil
}

// Compile parses the condition of a stored rule. Parse failures are carried
// on the returned Rule rather than returned, so one bad rule never blocks a
// load.
func (p *Parser) Compile(spec Spec) Rule {
	cond, err := p.Parse(spec.EntityType, spec.RuleType, spec.ConditionConfig)
	return Rule{Spec: spec, Condition: cond, Err: err}
}

// Parse decodes raw for the given rule type. An unknown rule type yields a
// PassThrough, not an error; malformed JSON is an error.
func (p *Parser) Parse(entityType, ruleType string, raw json.RawMessage) (Condition, error) {
	cfg, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid condition_config: %w", err)
	}
	return p.parseNode(entityType, ruleType, cfg)
}

func decodeObject(raw json.RawMessage) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]interface{}{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var cfg map[string]interface{}
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	return cfg, nil
}

func (p *Parser) parseNode(entityType, nodeType string, cfg map[string]interface{}) (Condition, error) {
	switch nodeType {
	case TypeAssignedBy:
		return parseAssignedBy(cfg), nil
	case TypeField:
		return parseField(cfg), nil
	case TypeCombined:
		return p.parseCombined(entityType, cfg)
	case TypeExpression:
		return p.parseExpression(entityType, cfg)
	default:
		return &PassThrough{Reason: fmt.Sprintf("unknown rule type %q", nodeType)}, nil
	}
}

func parseAssignedBy(cfg map[string]interface{}) Condition {
	operator := stringValue(cfg, "operator", OpIn)
	ids := NormalizeAll(listValue(cfg["user_ids"]))

	switch operator {
	case OpEquals, OpIn:
		return &SetMembership{Field: FieldAssignedBy, IDs: ids}
	case OpNotEquals, OpNotIn:
		return &SetMembership{Field: FieldAssignedBy, Negate: true, IDs: ids}
	default:
		return &PassThrough{Reason: fmt.Sprintf("unknown operator %q for %s", operator, TypeAssignedBy)}
	}
}

func parseField(cfg map[string]interface{}) Condition {
	field := stringValue(cfg, "field_id", "")
	if field == "" {
		return &PassThrough{Reason: "field_condition without field_id"}
	}

	categories := listValue(cfg["category_ids"])
	if len(categories) == 0 && cfg["category_id"] != nil {
		categories = []interface{}{cfg["category_id"]}
	}
	stages := listValue(cfg["stage_ids"])

	if len(categories) > 0 || len(stages) > 0 {
		return &CategoryStage{
			CategoryIDs: NormalizeAll(categories),
			StageIDs:    NormalizeAll(stages),
		}
	}

	operator := stringValue(cfg, "operator", OpEquals)

	var values []string
	if list, ok := cfg["value"].([]interface{}); ok {
		for _, v := range list {
			values = append(values, Normalize(v))
		}
	} else {
		values = []string{Normalize(cfg["value"])}
	}

	return NewLeaf(field, operator, values...)
}

func (p *Parser) parseCombined(entityType string, cfg map[string]interface{}) (Condition, error) {
	logic := stringValue(cfg, "logic", LogicAnd)
	if logic != LogicAnd && logic != LogicOr {
		return &PassThrough{Reason: fmt.Sprintf("unknown combined logic %q", logic)}, nil
	}

	combined := &Combined{Logic: logic}

	raw, ok := cfg["conditions"]
	if !ok || raw == nil {
		return combined, nil
	}

	children, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("conditions must be a list, got %T", raw)
	}

	for i, item := range children {
		childCfg, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("conditions[%d] must be an object, got %T", i, item)
		}

		childType := stringValue(childCfg, "type", "")
		switch childType {
		case TypeAssignedBy, TypeField, TypeCombined, TypeExpression:
		default:
			// Untyped or unknown children are ignored.
			continue
		}

		child, err := p.parseNode(entityType, childType, childCfg)
		if err != nil {
			return nil, fmt.Errorf("conditions[%d]: %w", i, err)
		}
		combined.Children = append(combined.Children, child)
	}

	return combined, nil
}

func (p *Parser) parseExpression(entityType string, cfg map[string]interface{}) (Condition, error) {
	expression := stringValue(cfg, "expression", "")
	if expression == "" {
		return nil, fmt.Errorf("expression is required")
	}

	predicate, err := p.evaluator.CompilePredicate(expression)
	if err != nil {
		return nil, err
	}

	var inputs []string
	for _, f := range listValue(cfg["fields"]) {
		if s := Normalize(f); s != "" {
			inputs = append(inputs, s)
		}
	}

	return &Expression{EntityType: entityType, Predicate: predicate, Inputs: inputs}, nil
}

func stringValue(cfg map[string]interface{}, key, def string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(Normalize(v))
	if s == "" {
		return def
	}
	return s
}

// listValue accepts either a JSON list or a scalar, returning nil for absent
// values.
func listValue(v interface{}) []interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return val
	default:
		return []interface{}{val}
	}
}
