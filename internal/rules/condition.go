package rules

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"dutyassign/pkg/cel"
)

const (
	OpEquals      = "equals"
	OpIn          = "in"
	OpNotEquals   = "not_equals"
	OpNotIn       = "not_in"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
)

const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

const (
	FieldAssignedBy = "ASSIGNED_BY_ID"
	FieldCategory   = "CATEGORY_ID"
	FieldStage      = "STAGE_ID"
)

// Condition is a parsed condition tree node. Matches is total: malformed or
// missing data never panics.
type Condition interface {
	Matches(r Record) bool
	// Fields lists the record fields the node reads.
	Fields() []string
}

// Leaf compares one record field against a configured value.
type Leaf struct {
	Field    string
	Operator string
	Values   []string

	threshold   float64
	thresholdOK bool
}

func NewLeaf(field, operator string, values ...string) *Leaf {
	l := &Leaf{Field: field, Operator: operator, Values: values}
	if len(values) > 0 {
		if f, err := strconv.ParseFloat(strings.TrimSpace(values[0]), 64); err == nil {
			l.threshold, l.thresholdOK = f, true
		}
	}
	return l
}

func (l *Leaf) Matches(r Record) bool {
	value := r.GetString(l.Field)

	switch l.Operator {
	case OpEquals, OpIn:
		return l.contains(value)
	case OpNotEquals, OpNotIn:
		return !l.contains(value)
	case OpContains:
		if len(l.Values) == 0 {
			return false
		}
		return strings.Contains(value, l.Values[0])
	case OpGreaterThan, OpLessThan:
		if !l.thresholdOK {
			return false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return false
		}
		if l.Operator == OpGreaterThan {
			return f > l.threshold
		}
		return f < l.threshold
	default:
		return true
	}
}

func (l *Leaf) contains(value string) bool {
	for _, v := range l.Values {
		if v == value {
			return true
		}
	}
	return false
}

func (l *Leaf) Fields() []string {
	return []string{l.Field}
}

// KnownOperator reports whether the leaf's operator is recognized. Unknown
// operators match every record.
func (l *Leaf) KnownOperator() bool {
	switch l.Operator {
	case OpEquals, OpIn, OpNotEquals, OpNotIn, OpContains, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// SetMembership tests the record's current owner against a set of user ids.
type SetMembership struct {
	Field  string
	Negate bool
	IDs    map[string]struct{}
}

func (s *SetMembership) Matches(r Record) bool {
	_, ok := s.IDs[r.GetString(s.Field)]
	if s.Negate {
		return !ok
	}
	return ok
}

func (s *SetMembership) Fields() []string {
	return []string{s.Field}
}

// CategoryStage matches deals by pipeline and stage. An empty set on either
// axis matches every value on that axis.
type CategoryStage struct {
	CategoryIDs map[string]struct{}
	StageIDs    map[string]struct{}
}

func (c *CategoryStage) Matches(r Record) bool {
	if len(c.CategoryIDs) > 0 {
		if _, ok := c.CategoryIDs[r.GetString(FieldCategory)]; !ok {
			return false
		}
	}
	if len(c.StageIDs) > 0 {
		stage := r.GetString(FieldStage)
		if stage == "" {
			return false
		}
		if _, ok := c.StageIDs[stage]; !ok {
			return false
		}
	}
	return true
}

func (c *CategoryStage) Fields() []string {
	return []string{FieldCategory, FieldStage}
}

// Combined joins child conditions. AND over no children is true, OR over no
// children is false.
type Combined struct {
	Logic    string
	Children []Condition
}

func (c *Combined) Matches(r Record) bool {
	if c.Logic == LogicOr {
		for _, child := range c.Children {
			if child.Matches(r) {
				return true
			}
		}
		return false
	}

	for _, child := range c.Children {
		if !child.Matches(r) {
			return false
		}
	}
	return true
}

func (c *Combined) Fields() []string {
	var fields []string
	for _, child := range c.Children {
		fields = append(fields, child.Fields()...)
	}
	return dedupe(fields)
}

// PassThrough matches everything. It stands in for configuration that could
// not be interpreted (unknown rule type, unknown operator, missing field).
type PassThrough struct {
	Reason string
}

func (p *PassThrough) Matches(Record) bool {
	return true
}

func (p *PassThrough) Fields() []string {
	return nil
}

// Expression evaluates a compiled CEL predicate against the record. Evaluation
// errors count as no match.
type Expression struct {
	EntityType string
	Predicate  *cel.Predicate
	Inputs     []string
}

func (e *Expression) Matches(r Record) bool {
	ok, err := e.Predicate.Eval(context.Background(), e.EntityType, r.Fields())
	if err != nil {
		return false
	}
	return ok
}

func (e *Expression) Fields() []string {
	return e.Inputs
}

// FailOpenReasons walks the tree and returns why parts of it match
// unconditionally. An empty result means the tree is fully interpreted.
func FailOpenReasons(c Condition) []string {
	var reasons []string
	var walk func(Condition)
	walk = func(node Condition) {
		switch n := node.(type) {
		case *PassThrough:
			reasons = append(reasons, n.Reason)
		case *Leaf:
			if !n.KnownOperator() {
				reasons = append(reasons, "unknown operator "+strconv.Quote(n.Operator))
			}
		case *Combined:
			for _, child := range n.Children {
				walk(child)
			}
		}
	}
	if c != nil {
		walk(c)
	}
	return reasons
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
