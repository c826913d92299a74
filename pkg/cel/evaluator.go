package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

type Evaluator struct {
	env *cel.Env
}

// Predicate is a compiled boolean expression over a CRM record.
type Predicate struct {
	expression string
	program    cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity_type", cel.StringType),
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

// CompilePredicate compiles a boolean expression once so it can be evaluated
// against many records.
func (e *Evaluator) CompilePredicate(expression string) (*Predicate, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Predicate{expression: expression, program: program}, nil
}

func (p *Predicate) Expression() string {
	return p.expression
}

func (p *Predicate) Eval(ctx context.Context, entityType string, record map[string]interface{}) (bool, error) {
	if record == nil {
		record = map[string]interface{}{}
	}

	vars := map[string]interface{}{
		"entity_type": entityType,
		"record":      record,
	}

	result, _, err := p.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}
