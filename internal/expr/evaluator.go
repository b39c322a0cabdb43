// Package expr wraps the JSONata expression language used by automation
// conditions and by {{ }} templates inside action configs.
package expr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonata "github.com/blues/jsonata-go"
)

// Evaluator evaluates a single expression against a data document.
// Implementations must be safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, data interface{}) (interface{}, error)
}

// EvaluatorFunc adapts a plain function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, expression string, data interface{}) (interface{}, error)

// Evaluate calls f(ctx, expression, data).
func (f EvaluatorFunc) Evaluate(ctx context.Context, expression string, data interface{}) (interface{}, error) {
	return f(ctx, expression, data)
}

// JSONataEvaluator evaluates expressions with github.com/blues/jsonata-go.
// Expressions are compiled per call; compiled programs are not shared between goroutines.
type JSONataEvaluator struct{}

// NewJSONataEvaluator returns the default evaluator.
func NewJSONataEvaluator() *JSONataEvaluator {
	return &JSONataEvaluator{}
}

// Evaluate compiles and evaluates expression. An expression that yields no
// result evaluates to nil rather than an error.
func (e *JSONataEvaluator) Evaluate(ctx context.Context, expression string, data interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, errors.New("empty expression")
	}
	compiled, err := jsonata.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	input, err := Normalize(data)
	if err != nil {
		return nil, fmt.Errorf("normalize input: %w", err)
	}
	out, err := compiled.Eval(input)
	if err != nil {
		if errors.Is(err, jsonata.ErrUndefined) {
			return nil, nil
		}
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return out, nil
}

// Normalize converts arbitrary Go values (structs, typed maps) into the plain
// map[string]interface{} / []interface{} shape the evaluator walks.
func Normalize(data interface{}) (interface{}, error) {
	switch data.(type) {
	case nil, map[string]interface{}, []interface{}, string, float64, bool:
		return data, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
