package actionconfig

import (
	"context"

	"pubflow/internal/actions"
	"pubflow/internal/expr"
)

// Layers are the three config sources of an action instance, lowest priority first.
type Layers struct {
	Defaults  map[string]interface{}
	Config    map[string]interface{}
	Overrides map[string]interface{}
}

// Merged returns the layers merged by priority, without validation.
func (l Layers) Merged() map[string]interface{} {
	return Builder{}.WithDefaults(l.Defaults).WithConfig(l.Config).WithOverrides(l.Overrides).Merged()
}

// Resolve runs the full pipeline used at execution time:
// merge, widened validation, interpolation and strict re-validation.
func Resolve(ctx context.Context, registry *actions.Registry, ev expr.Evaluator, action string, layers Layers, data interface{}) Result {
	return New(registry, action).
		WithDefaults(layers.Defaults).
		WithConfig(layers.Config).
		WithOverrides(layers.Overrides).
		Validate().
		Interpolate(ctx, ev, data).
		Validate().
		Result()
}
