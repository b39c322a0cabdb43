// Package actionconfig resolves the effective config of an action instance:
// layered merge, schema validation that tolerates {{ }} templates, and
// interpolation against the run context.
package actionconfig

import (
	"context"
	"encoding/json"
	"fmt"

	"pubflow/internal/actions"
	"pubflow/internal/expr"
)

// State is the position of a Builder in its resolution lifecycle.
type State string

const (
	StateInitial      State = "initial"
	StateValidated    State = "validated"
	StateInterpolated State = "interpolated"
)

// Result is the outcome of a resolution: either a config or an error.
type Result struct {
	Success bool                   `json:"success"`
	Config  map[string]interface{} `json:"config,omitempty"`
	Error   *Error                 `json:"error,omitempty"`
}

// Builder is an immutable value. Every method returns a new Builder and leaves
// the receiver untouched, so partially resolved builders can be shared freely.
// The first error is sticky: once set, every later step returns the builder as is.
type Builder struct {
	action    actions.Adapter
	name      string
	defaults  map[string]interface{}
	config    map[string]interface{}
	overrides map[string]interface{}
	resolved  map[string]interface{}
	state     State
	err       *Error
}

// New starts resolution for the named action.
func New(registry *actions.Registry, actionName string) Builder {
	b := Builder{name: actionName, state: StateInitial}
	adapter, ok := registry.Get(actionName)
	if !ok {
		b.err = newError(CodeActionNotFound, fmt.Sprintf("action %q not found", actionName), nil, nil)
		return b
	}
	b.action = adapter
	return b
}

// WithDefaults sets the lowest-priority layer, typically community defaults.
func (b Builder) WithDefaults(defaults map[string]interface{}) Builder {
	b.defaults = copyMap(defaults)
	b.resolved = nil
	b.state = StateInitial
	return b
}

// WithConfig sets the stored instance config.
func (b Builder) WithConfig(config map[string]interface{}) Builder {
	b.config = copyMap(config)
	b.resolved = nil
	b.state = StateInitial
	return b
}

// WithOverrides sets the highest-priority layer, e.g. manual run parameters.
func (b Builder) WithOverrides(overrides map[string]interface{}) Builder {
	b.overrides = copyMap(overrides)
	b.resolved = nil
	b.state = StateInitial
	return b
}

// Merged returns defaults, config and overrides merged with later layers winning.
func (b Builder) Merged() map[string]interface{} {
	out := make(map[string]interface{}, len(b.defaults)+len(b.config)+len(b.overrides))
	for _, layer := range []map[string]interface{}{b.defaults, b.config, b.overrides} {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func (b Builder) State() State { return b.state }

func (b Builder) Err() *Error { return b.err }

func (b Builder) ActionName() string { return b.name }

// Validate parses the current config against the action schema. From the
// initial state the schema is widened to accept template strings; after
// interpolation the plain schema applies. A validated builder is returned unchanged.
func (b Builder) Validate() Builder {
	if b.err != nil || b.state == StateValidated {
		return b
	}
	schema := b.action.ConfigSchema()
	switch b.state {
	case StateInterpolated:
		parsed, issues := schema.Parse(b.resolved, actions.ParseOptions{})
		if len(issues) > 0 {
			b.err = newError(CodeInvalidInterpolatedConfig, "interpolated config is invalid", issues, nil)
			return b
		}
		b.resolved = parsed
	default:
		parsed, issues := schema.Parse(b.Merged(), actions.ParseOptions{AllowTemplates: true})
		if len(issues) > 0 {
			b.err = newError(CodeInvalidRawConfig, "config is invalid", issues, nil)
			return b
		}
		b.resolved = parsed
	}
	b.state = StateValidated
	return b
}

// ValidateWithDefaults checks config and overrides on their own, treating every
// field the defaults provide as optional. It answers whether the instance config
// is complete once community defaults are applied.
func (b Builder) ValidateWithDefaults() Builder {
	if b.err != nil {
		return b
	}
	optional := make(map[string]bool, len(b.defaults))
	for k := range b.defaults {
		optional[k] = true
	}
	own := make(map[string]interface{}, len(b.config)+len(b.overrides))
	for _, layer := range []map[string]interface{}{b.config, b.overrides} {
		for k, v := range layer {
			own[k] = v
		}
	}
	schema := b.action.ConfigSchema()
	if _, issues := schema.Parse(own, actions.ParseOptions{AllowTemplates: true, Optional: optional}); len(issues) > 0 {
		b.err = newError(CodeInvalidConfigWithDefaults, "config is invalid even with defaults applied", issues, nil)
		return b
	}
	parsed, issues := schema.Parse(b.Merged(), actions.ParseOptions{AllowTemplates: true})
	if len(issues) > 0 {
		b.err = newError(CodeInvalidConfigWithDefaults, "defaults are invalid", issues, nil)
		return b
	}
	b.resolved = parsed
	b.state = StateValidated
	return b
}

// Interpolate resolves {{ }} templates in the config against data. String
// fields are interpolated individually; object and array fields are
// interpolated as JSON text and parsed back. An unvalidated builder is
// validated first.
func (b Builder) Interpolate(ctx context.Context, ev expr.Evaluator, data interface{}) Builder {
	if b.err != nil || b.state == StateInterpolated {
		return b
	}
	if b.state == StateInitial {
		b = b.Validate()
		if b.err != nil {
			return b
		}
	}

	out := make(map[string]interface{}, len(b.resolved))
	for key, value := range b.resolved {
		resolved, err := interpolateValue(ctx, ev, value, data)
		if err != nil {
			b.err = newError(CodeInterpolationFailed, fmt.Sprintf("failed to interpolate %q", key), nil, err)
			return b
		}
		out[key] = resolved
	}
	b.resolved = out
	b.state = StateInterpolated
	return b
}

// Result reports the current outcome. Before any validation it wraps the raw
// merged config.
func (b Builder) Result() Result {
	if b.err != nil {
		return Result{Error: b.err}
	}
	if b.resolved == nil {
		return Result{Success: true, Config: b.Merged()}
	}
	return Result{Success: true, Config: copyMap(b.resolved)}
}

func interpolateValue(ctx context.Context, ev expr.Evaluator, value interface{}, data interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return expr.InterpolateString(ctx, ev, v, data)
	case map[string]interface{}, []interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if !expr.HasTemplate(string(raw)) {
			return v, nil
		}
		doc, err := expr.InterpolateJSON(ctx, ev, string(raw), data)
		if err != nil {
			return nil, err
		}
		var parsed interface{}
		if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
			return nil, fmt.Errorf("interpolated value is not valid JSON: %w", err)
		}
		return parsed, nil
	default:
		return v, nil
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
