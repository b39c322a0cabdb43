// Package actions holds the action adapter contract, the static registry and
// the built-in adapters (log, http, email, move).
package actions

import (
	"context"
	"fmt"
	"sort"
)

// RunContext is everything an adapter may need besides its resolved config.
type RunContext struct {
	AutomationID    string
	AutomationRunID string
	ActionRunID     string
	ActionInstance  string
	CommunityID     string
	StageID         string
	PubID           string
	// Stack is the ancestry of automation runs including the current one; adapters
	// that cause further automation events must pass it along.
	Stack []string
	// Data is the interpolation context ({pub, json, stage, community, ...}).
	Data map[string]interface{}
}

// Result is the structured outcome of one adapter run.
type Result struct {
	Success bool        `json:"success"`
	Report  string      `json:"report,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Title   string      `json:"title,omitempty"`
	Error   string      `json:"error,omitempty"`
	Cause   interface{} `json:"cause,omitempty"`
}

// Succeeded builds a success result.
func Succeeded(report string, data interface{}) *Result {
	return &Result{Success: true, Report: report, Data: data}
}

// Failed builds a failure result.
func Failed(title string, err error) *Result {
	r := &Result{Title: title}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Adapter is one action type. Run returns an error only for unexpected
// failures; expected failures come back as a Result with Success=false.
type Adapter interface {
	Name() string
	Description() string
	ConfigSchema() Schema
	Run(ctx context.Context, config map[string]interface{}, rc RunContext) (*Result, error)
}

// Registry maps action names to adapters. It is built once and read-only.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry registers adapters by name; later duplicates replace earlier ones.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get looks up an adapter.
func (r *Registry) Get(name string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.adapters[name]
	return a, ok
}

// MustGet panics when name is not registered.
func (r *Registry) MustGet(name string) Adapter {
	a, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("actions: %q not registered", name))
	}
	return a
}

// Names returns registered action names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
