// Package action holds the pluggable remediation actions a playbook
// invokes: sandboxed WASM modules, webhooks, and dry runs.
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownAction   = errors.New("unknown action")
	ErrDuplicateAction = errors.New("action already registered")
)

// Request is what an action receives. Params are already validated.
type Request struct {
	RunID      string         `json:"run_id"`
	Service    string         `json:"service"`
	PlaybookID string         `json:"playbook_id"`
	Rollback   bool           `json:"rollback,omitempty"`
	Params     map[string]any `json:"params"`
}

// Result is an action's report, recorded in the audit detail.
type Result struct {
	Detail string
}

// Action performs one remediation. Implementations must honour ctx
// cancellation; the runner's watchdog relies on it.
type Action interface {
	Name() string
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Action.
type Func struct {
	ActionName string
	Fn         func(ctx context.Context, req Request) (Result, error)
}

func (f Func) Name() string { return f.ActionName }

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f.Fn(ctx, req)
}

// Registry maps action names to implementations. In shadow mode every
// lookup resolves to a dry run.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	shadow  *DryRunAction
}

type RegistryOption func(*Registry)

// WithShadow replaces every action with a dry run while keeping lookups
// strict, so unknown names still fail.
func WithShadow() RegistryOption {
	return func(r *Registry) { r.shadow = NewDryRunAction("shadow") }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{actions: make(map[string]Action)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a under its name.
func (r *Registry) Register(a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[a.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, a.Name())
	}
	r.actions[a.Name()] = a
	return nil
}

// Resolve returns the action registered as name.
func (r *Registry) Resolve(name string) (Action, error) {
	r.mu.RLock()
	a, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	if r.shadow != nil {
		return r.shadow.As(name), nil
	}
	return a, nil
}

// Shadow reports whether actions are dry runs, and returns the recorder.
func (r *Registry) Shadow() (*DryRunAction, bool) {
	return r.shadow, r.shadow != nil
}

// Names lists registered actions, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
