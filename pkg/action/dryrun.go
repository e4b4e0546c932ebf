package action

import (
	"context"
	"fmt"
	"sync"
)

// DryRunAction records requests without touching anything.
type DryRunAction struct {
	name string

	mu    *sync.Mutex
	calls *[]Request
}

func NewDryRunAction(name string) *DryRunAction {
	return &DryRunAction{name: name, mu: &sync.Mutex{}, calls: &[]Request{}}
}

// As returns a view that reports itself as name and shares the call log.
func (d *DryRunAction) As(name string) *DryRunAction {
	return &DryRunAction{name: name, mu: d.mu, calls: d.calls}
}

func (d *DryRunAction) Name() string { return d.name }

func (d *DryRunAction) Execute(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	d.mu.Lock()
	*d.calls = append(*d.calls, req)
	d.mu.Unlock()
	verb := "execute"
	if req.Rollback {
		verb = "roll back"
	}
	return Result{Detail: fmt.Sprintf("dry run: would %s %s on %s", verb, d.name, req.Service)}, nil
}

// Calls returns the recorded requests.
func (d *DryRunAction) Calls() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), *d.calls...)
}
