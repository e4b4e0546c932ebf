// Package telemetry is the orchestrator's view of the metrics pipeline:
// a feed of remediation recommendations and a probe that re-samples a
// service's metrics for verification.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
)

// Source delivers recommendations at least once. A recommendation stays
// leased until acknowledged or released; leases abandoned by a crash are
// redelivered after Recover.
type Source interface {
	Poll(ctx context.Context, max int) ([]*contracts.Recommendation, error)
	Ack(ctx context.Context, rec *contracts.Recommendation) error
	// Release returns a leased recommendation to the head of the queue.
	Release(ctx context.Context, rec *contracts.Recommendation) error
}

// Probe samples the current metrics of a service.
type Probe interface {
	Sample(ctx context.Context, service string) (map[string]float64, error)
}

// MemoryFeed is an in-process Source.
type MemoryFeed struct {
	mu      sync.Mutex
	pending []*contracts.Recommendation
	leased  map[string]*contracts.Recommendation
	clock   func() time.Time
	down    error
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{leased: make(map[string]*contracts.Recommendation), clock: time.Now}
}

// Push enqueues rec, assigning an id and receipt time when missing.
func (f *MemoryFeed) Push(rec *contracts.Recommendation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := *rec
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = f.clock()
	}
	f.pending = append(f.pending, &r)
}

// SetUnavailable makes Poll fail with err until called with nil.
func (f *MemoryFeed) SetUnavailable(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = err
}

func (f *MemoryFeed) Poll(_ context.Context, max int) ([]*contracts.Recommendation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down != nil {
		return nil, &contracts.UpstreamUnavailable{Upstream: "telemetry", Cause: f.down}
	}
	n := len(f.pending)
	if max > 0 && n > max {
		n = max
	}
	out := f.pending[:n:n]
	f.pending = f.pending[n:]
	for _, r := range out {
		r.Receipt = r.ID
		f.leased[r.ID] = r
	}
	return out, nil
}

func (f *MemoryFeed) Ack(_ context.Context, rec *contracts.Recommendation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.leased[rec.Receipt]; !ok {
		return fmt.Errorf("recommendation %s: %w", rec.ID, contracts.ErrNotFound)
	}
	delete(f.leased, rec.Receipt)
	return nil
}

func (f *MemoryFeed) Release(_ context.Context, rec *contracts.Recommendation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.leased[rec.Receipt]
	if !ok {
		return fmt.Errorf("recommendation %s: %w", rec.ID, contracts.ErrNotFound)
	}
	delete(f.leased, rec.Receipt)
	f.pending = append([]*contracts.Recommendation{r}, f.pending...)
	return nil
}

// Recover returns every leased recommendation to the queue.
func (f *MemoryFeed) Recover(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.leased)
	for id, r := range f.leased {
		f.pending = append(f.pending, r)
		delete(f.leased, id)
	}
	return n, nil
}

// Len returns queued and leased counts.
func (f *MemoryFeed) Len() (pending, leased int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending), len(f.leased)
}

// StaticProbe returns configured metrics.
type StaticProbe struct {
	mu      sync.RWMutex
	metrics map[string]map[string]float64
	err     error
}

func NewStaticProbe() *StaticProbe {
	return &StaticProbe{metrics: make(map[string]map[string]float64)}
}

// Set replaces the metrics of service.
func (p *StaticProbe) Set(service string, metrics map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		cp[k] = v
	}
	p.metrics[service] = cp
}

// SetError makes Sample fail until cleared.
func (p *StaticProbe) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *StaticProbe) Sample(_ context.Context, service string) (map[string]float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return nil, &contracts.UpstreamUnavailable{Upstream: "probe", Cause: p.err}
	}
	out := make(map[string]float64, len(p.metrics[service]))
	for k, v := range p.metrics[service] {
		out[k] = v
	}
	return out, nil
}
