// Package learning rolls run outcomes up into per-playbook, per-service
// and per-(service, playbook) success statistics over sliding windows.
package learning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
)

// Window selects the time range of a statistic.
type Window string

const (
	Window24h Window = "24h"
	Window7d  Window = "7d"
	WindowAll Window = "all"
)

// ParseWindow resolves a window name; empty means 7d.
func ParseWindow(s string) (Window, error) {
	switch Window(s) {
	case "":
		return Window7d, nil
	case Window24h, Window7d, WindowAll:
		return Window(s), nil
	default:
		return "", fmt.Errorf("unknown window %q", s)
	}
}

func (w Window) span() time.Duration {
	switch w {
	case Window24h:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

const retention = 7 * 24 * time.Hour

// Counts are outcome tallies.
type Counts struct {
	Success    int   `json:"success"`
	Failure    int   `json:"failure"`
	Timeout    int   `json:"timeout"`
	RolledBack int   `json:"rolled_back"`
	Blocked    int   `json:"blocked"`
	DurationMs int64 `json:"duration_ms"`
}

func (c *Counts) add(e *contracts.LearningLogEntry) {
	switch e.Result {
	case contracts.ResultSuccess:
		c.Success++
	case contracts.ResultFailure:
		c.Failure++
	case contracts.ResultTimeout:
		c.Timeout++
	case contracts.ResultRolledBack:
		c.RolledBack++
	case contracts.ResultBlocked:
		c.Blocked++
		return
	}
	c.DurationMs += e.DurationMs
}

func (c *Counts) merge(o *Counts) {
	c.Success += o.Success
	c.Failure += o.Failure
	c.Timeout += o.Timeout
	c.RolledBack += o.RolledBack
	c.Blocked += o.Blocked
	c.DurationMs += o.DurationMs
}

// Samples is the number of outcomes that count toward the success rate.
// Blocked runs never executed and are excluded.
func (c Counts) Samples() int {
	return c.Success + c.Failure + c.Timeout + c.RolledBack
}

// Rate returns successes over samples, 0 when there are none.
func (c Counts) Rate() float64 {
	n := c.Samples()
	if n == 0 {
		return 0
	}
	return float64(c.Success) / float64(n)
}

// series is an hourly bucketed history plus an all-time total.
type series struct {
	buckets map[int64]*Counts
	total   Counts
}

func newSeries() *series {
	return &series{buckets: make(map[int64]*Counts)}
}

func (s *series) add(e *contracts.LearningLogEntry) {
	h := e.CreatedAt.Truncate(time.Hour).Unix()
	b, ok := s.buckets[h]
	if !ok {
		b = &Counts{}
		s.buckets[h] = b
	}
	b.add(e)
	s.total.add(e)
}

func (s *series) window(w Window, now time.Time) Counts {
	if w == WindowAll {
		return s.total
	}
	// A bucket is included if any part of its hour falls inside the window.
	cutoff := now.Add(-w.span()).Truncate(time.Hour).Unix()
	var out Counts
	for h, b := range s.buckets {
		if h >= cutoff {
			out.merge(b)
		}
	}
	return out
}

func (s *series) prune(now time.Time) {
	cutoff := now.Add(-retention).Truncate(time.Hour).Unix()
	for h := range s.buckets {
		if h < cutoff {
			delete(s.buckets, h)
		}
	}
}

type pairKey struct {
	service  string
	playbook string
}

// Aggregator maintains the rolling statistics. Updates are incremental:
// each observed entry touches three series.
type Aggregator struct {
	mu         sync.RWMutex
	clock      func() time.Time
	byPlaybook map[string]*series
	byService  map[string]*series
	byPair     map[pairKey]*series
	observed   int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) { a.clock = clock }
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		clock:      time.Now,
		byPlaybook: make(map[string]*series),
		byService:  make(map[string]*series),
		byPair:     make(map[pairKey]*series),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe folds one learning entry into the statistics.
func (a *Aggregator) Observe(e *contracts.LearningLogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seriesFor(a.byPlaybook, e.PlaybookID).add(e)
	seriesFor(a.byService, e.Service).add(e)
	seriesFor(a.byPair, pairKey{service: e.Service, playbook: e.PlaybookID}).add(e)

	a.observed++
	if a.observed%256 == 0 {
		now := a.clock()
		for _, s := range a.byPlaybook {
			s.prune(now)
		}
		for _, s := range a.byService {
			s.prune(now)
		}
		for _, s := range a.byPair {
			s.prune(now)
		}
	}
}

func seriesFor[K comparable](m map[K]*series, k K) *series {
	s, ok := m[k]
	if !ok {
		s = newSeries()
		m[k] = s
	}
	return s
}

// Source lists historical learning entries.
type Source interface {
	ListLearning(ctx context.Context, since time.Time) ([]*contracts.LearningLogEntry, error)
}

// Bootstrap loads the full history once at startup.
func (a *Aggregator) Bootstrap(ctx context.Context, src Source) (int, error) {
	entries, err := src.ListLearning(ctx, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("bootstrap learning: %w", err)
	}
	for _, e := range entries {
		a.Observe(e)
	}
	return len(entries), nil
}

// SuccessRate returns the counts of playbookID over w. A non-empty service
// narrows to that service.
func (a *Aggregator) SuccessRate(playbookID, service string, w Window) Counts {
	a.mu.RLock()
	defer a.mu.RUnlock()
	now := a.clock()
	if service == "" {
		if s, ok := a.byPlaybook[playbookID]; ok {
			return s.window(w, now)
		}
		return Counts{}
	}
	if s, ok := a.byPair[pairKey{service: service, playbook: playbookID}]; ok {
		return s.window(w, now)
	}
	return Counts{}
}

// ServiceRate returns the counts of every playbook run against service
// over w.
func (a *Aggregator) ServiceRate(service string, w Window) Counts {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.byService[service]; ok {
		return s.window(w, a.clock())
	}
	return Counts{}
}

// RankPlaybooks orders candidates for service by success rate over w,
// best first. Ties break on sample count, then id; candidates with no
// samples come last in their given order.
func (a *Aggregator) RankPlaybooks(service string, w Window, candidates []string) []string {
	type scored struct {
		id     string
		counts Counts
		idx    int
	}
	seen := make(map[string]bool, len(candidates))
	list := make([]scored, 0, len(candidates))
	for i, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true
		list = append(list, scored{id: id, counts: a.SuccessRate(id, service, w), idx: i})
	}
	sort.SliceStable(list, func(i, j int) bool {
		ci, cj := list[i].counts, list[j].counts
		si, sj := ci.Samples() > 0, cj.Samples() > 0
		if si != sj {
			return si
		}
		if !si {
			return list[i].idx < list[j].idx
		}
		if ci.Rate() != cj.Rate() {
			return ci.Rate() > cj.Rate()
		}
		if ci.Samples() != cj.Samples() {
			return ci.Samples() > cj.Samples()
		}
		return list[i].id < list[j].id
	})
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.id
	}
	return out
}

// Stat is one row of a summary.
type Stat struct {
	Service        string  `json:"service,omitempty"`
	PlaybookID     string  `json:"playbook_id,omitempty"`
	Window         Window  `json:"window"`
	Counts         Counts  `json:"counts"`
	Samples        int     `json:"samples"`
	SuccessRate    float64 `json:"success_rate"`
	MeanDurationMs int64   `json:"mean_duration_ms"`
}

func newStat(service, playbook string, w Window, c Counts) Stat {
	st := Stat{
		Service:     service,
		PlaybookID:  playbook,
		Window:      w,
		Counts:      c,
		Samples:     c.Samples(),
		SuccessRate: c.Rate(),
	}
	if st.Samples > 0 {
		st.MeanDurationMs = c.DurationMs / int64(st.Samples)
	}
	return st
}

// Summary is the operator view of the statistics.
type Summary struct {
	Window            Window    `json:"window"`
	ByPlaybook        []Stat    `json:"by_playbook"`
	ByService         []Stat    `json:"by_service"`
	ByServicePlaybook []Stat    `json:"by_service_playbook"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// Summary returns per-playbook, per-service and per-(service, playbook)
// rows over w, optionally filtered. A playbook filter drops the service
// rows and a service filter drops the playbook rows. Rows are ranked by
// success rate.
func (a *Aggregator) Summary(w Window, service, playbook string) Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	now := a.clock()

	out := Summary{
		Window:            w,
		GeneratedAt:       now,
		ByPlaybook:        []Stat{},
		ByService:         []Stat{},
		ByServicePlaybook: []Stat{},
	}
	if service == "" {
		for id, s := range a.byPlaybook {
			if playbook != "" && id != playbook {
				continue
			}
			out.ByPlaybook = append(out.ByPlaybook, newStat("", id, w, s.window(w, now)))
		}
	}
	if playbook == "" {
		for svc, s := range a.byService {
			if service != "" && svc != service {
				continue
			}
			out.ByService = append(out.ByService, newStat(svc, "", w, s.window(w, now)))
		}
	}
	for k, s := range a.byPair {
		if service != "" && k.service != service {
			continue
		}
		if playbook != "" && k.playbook != playbook {
			continue
		}
		out.ByServicePlaybook = append(out.ByServicePlaybook, newStat(k.service, k.playbook, w, s.window(w, now)))
	}
	rank := func(rows []Stat) {
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].SuccessRate != rows[j].SuccessRate {
				return rows[i].SuccessRate > rows[j].SuccessRate
			}
			if rows[i].Service != rows[j].Service {
				return rows[i].Service < rows[j].Service
			}
			return rows[i].PlaybookID < rows[j].PlaybookID
		})
	}
	rank(out.ByPlaybook)
	rank(out.ByService)
	rank(out.ByServicePlaybook)
	return out
}
