package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*contracts.PlaybookRun
	approvals map[string]*contracts.ApprovalRequest
	audit     []*contracts.AuditLogEntry
	learning  []*contracts.LearningLogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*contracts.PlaybookRun),
		approvals: make(map[string]*contracts.ApprovalRequest),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *contracts.PlaybookRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*contracts.PlaybookRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, contracts.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *contracts.PlaybookRun, expected contracts.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, contracts.ErrNotFound)
	}
	if cur.Status != expected {
		return fmt.Errorf("run %s is %s, expected %s: %w", run.ID, cur.Status, expected, ErrConflict)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, f RunFilter) ([]*contracts.PlaybookRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.PlaybookRun, 0)
	for _, r := range s.runs {
		if f.matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		if f.OldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateApproval(_ context.Context, a *contracts.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[a.ID]; ok {
		return fmt.Errorf("approval %s already exists", a.ID)
	}
	s.approvals[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id string) (*contracts.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, contracts.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) DecideApproval(_ context.Context, a *contracts.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.approvals[a.ID]
	if !ok {
		return fmt.Errorf("approval %s: %w", a.ID, contracts.ErrNotFound)
	}
	if !cur.Pending() {
		return fmt.Errorf("approval %s already %s: %w", a.ID, cur.Decision, ErrConflict)
	}
	s.approvals[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, f ApprovalFilter) ([]*contracts.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.ApprovalRequest, 0)
	for _, a := range s.approvals {
		if f.matches(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e *contracts.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, runID string) ([]*contracts.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.AuditLogEntry, 0)
	for _, e := range s.audit {
		if runID == "" || e.RunID == runID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendLearning(_ context.Context, e *contracts.LearningLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.learning = append(s.learning, &cp)
	return nil
}

func (s *MemoryStore) ListLearning(_ context.Context, since time.Time) ([]*contracts.LearningLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.LearningLogEntry, 0)
	for _, e := range s.learning {
		if since.IsZero() || !e.CreatedAt.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
