package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
)

// Record is a decoded ledger entry.
type Record struct {
	Entry    *Entry                      `json:"entry"`
	Audit    *contracts.AuditLogEntry    `json:"audit,omitempty"`
	Learning *contracts.LearningLogEntry `json:"learning,omitempty"`
}

// Decode unpacks the payload of e according to its kind.
func Decode(e *Entry) (*Record, error) {
	rec := &Record{Entry: e}
	switch e.Kind {
	case KindAudit:
		var a contracts.AuditLogEntry
		if err := json.Unmarshal(e.Payload, &a); err != nil {
			return nil, fmt.Errorf("decode audit entry %d: %w", e.Sequence, err)
		}
		rec.Audit = &a
	case KindLearning:
		var le contracts.LearningLogEntry
		if err := json.Unmarshal(e.Payload, &le); err != nil {
			return nil, fmt.Errorf("decode learning entry %d: %w", e.Sequence, err)
		}
		rec.Learning = &le
	default:
		return nil, fmt.Errorf("entry %d: unknown kind %q", e.Sequence, e.Kind)
	}
	return rec, nil
}

// Replay feeds entries [from, to] to fn, in order. to == 0 replays up to
// the last persisted entry.
func (l *Ledger) Replay(ctx context.Context, from, to uint64, fn func(*Record) error) error {
	if from == 0 {
		from = 1
	}
	entries, err := l.store.Range(ctx, from, to)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	for _, e := range entries {
		rec, err := Decode(e)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// ReplayRun returns the decoded history of a single run in sequence order.
func (l *Ledger) ReplayRun(ctx context.Context, runID string) ([]*Record, error) {
	entries, err := l.store.ByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	out := make([]*Record, 0, len(entries))
	for _, e := range entries {
		rec, err := Decode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
