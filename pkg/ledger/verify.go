package ledger

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/selfheal/pkg/canonicalize"
	"github.com/Mindburn-Labs/selfheal/pkg/crypto"
)

// ChainBreak locates the first entry that fails verification.
type ChainBreak struct {
	Sequence uint64 `json:"sequence"`
	Reason   string `json:"reason"`
}

func (b *ChainBreak) Error() string {
	return fmt.Sprintf("%s: entry %d: %s", ErrChainBroken, b.Sequence, b.Reason)
}

func (b *ChainBreak) Unwrap() error { return ErrChainBroken }

// VerifyChain recomputes the chain over [from, to]. to == 0 verifies up to
// the last persisted entry. It returns the first break found, or nil when
// the range is intact; the error is reserved for storage failures.
func (l *Ledger) VerifyChain(ctx context.Context, from, to uint64) (*ChainBreak, error) {
	if from == 0 {
		from = 1
	}

	// Fetch one entry before the range to anchor prev_hash.
	start := from
	if from > 1 {
		start = from - 1
	}
	entries, err := l.store.Range(ctx, start, to)
	if err != nil {
		return nil, fmt.Errorf("read ledger range: %w", err)
	}

	expectedPrev := GenesisHash
	expectedSeq := from
	if from > 1 {
		if len(entries) == 0 || entries[0].Sequence != from-1 {
			return &ChainBreak{Sequence: from - 1, Reason: "anchor entry missing"}, nil
		}
		expectedPrev = entries[0].Hash
		entries = entries[1:]
	}

	for _, e := range entries {
		if b := l.checkEntry(e, expectedSeq, expectedPrev); b != nil {
			return b, nil
		}
		expectedPrev = e.Hash
		expectedSeq++
	}
	return nil, nil
}

func (l *Ledger) checkEntry(e *Entry, seq uint64, prev string) *ChainBreak {
	return checkEntry(e, seq, prev, l.pubKey)
}

func checkEntry(e *Entry, seq uint64, prev, pubKey string) *ChainBreak {
	if e.Sequence != seq {
		return &ChainBreak{Sequence: seq, Reason: fmt.Sprintf("sequence gap: found %d", e.Sequence)}
	}
	if e.PrevHash != prev {
		return &ChainBreak{Sequence: seq, Reason: "prev_hash does not match predecessor"}
	}
	if got := canonicalize.HashBytes(e.Payload); got != e.PayloadHash {
		return &ChainBreak{Sequence: seq, Reason: "payload_hash mismatch"}
	}
	if got := chainHash(e); got != e.Hash {
		return &ChainBreak{Sequence: seq, Reason: "entry hash mismatch"}
	}
	if pubKey == "" {
		return nil
	}
	if e.Signature == "" {
		return &ChainBreak{Sequence: seq, Reason: "missing signature"}
	}
	ok, err := crypto.Verify(pubKey, e.Signature, signingBytes(e))
	if err != nil {
		return &ChainBreak{Sequence: seq, Reason: "signature unreadable: " + err.Error()}
	}
	if !ok {
		return &ChainBreak{Sequence: seq, Reason: "signature invalid"}
	}
	return nil
}
