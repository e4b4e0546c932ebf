package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/selfheal/pkg/canonicalize"
)

// BundleVersion is the format version written by ExportBundle.
const BundleVersion = "1.0.0"

// Bundle is a self-verifying export of a contiguous ledger range.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	// AnchorHash is the prev_hash of the first entry.
	AnchorHash string   `json:"anchor_hash"`
	ChainHead  string   `json:"chain_head"`
	PublicKey  string   `json:"public_key,omitempty"`
	Entries    []*Entry `json:"entries"`
	BundleHash string   `json:"bundle_hash"`
}

// ExportBundle packages entries [from, to] for offline verification.
func (l *Ledger) ExportBundle(ctx context.Context, from, to uint64) (*Bundle, error) {
	if from == 0 {
		from = 1
	}
	entries, err := l.store.Range(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("read ledger range: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyRange
	}

	first, last := entries[0], entries[len(entries)-1]
	b := &Bundle{
		BundleID:   uuid.New().String(),
		Version:    BundleVersion,
		CreatedAt:  l.clock().UTC(),
		StartSeq:   first.Sequence,
		EndSeq:     last.Sequence,
		EntryCount: len(entries),
		AnchorHash: first.PrevHash,
		ChainHead:  last.Hash,
		PublicKey:  l.pubKey,
		Entries:    entries,
	}
	h, err := canonicalize.Hash(b.Entries)
	if err != nil {
		return nil, fmt.Errorf("hash bundle: %w", err)
	}
	b.BundleHash = h
	return b, nil
}

// VerifyBundle checks a bundle's hash, internal chain and, when the bundle
// names a public key, every signature.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Entries) == 0 {
		return ErrEmptyRange
	}
	if b.EntryCount != len(b.Entries) {
		return fmt.Errorf("bundle declares %d entries, holds %d", b.EntryCount, len(b.Entries))
	}
	h, err := canonicalize.Hash(b.Entries)
	if err != nil {
		return fmt.Errorf("hash bundle: %w", err)
	}
	if h != b.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}

	prev := b.AnchorHash
	seq := b.StartSeq
	for _, e := range b.Entries {
		if br := checkEntry(e, seq, prev, b.PublicKey); br != nil {
			return br
		}
		prev = e.Hash
		seq++
	}
	if prev != b.ChainHead {
		return fmt.Errorf("bundle chain head mismatch")
	}
	return nil
}
