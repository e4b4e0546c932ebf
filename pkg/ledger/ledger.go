// Package ledger implements the append-only, hash-chained record of every
// governance decision and run outcome.
//
// Each entry commits to its predecessor:
//
//	payload_hash = sha256(JCS(payload))
//	hash         = sha256("selfheal-ledger-v2" | sequence | kind | run_id |
//	                      timestamp | prev_hash | payload_hash)
//
// so that altering any column, removing or reordering entries is detected
// by VerifyChain. Entries are optionally Ed25519-signed over
// sequence|hash|timestamp.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/selfheal/pkg/canonicalize"
	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/crypto"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "genesis"

const domainTag = "selfheal-ledger-v2"

var (
	ErrChainBroken = errors.New("hash chain is broken")
	ErrEmptyRange  = errors.New("no entries in range")
)

// Kind distinguishes the payload type of an entry.
type Kind string

const (
	KindAudit    Kind = "audit"
	KindLearning Kind = "learning"
)

// Entry is one persisted ledger record.
type Entry struct {
	Sequence    uint64          `json:"sequence"`
	Kind        Kind            `json:"kind"`
	RunID       string          `json:"run_id"`
	PrevHash    string          `json:"prev_hash"`
	PayloadHash string          `json:"payload_hash"`
	Hash        string          `json:"hash"`
	Payload     json.RawMessage `json:"payload"`
	Signature   string          `json:"signature,omitempty"`
	KeyID       string          `json:"key_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (e *Entry) clone() *Entry {
	out := *e
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	return &out
}

// Store persists entries. Implementations must refuse to overwrite an
// existing sequence number.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// Range returns entries with from <= sequence <= to in order. to == 0
	// means no upper bound.
	Range(ctx context.Context, from, to uint64) ([]*Entry, error)
	// Last returns the highest entry, or nil when the ledger is empty.
	Last(ctx context.Context) (*Entry, error)
	ByRun(ctx context.Context, runID string) ([]*Entry, error)
}

// Ledger is the single writer of a Store.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	signer crypto.Signer
	pubKey string
	clock  func() time.Time
	logger *slog.Logger

	loaded bool
	seq    uint64
	head   string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSigner signs every appended entry.
func WithSigner(s crypto.Signer) Option {
	return func(l *Ledger) {
		l.signer = s
		if s != nil && l.pubKey == "" {
			l.pubKey = s.PublicKey()
		}
	}
}

// WithPublicKey sets the hex Ed25519 key used to verify signatures.
func WithPublicKey(pubHex string) Option {
	return func(l *Ledger) { l.pubKey = pubHex }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store exposes the underlying store for read paths.
func (l *Ledger) Store() Store { return l.store }

// Head returns the current sequence and chain head hash.
func (l *Ledger) Head(ctx context.Context) (uint64, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadHeadLocked(ctx); err != nil {
		return 0, "", err
	}
	return l.seq, l.head, nil
}

func (l *Ledger) loadHeadLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	last, err := l.store.Last(ctx)
	if err != nil {
		return fmt.Errorf("load ledger head: %w", err)
	}
	if last == nil {
		l.seq, l.head = 0, GenesisHash
	} else {
		l.seq, l.head = last.Sequence, last.Hash
	}
	l.loaded = true
	return nil
}

// Append canonicalises payload, chains it to the head and persists it.
// The head only advances once the store has accepted the entry.
func (l *Ledger) Append(ctx context.Context, kind Kind, runID string, payload any) (*Entry, error) {
	body, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadHeadLocked(ctx); err != nil {
		return nil, err
	}

	e := &Entry{
		Sequence:    l.seq + 1,
		Kind:        kind,
		RunID:       runID,
		PrevHash:    l.head,
		PayloadHash: canonicalize.HashBytes(body),
		Payload:     body,
		Timestamp:   l.clock().UTC().Truncate(time.Microsecond),
	}
	e.Hash = chainHash(e)
	if l.signer != nil {
		sig, err := l.signer.Sign(signingBytes(e))
		if err != nil {
			return nil, fmt.Errorf("sign entry %d: %w", e.Sequence, err)
		}
		e.Signature = sig
		e.KeyID = l.signer.KeyID()
	}

	if err := l.store.Append(ctx, e); err != nil {
		// The store may have lost track of what it holds; reload on next use.
		l.loaded = false
		return nil, err
	}
	l.seq = e.Sequence
	l.head = e.Hash

	l.logger.DebugContext(ctx, "ledger append",
		"sequence", e.Sequence, "kind", e.Kind, "run_id", runID)
	return e.clone(), nil
}

// AppendAudit records a governance or lifecycle decision.
func (l *Ledger) AppendAudit(ctx context.Context, a *contracts.AuditLogEntry) (*Entry, error) {
	return l.Append(ctx, KindAudit, a.RunID, a)
}

// AppendLearning records a run outcome.
func (l *Ledger) AppendLearning(ctx context.Context, e *contracts.LearningLogEntry) (*Entry, error) {
	return l.Append(ctx, KindLearning, e.RunID, e)
}

// chainHash commits the whole entry header, so rewriting any stored column
// breaks the chain.
func chainHash(e *Entry) string {
	return canonicalize.HashBytes([]byte(fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s",
		domainTag, e.Sequence, e.Kind, e.RunID,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.PrevHash, e.PayloadHash)))
}

func signingBytes(e *Entry) []byte {
	return []byte(fmt.Sprintf("%d|%s|%s", e.Sequence, e.Hash, e.Timestamp.UTC().Format(time.RFC3339Nano)))
}
