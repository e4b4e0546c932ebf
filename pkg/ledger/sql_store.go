package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/selfheal/pkg/database"
)

// SQLStore persists entries in Postgres or SQLite. UPDATE and DELETE on the
// entries table are rejected by triggers, so the table is append-only even
// for operators with direct database access short of DDL rights.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		sequence     INTEGER PRIMARY KEY,
		kind         TEXT NOT NULL,
		run_id       TEXT NOT NULL DEFAULT '',
		prev_hash    TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		entry_hash   TEXT NOT NULL UNIQUE,
		payload      TEXT NOT NULL,
		signature    TEXT NOT NULL DEFAULT '',
		key_id       TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_run ON ledger_entries(run_id)`,
	`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		sequence     BIGINT PRIMARY KEY,
		kind         TEXT NOT NULL,
		run_id       TEXT NOT NULL DEFAULT '',
		prev_hash    TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		entry_hash   TEXT NOT NULL UNIQUE,
		payload      TEXT NOT NULL,
		signature    TEXT NOT NULL DEFAULT '',
		key_id       TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_run ON ledger_entries(run_id)`,
	`CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger_entries is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS ledger_entries_no_mutation ON ledger_entries`,
	`CREATE TRIGGER ledger_entries_no_mutation
		BEFORE UPDATE OR DELETE ON ledger_entries
		FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only()`,
}

// NewSQLStore wraps db without touching the schema; call Migrate first.
func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the entries table and its append-only triggers.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if s.dialect == database.Postgres {
		stmts = postgresSchema
	}
	if err := database.ExecAll(ctx, s.db, stmts); err != nil {
		return fmt.Errorf("ledger migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return database.Rebind(s.dialect, query)
}

const selectEntry = `SELECT sequence, kind, run_id, prev_hash, payload_hash, entry_hash, payload, signature, key_id, created_at FROM ledger_entries`

func (s *SQLStore) Append(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO ledger_entries (sequence, kind, run_id, prev_hash, payload_hash, entry_hash, payload, signature, key_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(e.Sequence), string(e.Kind), e.RunID, e.PrevHash, e.PayloadHash, e.Hash,
		string(e.Payload), e.Signature, e.KeyID, database.FormatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %d: %w", e.Sequence, err)
	}
	return nil
}

func (s *SQLStore) Range(ctx context.Context, from, to uint64) ([]*Entry, error) {
	if to == 0 {
		return s.query(ctx, selectEntry+` WHERE sequence >= ? ORDER BY sequence`, int64(from))
	}
	return s.query(ctx, selectEntry+` WHERE sequence >= ? AND sequence <= ? ORDER BY sequence`, int64(from), int64(to))
}

func (s *SQLStore) Last(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` ORDER BY sequence DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *SQLStore) ByRun(ctx context.Context, runID string) ([]*Entry, error) {
	return s.query(ctx, selectEntry+` WHERE run_id = ? ORDER BY sequence`, runID)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e       Entry
		seq     int64
		kind    string
		payload string
		ts      string
	)
	if err := sc.Scan(&seq, &kind, &e.RunID, &e.PrevHash, &e.PayloadHash, &e.Hash, &payload, &e.Signature, &e.KeyID, &ts); err != nil {
		return nil, err
	}
	t, err := database.ParseTime(ts)
	if err != nil {
		return nil, err
	}
	e.Sequence = uint64(seq)
	e.Kind = Kind(kind)
	e.Payload = []byte(payload)
	e.Timestamp = t
	return &e, nil
}
