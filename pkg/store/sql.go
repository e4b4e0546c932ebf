package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/database"
)

// SQLStore implements Store over Postgres or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS playbook_runs (
		id                  TEXT PRIMARY KEY,
		service             TEXT NOT NULL,
		playbook_id         TEXT NOT NULL,
		status              TEXT NOT NULL,
		diagnosis           TEXT NOT NULL,
		parameters          TEXT NOT NULL,
		requested_by        TEXT NOT NULL,
		created_at          TEXT NOT NULL,
		started_at          TEXT,
		completed_at        TEXT,
		result_detail       TEXT NOT NULL DEFAULT '',
		retry_of            TEXT NOT NULL DEFAULT '',
		approval_id         TEXT NOT NULL DEFAULT '',
		manual_intervention INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_key ON playbook_runs(service, playbook_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON playbook_runs(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS approval_requests (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL UNIQUE,
		service      TEXT NOT NULL,
		playbook_id  TEXT NOT NULL,
		reason       TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		decision     TEXT NOT NULL,
		decided_by   TEXT NOT NULL DEFAULT '',
		decided_at   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_key ON approval_requests(service, playbook_id, decision)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id             TEXT PRIMARY KEY,
		run_id         TEXT NOT NULL,
		policy_checked TEXT NOT NULL,
		decision       TEXT NOT NULL,
		detail         TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_log(run_id)`,
	`CREATE TABLE IF NOT EXISTS learning_log (
		id          TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL,
		playbook_id TEXT NOT NULL,
		service     TEXT NOT NULL,
		result      TEXT NOT NULL,
		duration_ms BIGINT NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_learning_created ON learning_log(created_at)`,
}

// NewSQLStore wraps db; call Migrate before use.
func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if err := database.ExecAll(ctx, s.db, schema); err != nil {
		return fmt.Errorf("store migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return database.Rebind(s.dialect, query)
}

const runColumns = `id, service, playbook_id, status, diagnosis, parameters, requested_by, created_at, started_at, completed_at, result_detail, retry_of, approval_id, manual_intervention`

func (s *SQLStore) CreateRun(ctx context.Context, run *contracts.PlaybookRun) error {
	diag, params, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO playbook_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.Service, run.PlaybookID, string(run.Status), diag, params, run.RequestedBy,
		database.FormatTime(run.CreatedAt), database.NullTime(run.StartedAt), database.NullTime(run.CompletedAt),
		run.ResultDetail, run.RetryOf, run.ApprovalID, boolToInt(run.ManualIntervention),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*contracts.PlaybookRun, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM playbook_runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, contracts.ErrNotFound)
	}
	return run, err
}

func (s *SQLStore) UpdateRun(ctx context.Context, run *contracts.PlaybookRun, expected contracts.RunStatus) error {
	diag, params, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE playbook_runs SET
		status = ?, diagnosis = ?, parameters = ?, started_at = ?, completed_at = ?,
		result_detail = ?, retry_of = ?, approval_id = ?, manual_intervention = ?
		WHERE id = ? AND status = ?`),
		string(run.Status), diag, params, database.NullTime(run.StartedAt), database.NullTime(run.CompletedAt),
		run.ResultDetail, run.RetryOf, run.ApprovalID, boolToInt(run.ManualIntervention),
		run.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: rows affected: %w", run.ID, err)
	}
	if n == 0 {
		if _, getErr := s.GetRun(ctx, run.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("run %s not in status %s: %w", run.ID, expected, ErrConflict)
	}
	return nil
}

func (s *SQLStore) ListRuns(ctx context.Context, f RunFilter) ([]*contracts.PlaybookRun, error) {
	var (
		where []string
		args  []any
	)
	if f.Service != "" {
		where = append(where, "service = ?")
		args = append(args, f.Service)
	}
	if f.PlaybookID != "" {
		where = append(where, "playbook_id = ?")
		args = append(args, f.PlaybookID)
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, database.FormatTime(f.CreatedAfter))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + runColumns + ` FROM playbook_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.OldestFirst {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.PlaybookRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

const approvalColumns = `id, run_id, service, playbook_id, reason, requested_by, created_at, decision, decided_by, decided_at`

func (s *SQLStore) CreateApproval(ctx context.Context, a *contracts.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.RunID, a.Service, a.PlaybookID, a.Reason, a.RequestedBy,
		database.FormatTime(a.CreatedAt), string(a.Decision), a.DecidedBy, database.NullTime(a.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("insert approval %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) GetApproval(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`), id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", id, contracts.ErrNotFound)
	}
	return a, err
}

func (s *SQLStore) DecideApproval(ctx context.Context, a *contracts.ApprovalRequest) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE approval_requests
		SET decision = ?, decided_by = ?, decided_at = ?
		WHERE id = ? AND decision = ?`),
		string(a.Decision), a.DecidedBy, database.NullTime(a.DecidedAt),
		a.ID, string(contracts.DecisionPending),
	)
	if err != nil {
		return fmt.Errorf("decide approval %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decide approval %s: rows affected: %w", a.ID, err)
	}
	if n == 0 {
		if _, getErr := s.GetApproval(ctx, a.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("approval %s already decided: %w", a.ID, ErrConflict)
	}
	return nil
}

func (s *SQLStore) ListApprovals(ctx context.Context, f ApprovalFilter) ([]*contracts.ApprovalRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.Service != "" {
		where = append(where, "service = ?")
		args = append(args, f.Service)
	}
	if f.PlaybookID != "" {
		where = append(where, "playbook_id = ?")
		args = append(args, f.PlaybookID)
	}
	if f.PendingOnly {
		where = append(where, "decision = ?")
		args = append(args, string(contracts.DecisionPending))
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, database.FormatTime(f.CreatedAfter))
	}
	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.ApprovalRequest, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendAudit(ctx context.Context, e *contracts.AuditLogEntry) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit_log (id, run_id, policy_checked, decision, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.RunID, string(e.PolicyChecked), string(e.Decision), e.Detail, database.FormatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLStore) ListAudit(ctx context.Context, runID string) ([]*contracts.AuditLogEntry, error) {
	query := `SELECT id, run_id, policy_checked, decision, detail, created_at FROM audit_log`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.AuditLogEntry, 0)
	for rows.Next() {
		var (
			e              contracts.AuditLogEntry
			policy, verdict string
			ts             string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &policy, &verdict, &e.Detail, &ts); err != nil {
			return nil, err
		}
		t, err := database.ParseTime(ts)
		if err != nil {
			return nil, err
		}
		e.PolicyChecked = contracts.Policy(policy)
		e.Decision = contracts.Verdict(verdict)
		e.Timestamp = t
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendLearning(ctx context.Context, e *contracts.LearningLogEntry) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO learning_log (id, run_id, playbook_id, service, result, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.RunID, e.PlaybookID, e.Service, string(e.Result), e.DurationMs, database.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert learning %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLStore) ListLearning(ctx context.Context, since time.Time) ([]*contracts.LearningLogEntry, error) {
	query := `SELECT id, run_id, playbook_id, service, result, duration_ms, created_at FROM learning_log`
	var args []any
	if !since.IsZero() {
		query += ` WHERE created_at >= ?`
		args = append(args, database.FormatTime(since))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list learning: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.LearningLogEntry, 0)
	for rows.Next() {
		var (
			e      contracts.LearningLogEntry
			result string
			ts     string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.PlaybookID, &e.Service, &result, &e.DurationMs, &ts); err != nil {
			return nil, err
		}
		t, err := database.ParseTime(ts)
		if err != nil {
			return nil, err
		}
		e.Result = contracts.LearningResult(result)
		e.CreatedAt = t
		out = append(out, &e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func encodeRun(run *contracts.PlaybookRun) (string, string, error) {
	diag, err := json.Marshal(run.Diagnosis)
	if err != nil {
		return "", "", fmt.Errorf("encode diagnosis: %w", err)
	}
	params := []byte("{}")
	if run.Parameters != nil {
		params, err = json.Marshal(run.Parameters)
		if err != nil {
			return "", "", fmt.Errorf("encode parameters: %w", err)
		}
	}
	return string(diag), string(params), nil
}

func scanRun(sc scanner) (*contracts.PlaybookRun, error) {
	var (
		r                    contracts.PlaybookRun
		status, diag, params string
		created              string
		started, completed   sql.NullString
		manual               int
	)
	if err := sc.Scan(&r.ID, &r.Service, &r.PlaybookID, &status, &diag, &params, &r.RequestedBy,
		&created, &started, &completed, &r.ResultDetail, &r.RetryOf, &r.ApprovalID, &manual); err != nil {
		return nil, err
	}
	r.Status = contracts.RunStatus(status)
	r.ManualIntervention = manual != 0
	if err := json.Unmarshal([]byte(diag), &r.Diagnosis); err != nil {
		return nil, fmt.Errorf("decode diagnosis of run %s: %w", r.ID, err)
	}
	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &r.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of run %s: %w", r.ID, err)
		}
	}
	var err error
	if r.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if r.StartedAt, err = database.ScanNullTime(started); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = database.ScanNullTime(completed); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanApproval(sc scanner) (*contracts.ApprovalRequest, error) {
	var (
		a        contracts.ApprovalRequest
		decision string
		created  string
		decided  sql.NullString
	)
	if err := sc.Scan(&a.ID, &a.RunID, &a.Service, &a.PlaybookID, &a.Reason, &a.RequestedBy,
		&created, &decision, &a.DecidedBy, &decided); err != nil {
		return nil, err
	}
	a.Decision = contracts.ApprovalDecision(decision)
	var err error
	if a.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if a.DecidedAt, err = database.ScanNullTime(decided); err != nil {
		return nil, err
	}
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
