package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/governance"
	"github.com/Mindburn-Labs/selfheal/pkg/learning"
	"github.com/Mindburn-Labs/selfheal/pkg/ledger"
	"github.com/Mindburn-Labs/selfheal/pkg/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// Approvals is the gate's human-review side.
type Approvals interface {
	PendingApprovals(ctx context.Context) ([]*contracts.ApprovalRequest, error)
	Decide(ctx context.Context, approvalID string, approve bool, decidedBy, reason string) (*contracts.ApprovalRequest, error)
}

// Learning is the aggregator's read side.
type Learning interface {
	Summary(w learning.Window, service, playbook string) learning.Summary
}

// Chain is the ledger's integrity side.
type Chain interface {
	Head(ctx context.Context) (uint64, string, error)
	VerifyChain(ctx context.Context, from, to uint64) (*ledger.ChainBreak, error)
}

// Deps are the components the API reads from.
type Deps struct {
	Store     store.Store
	Approvals Approvals
	Learning  Learning
	Chain     Chain
	// Counters are rendered under their key by GET /api/v1/counters.
	Counters map[string]func() any
	Auth     *Authenticator
	Logger   *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Server is the HTTP handler.
type Server struct {
	deps    Deps
	handler http.Handler
	started time.Time
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default().With("component", "api")
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	s := &Server{deps: d, started: d.Clock()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{id}/decision", s.handleDecide)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/v1/learning", s.handleLearning)
	mux.HandleFunc("GET /api/v1/counters", s.handleCounters)
	mux.HandleFunc("GET /api/v1/ledger/verify", s.handleVerifyLedger)

	s.handler = RequestIDMiddleware(AuthMiddleware(d.Auth)(mux))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.deps.Clock().Sub(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	var (
		out []*contracts.ApprovalRequest
		err error
	)
	if r.URL.Query().Get("status") == "all" {
		out, err = s.deps.Store.ListApprovals(r.Context(), store.ApprovalFilter{
			Service:    r.URL.Query().Get("service"),
			PlaybookID: r.URL.Query().Get("playbook_id"),
		})
	} else {
		out, err = s.deps.Approvals.PendingApprovals(r.Context())
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	now := s.deps.Clock()
	views := make([]approvalView, 0, len(out))
	for _, a := range out {
		age := now.Sub(a.CreatedAt)
		if age < 0 {
			age = 0
		}
		views = append(views, approvalView{
			ApprovalRequest: a,
			AgeSeconds:      int64(age / time.Second),
			Age:             age.Round(time.Second).String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": views})
}

// approvalView is an approval request with its age at listing time.
type approvalView struct {
	*contracts.ApprovalRequest
	AgeSeconds int64  `json:"age_seconds"`
	Age        string `json:"age"`
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		WriteError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}
	if !claims.HasRole(RoleApprover) {
		WriteError(w, r, http.StatusForbidden, "Approver role required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	var approve bool
	switch strings.ToLower(req.Decision) {
	case "approve", "approved":
		approve = true
	case "reject", "rejected":
	default:
		WriteError(w, r, http.StatusBadRequest, `decision must be "approve" or "reject"`)
		return
	}

	id := r.PathValue("id")
	a, err := s.deps.Approvals.Decide(r.Context(), id, approve, claims.Subject, req.Reason)
	switch {
	case err == nil:
		s.deps.Logger.InfoContext(r.Context(), "approval decided",
			"approval_id", id, "run_id", a.RunID, "decision", a.Decision, "decided_by", claims.Subject)
		writeJSON(w, http.StatusOK, a)
	case errors.Is(err, contracts.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "approval request not found")
	case errors.Is(err, governance.ErrApprovalExpired):
		WriteError(w, r, http.StatusGone, "approval request expired")
	case errors.Is(err, governance.ErrApprovalNotPending):
		WriteError(w, r, http.StatusConflict, "approval request is not pending")
	case contracts.IsLedgerFailure(err):
		WriteError(w, r, http.StatusServiceUnavailable, "audit ledger unavailable; the run was failed")
	default:
		WriteInternal(w, r, err)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RunFilter{
		Service:    q.Get("service"),
		PlaybookID: q.Get("playbook_id"),
		Limit:      defaultRunLimit,
	}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, contracts.RunStatus(strings.TrimSpace(st)))
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxRunLimit)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.CreatedAfter = t
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), f)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if runs == nil {
		runs = []*contracts.PlaybookRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.deps.Store.GetRun(r.Context(), id)
	if errors.Is(err, contracts.ErrNotFound) {
		WriteError(w, r, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	audit, err := s.deps.Store.ListAudit(r.Context(), id)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if audit == nil {
		audit = []*contracts.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "audit": audit})
}

func (s *Server) handleLearning(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	win, err := learning.ParseWindow(q.Get("window"))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Learning.Summary(win, q.Get("service"), q.Get("playbook_id")))
}

func (s *Server) handleCounters(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]any, len(s.deps.Counters))
	for name, fn := range s.deps.Counters {
		out[name] = fn()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	var from, to uint64
	for name, dst := range map[string]*uint64{"from": &from, "to": &to} {
		if v := r.URL.Query().Get(name); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				WriteError(w, r, http.StatusBadRequest, name+" must be a sequence number")
				return
			}
			*dst = n
		}
	}

	seq, head, err := s.deps.Chain.Head(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	brk, err := s.deps.Chain.VerifyChain(r.Context(), from, to)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	body := map[string]any{
		"valid":       brk == nil,
		"head_seq":    seq,
		"head_hash":   head,
		"verified_at": time.Now().UTC(),
	}
	if brk != nil {
		s.deps.Logger.ErrorContext(r.Context(), "ledger chain broken", "sequence", brk.Sequence, "reason", brk.Reason)
		body["break"] = brk
		writeJSON(w, http.StatusConflict, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}
