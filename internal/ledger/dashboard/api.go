package dashboard

import (
	"errors"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/bookkeeper/ledgersync/internal/ledger"
	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
	"github.com/bookkeeper/ledgersync/internal/ledger/sync"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	StatsData
	Queued int `json:"queued"`
}

// TransactionResponse is the body of GET /api/transactions/{id}.
type TransactionResponse struct {
	Transaction *schema.Transaction `json:"transaction"`
	Conflict    *db.Conflict        `json:"conflict,omitempty"`
	Operations  int                 `json:"queued_operations"`
	Audit       []db.AuditEntry     `json:"audit"`
}

// ResolveRequest is the body of POST /api/conflicts/{id}/resolve.
type ResolveRequest struct {
	Use string `json:"use"` // local, remote or merge
}

type errorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps ledger errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	var conflict *sync.ConflictError
	switch {
	case errors.Is(err, db.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
		resp.Fields = conflict.Fields
	case errors.Is(err, ledger.ErrNotInConflict), errors.Is(err, ledger.ErrNotFailed):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrNoRemote):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	queued, err := s.ledger.DB().QueueLen(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{StatsData: stats, Queued: queued})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending := []*schema.Transaction{}
	for t, err := range s.ledger.ListPending(r.Context()) {
		if err != nil {
			writeError(w, err)
			return
		}
		pending = append(pending, t)
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.ledger.ListConflicts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*db.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := s.ledger.ListFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if failed == nil {
		failed = []*schema.Transaction{}
	}
	writeJSON(w, http.StatusOK, failed)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	t, err := s.ledger.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := TransactionResponse{Transaction: t}

	if t.Status == schema.StatusConflict {
		if c, err := s.ledger.Conflict(ctx, id); err == nil {
			resp.Conflict = c
		}
	}
	ops, err := s.ledger.DB().ListOperations(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp.Operations = len(ops)
	if resp.Audit, err = s.ledger.Audit(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	if resp.Audit == nil {
		resp.Audit = []db.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.ledger.Reconciler() == nil {
		writeError(w, ledger.ErrNoRemote)
		return
	}
	s.ledger.SyncNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	t, err := s.ledger.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ResolveRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	v, err := sync.ParseVariant(req.Use)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := s.ledger.ResolveConflict(r.Context(), id, v); err != nil {
		writeError(w, err)
		return
	}

	t, err := s.ledger.Get(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		// Accepting a remote delete removes the row.
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
