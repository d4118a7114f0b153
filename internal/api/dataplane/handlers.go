// Package dataplane is the HTTP surface (§6.1): POST /exec, the /state
// family, the file store surface and the session registry surface. Routing
// and per-handler error conventions are grounded on
// internal/api/dataplane/handlers.go and handlers_invoke.go's ServeMux +
// r.PathValue + http.Error style.
package dataplane

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/coderun/dispatcher/internal/apierrors"
	"github.com/coderun/dispatcher/internal/eventbus"
	"github.com/coderun/dispatcher/internal/filestore"
	"github.com/coderun/dispatcher/internal/idgen"
	"github.com/coderun/dispatcher/internal/orchestrator"
	"github.com/coderun/dispatcher/internal/sessionreg"
	"github.com/coderun/dispatcher/internal/statearchive"
	"github.com/coderun/dispatcher/internal/statecache"
)

// Handler serves every data-plane route over the components it's handed;
// it never reaches across to the pool, sandbox or dispatcher directly —
// those only exist behind the Orchestrator.
type Handler struct {
	Orchestrator *orchestrator.Orchestrator
	HotState     *statecache.Store
	ColdState    *statearchive.Archive
	Files        *filestore.Store
	Sessions     *sessionreg.Registry
	Bus          *eventbus.Bus
}

// RegisterRoutes registers every data-plane route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /exec", h.Exec)

	mux.HandleFunc("GET /state/{session_id}/info", h.StateInfo)
	mux.HandleFunc("GET /state/{session_id}", h.GetState)
	mux.HandleFunc("POST /state/{session_id}", h.PutState)
	mux.HandleFunc("DELETE /state/{session_id}", h.DeleteState)

	mux.HandleFunc("POST /upload", h.Upload)
	mux.HandleFunc("GET /files/{session_id}/{file_id}", h.GetFile)
	mux.HandleFunc("DELETE /files/{session_id}/{file_id}", h.DeleteFile)

	mux.HandleFunc("GET /sessions", h.ListSessions)
	mux.HandleFunc("GET /sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.DeleteSession)
}

// errorEnvelope is the stable error body shape from §7: a kind-specific
// message, optional field details, and a request id filled in when the
// caller left it blank.
type errorEnvelope struct {
	ErrorType string             `json:"error_type"`
	Message   string             `json:"message"`
	Details   []apierrors.Detail `json:"details,omitempty"`
	RequestID string             `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeAPIError maps any error into the stable envelope and its kind's HTTP
// status, wrapping bare errors as service_unavailable per the orchestrator's
// catch-all rule.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apierrors.As(err)
	if !ok {
		e = apierrors.Wrap("Code Execution", err)
	}
	reqID := e.RequestID
	if reqID == "" {
		reqID = r.Header.Get("X-Request-Id")
	}
	if reqID == "" {
		reqID = idgen.NewRequestID()
	}
	writeJSON(w, e.Status(), errorEnvelope{
		ErrorType: string(e.Kind),
		Message:   e.Message,
		Details:   e.Details,
		RequestID: reqID,
	})
}

func parseLimitQuery(raw string, fallback, max int) int {
	limit := fallback
	if raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit <= 0 {
		limit = fallback
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}

// execRequestFile mirrors orchestrator.FileRef over the wire.
type execRequestFile struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

type execRequest struct {
	Code        string            `json:"code"`
	Lang        string            `json:"lang"`
	Args        any               `json:"args,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	EntityID    string            `json:"entity_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Files       []execRequestFile `json:"files,omitempty"`
	TimeoutSecs int               `json:"timeout_secs,omitempty"`
}

type execResponseFile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type execResponse struct {
	SessionID string             `json:"session_id"`
	Files     []execResponseFile `json:"files"`
	Stdout    string             `json:"stdout"`
	Stderr    string             `json:"stderr"`
	HasState  bool               `json:"has_state"`
	StateSize int                `json:"state_size,omitempty"`
	StateHash string             `json:"state_hash,omitempty"`
}

// Exec handles POST /exec. Status 200 covers both execution success and
// execution failure alike — the sidecar's exit code only ever drives
// stdout/stderr, never the HTTP status; only request-shape problems
// (validation) or infrastructure problems (service_unavailable) change it.
func (h *Handler) Exec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, r, apierrors.Validation("request body must be valid JSON", apierrors.Detail{Message: err.Error()}))
		return
	}

	files := make([]orchestrator.FileRef, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, orchestrator.FileRef{ID: f.ID, SessionID: f.SessionID, Name: f.Name})
	}

	resp, err := h.Orchestrator.Execute(r.Context(), orchestrator.Request{
		Code:        req.Code,
		Language:    req.Lang,
		Args:        req.Args,
		UserID:      req.UserID,
		EntityID:    req.EntityID,
		SessionID:   req.SessionID,
		Files:       files,
		TimeoutSecs: req.TimeoutSecs,
	})
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	outFiles := make([]execResponseFile, 0, len(resp.Files))
	for _, f := range resp.Files {
		outFiles = append(outFiles, execResponseFile{ID: f.ID, Name: f.Name})
	}

	writeJSON(w, http.StatusOK, execResponse{
		SessionID: resp.SessionID,
		Files:     outFiles,
		Stdout:    resp.Stdout,
		Stderr:    resp.Stderr,
		HasState:  resp.HasState,
		StateSize: resp.StateSize,
		StateHash: resp.StateHash,
	})
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseLimitQuery(r.URL.Query().Get("limit"), 100, 500)
	offset := parseLimitQuery(r.URL.Query().Get("offset"), 0, 0)

	entityID := strings.TrimSpace(r.URL.Query().Get("entity_id"))
	var (
		sessions []sessionreg.Session
		err      error
	)
	if entityID != "" {
		sessions, err = h.Sessions.ListByEntity(r.Context(), entityID, limit, offset)
	} else {
		sessions, err = h.Sessions.List(r.Context(), limit, offset)
	}
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []sessionreg.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := h.Sessions.Get(r.Context(), id)
	if err != nil {
		if err == sessionreg.ErrNotFound {
			writeAPIError(w, r, apierrors.NotFound("session", id))
			return
		}
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// DeleteSession handles DELETE /sessions/{id}: always 204, and publishes
// SessionDeleted so the cleanup scheduler reaps the session's files.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, err := h.Sessions.Delete(r.Context(), id, func(ctx context.Context, s sessionreg.Session) error {
		h.Bus.Publish(ctx, eventbus.SessionDeleted{SessionID: s.ID})
		return nil
	})
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
