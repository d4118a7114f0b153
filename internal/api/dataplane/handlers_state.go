package dataplane

import (
	"errors"
	"io"
	"net/http"

	"github.com/coderun/dispatcher/internal/apierrors"
	"github.com/coderun/dispatcher/internal/statearchive"
	"github.com/coderun/dispatcher/internal/statecache"
)

// stateVersion is the only state blob version this build understands; byte 0
// of every raw state blob must equal it.
const stateVersion = 0x02

// GetState handles GET /state/{session_id}: the raw state bytes with an
// ETag of their SHA-256 hex digest, 304 on a matching If-None-Match, 404
// when nothing is stored.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	raw, err := h.HotState.GetRaw(r.Context(), sessionID)
	if errors.Is(err, statecache.ErrNotFound) {
		writeAPIError(w, r, apierrors.NotFound("state", sessionID))
		return
	}
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	hash, err := h.HotState.Hash(r.Context(), sessionID)
	if err != nil {
		hash = statecache.ComputeHash(raw)
	}
	etag := `"` + hash + `"`

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// PutState handles POST /state/{session_id}: raw state bytes, version-byte
// gated, which become immediately visible to the next /exec on this session
// via the hot cache's upload marker.
func (h *Handler) PutState(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		writeAPIError(w, r, apierrors.Validation("failed reading request body", apierrors.Detail{Message: err.Error()}))
		return
	}
	if len(raw) < 2 {
		writeAPIError(w, r, apierrors.Validation("state blob truncated", apierrors.Detail{Field: "body", Message: "must be at least 2 bytes"}))
		return
	}
	if raw[0] != stateVersion {
		writeAPIError(w, r, apierrors.Validation("unsupported state version", apierrors.Detail{Field: "body", Message: "byte 0 must be the current version discriminator"}))
		return
	}

	if err := h.HotState.SaveRaw(r.Context(), sessionID, raw, true); err != nil {
		writeAPIError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "state_uploaded",
		"size":    len(raw),
	})
}

// stateInfoResponse is the body of GET /state/{session_id}/info.
type stateInfoResponse struct {
	Exists    bool    `json:"exists"`
	Source    *string `json:"source"`
	SizeBytes int     `json:"size_bytes,omitempty"`
	Hash      string  `json:"hash,omitempty"`
	CreatedAt *string `json:"created_at,omitempty"`
}

func strPtr(s string) *string { return &s }

// StateInfo handles GET /state/{session_id}/info: hot cache first, falling
// back to the cold archive. A cold hit is restored into the hot cache, and
// the reported hash is read from there.
func (h *Handler) StateInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	meta, err := h.HotState.GetMeta(r.Context(), sessionID)
	if err == nil {
		hash, _ := h.HotState.Hash(r.Context(), sessionID)
		created := meta.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		writeJSON(w, http.StatusOK, stateInfoResponse{
			Exists: true, Source: strPtr("redis"),
			SizeBytes: meta.Size, Hash: hash, CreatedAt: &created,
		})
		return
	}
	if !errors.Is(err, statecache.ErrNotFound) {
		writeAPIError(w, r, err)
		return
	}

	if h.ColdState != nil {
		if _, archErr := h.ColdState.Restore(r.Context(), sessionID); archErr == nil {
			hash, _ := h.HotState.Hash(r.Context(), sessionID)
			writeJSON(w, http.StatusOK, stateInfoResponse{Exists: true, Source: strPtr("archive"), Hash: hash})
			return
		} else if !errors.Is(archErr, statearchive.ErrNotFound) {
			writeAPIError(w, r, archErr)
			return
		}
	}

	writeJSON(w, http.StatusOK, stateInfoResponse{Exists: false, Source: nil})
}

// DeleteState handles DELETE /state/{session_id}: always 204.
func (h *Handler) DeleteState(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	_ = h.HotState.Delete(r.Context(), sessionID)
	if h.ColdState != nil {
		_ = h.ColdState.Delete(r.Context(), sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}
