package dataplane

import (
	"io"
	"net/http"

	"github.com/coderun/dispatcher/internal/apierrors"
	"github.com/coderun/dispatcher/internal/filestore"
)

const maxUploadBytes = 32 << 20

type uploadResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
}

// Upload handles POST /upload: a multipart form carrying session_id and a
// single file field, stored directly (no presign round trip) since the
// orchestrator already has the bytes in hand by the time a client reaches
// for this path.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeAPIError(w, r, apierrors.Validation("request must be a multipart form", apierrors.Detail{Message: err.Error()}))
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		writeAPIError(w, r, apierrors.Validation("session_id is required", apierrors.Detail{Field: "session_id"}))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, r, apierrors.Validation("file field is required", apierrors.Detail{Field: "file", Message: err.Error()}))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeAPIError(w, r, apierrors.Validation("failed reading uploaded file", apierrors.Detail{Message: err.Error()}))
		return
	}

	contentType := header.Header.Get("Content-Type")
	entry, err := h.Files.StoreUploadedFile(r.Context(), sessionID, header.Filename, data, contentType)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		ID:        entry.FileID,
		SessionID: entry.SessionID,
		Name:      entry.Filename,
		Size:      entry.Size,
	})
}

// GetFile handles GET /files/{session_id}/{file_id}: the raw file bytes,
// always served as application/octet-stream.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	fileID := r.PathValue("file_id")

	data, err := h.Files.GetContent(r.Context(), sessionID, fileID)
	if err != nil {
		if err == filestore.ErrNotFound {
			writeAPIError(w, r, apierrors.NotFound("file", fileID))
			return
		}
		writeAPIError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// DeleteFile handles DELETE /files/{session_id}/{file_id}: always 204,
// regardless of whether the file existed.
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	fileID := r.PathValue("file_id")

	if _, err := h.Files.Delete(r.Context(), sessionID, fileID); err != nil {
		writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
