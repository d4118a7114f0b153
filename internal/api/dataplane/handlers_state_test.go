package dataplane

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coderun/dispatcher/internal/cache"
	"github.com/coderun/dispatcher/internal/statecache"
)

func newTestHandler() *Handler {
	return &Handler{HotState: statecache.New(cache.NewInMemoryCache(), time.Hour)}
}

func withPathValues(r *http.Request, kv map[string]string) *http.Request {
	for k, v := range kv {
		r.SetPathValue(k, v)
	}
	return r
}

func TestPutState_RejectsBadVersion(t *testing.T) {
	h := newTestHandler()

	r := withPathValues(httptest.NewRequest(http.MethodPost, "/state/s1", strings.NewReader("\x01payload")), map[string]string{"session_id": "s1"})
	w := httptest.NewRecorder()
	h.PutState(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPutState_ThenGetState_RoundTrips(t *testing.T) {
	h := newTestHandler()

	body := []byte{stateVersion, 'x', 'y', 'z'}
	r := withPathValues(httptest.NewRequest(http.MethodPost, "/state/s1", bytes.NewReader(body)), map[string]string{"session_id": "s1"})
	w := httptest.NewRecorder()
	h.PutState(w, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("PutState: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	r2 := withPathValues(httptest.NewRequest(http.MethodGet, "/state/s1", nil), map[string]string{"session_id": "s1"})
	w2 := httptest.NewRecorder()
	h.GetState(w2, r2)
	if w2.Code != http.StatusOK {
		t.Fatalf("GetState: expected 200, got %d", w2.Code)
	}
	if w2.Body.String() != string(body) {
		t.Fatalf("GetState: body mismatch: got %q want %q", w2.Body.String(), body)
	}
	etag := w2.Header().Get("ETag")
	if etag == "" {
		t.Fatal("GetState: expected ETag header")
	}

	r3 := withPathValues(httptest.NewRequest(http.MethodGet, "/state/s1", nil), map[string]string{"session_id": "s1"})
	r3.Header.Set("If-None-Match", etag)
	w3 := httptest.NewRecorder()
	h.GetState(w3, r3)
	if w3.Code != http.StatusNotModified {
		t.Fatalf("GetState with matching ETag: expected 304, got %d", w3.Code)
	}
}

func TestGetState_MissingReturns404(t *testing.T) {
	h := newTestHandler()
	r := withPathValues(httptest.NewRequest(http.MethodGet, "/state/missing", nil), map[string]string{"session_id": "missing"})
	w := httptest.NewRecorder()
	h.GetState(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStateInfo_NonexistentSession(t *testing.T) {
	h := newTestHandler()
	r := withPathValues(httptest.NewRequest(http.MethodGet, "/state/missing/info", nil), map[string]string{"session_id": "missing"})
	w := httptest.NewRecorder()
	h.StateInfo(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestDeleteState_AlwaysNoContent(t *testing.T) {
	h := newTestHandler()
	r := withPathValues(httptest.NewRequest(http.MethodDelete, "/state/s1", nil), map[string]string{"session_id": "s1"})
	w := httptest.NewRecorder()
	h.DeleteState(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}
