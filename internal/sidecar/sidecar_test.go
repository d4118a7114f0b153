package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	u := strings.TrimPrefix(server.URL, "http://")
	host, portStr, err := splitHostPort(u)
	if err != nil {
		t.Fatalf("parsing test server address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing test server port: %v", err)
	}
	return New(host, port), server.Close
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "0", nil
	}
	return addr[:idx], addr[idx+1:], nil
}

func TestClient_HealthOK(t *testing.T) {
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestClient_HealthNonOK(t *testing.T) {
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer closeFn()

	if err := client.Health(context.Background()); err == nil {
		t.Fatal("expected error for non-200 health response")
	}
}

func TestClient_ExecuteSuccess(t *testing.T) {
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Code != "print('hi')" {
			t.Fatalf("unexpected code in request: %q", req.Code)
		}
		json.NewEncoder(w).Encode(ExecuteResponse{
			ExitCode: 0,
			Stdout:   "hi\n",
		})
	})
	defer closeFn()

	resp, err := client.Execute(context.Background(), ExecuteRequest{Code: "print('hi')", TimeoutSecs: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.ExitCode != 0 || resp.Stdout != "hi\n" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClient_ExecuteNonOKStatus(t *testing.T) {
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer closeFn()

	resp, err := client.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSecs: 5})
	if err != nil {
		t.Fatalf("Execute should not return a transport error for a sidecar-level failure: %v", err)
	}
	if resp.ExitCode != 1 {
		t.Fatalf("expected exit_code=1, got %d", resp.ExitCode)
	}
}

func TestClient_ReadFileCanonicalizesTraversal(t *testing.T) {
	var gotPath string
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("contents"))
	})
	defer closeFn()

	data, err := client.ReadFile(context.Background(), "../../etc/passwd")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "contents" {
		t.Fatalf("unexpected body: %q", data)
	}
	// Traversal above root is clamped by canonicalization, never escaping /files.
	if gotPath != "/files/etc/passwd" {
		t.Fatalf("expected canonicalized path /files/etc/passwd, got %q", gotPath)
	}
}
