package statecache

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/coderun/dispatcher/internal/cache"
)

func TestStore_SaveAndGet(t *testing.T) {
	s := New(cache.NewInMemoryCache(), time.Hour)
	ctx := context.Background()
	raw := []byte("hello state")
	b64 := base64.StdEncoding.EncodeToString(raw)

	if err := s.Save(ctx, "sess1", b64, false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "sess1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != b64 {
		t.Fatalf("expected %q, got %q", b64, got)
	}

	gotRaw, err := s.GetRaw(ctx, "sess1")
	if err != nil {
		t.Fatalf("GetRaw: %v", err)
	}
	if string(gotRaw) != string(raw) {
		t.Fatalf("expected raw %q, got %q", raw, gotRaw)
	}
}

func TestStore_HashRoundTrip(t *testing.T) {
	s := New(cache.NewInMemoryCache(), time.Hour)
	ctx := context.Background()
	raw := []byte("some state bytes")
	b64 := base64.StdEncoding.EncodeToString(raw)

	if err := s.Save(ctx, "sess1", b64, false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	hash, err := s.Hash(ctx, "sess1")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hash != ComputeHash(raw) {
		t.Fatalf("expected hash %q, got %q", ComputeHash(raw), hash)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := New(cache.NewInMemoryCache(), time.Hour)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UploadMarker(t *testing.T) {
	s := New(cache.NewInMemoryCache(), time.Hour)
	ctx := context.Background()

	ok, err := s.ConsumeUploadMarker(ctx, "sess1")
	if err != nil {
		t.Fatalf("ConsumeUploadMarker: %v", err)
	}
	if ok {
		t.Fatal("expected no marker before any upload")
	}

	if err := s.SetUploadMarker(ctx, "sess1"); err != nil {
		t.Fatalf("SetUploadMarker: %v", err)
	}

	ok, err = s.ConsumeUploadMarker(ctx, "sess1")
	if err != nil {
		t.Fatalf("ConsumeUploadMarker: %v", err)
	}
	if !ok {
		t.Fatal("expected marker to be present")
	}

	ok, err = s.ConsumeUploadMarker(ctx, "sess1")
	if err != nil {
		t.Fatalf("ConsumeUploadMarker: %v", err)
	}
	if ok {
		t.Fatal("expected marker to be consumed after first read")
	}
}

func TestStore_Delete(t *testing.T) {
	s := New(cache.NewInMemoryCache(), time.Hour)
	ctx := context.Background()
	raw := []byte("x")
	b64 := base64.StdEncoding.EncodeToString(raw)

	if err := s.Save(ctx, "sess1", b64, false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "sess1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "sess1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
