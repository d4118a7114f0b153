package sessionreg

import (
	"testing"
	"time"
)

func TestFieldsRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond).UTC()
	s := Session{
		ID:         "abc123",
		Status:     StatusActive,
		CreatedAt:  now,
		LastActive: now,
		ExpiresAt:  now.Add(2 * time.Hour),
		EntityID:   "entity-1",
		UserID:     "user-1",
		Metadata:   map[string]string{"k": "v"},
	}

	fields, err := toFields(s)
	if err != nil {
		t.Fatalf("toFields: %v", err)
	}

	strFields := make(map[string]string, len(fields))
	for k, v := range fields {
		strFields[k] = v.(string)
	}

	got, err := fromFields(s.ID, strFields)
	if err != nil {
		t.Fatalf("fromFields: %v", err)
	}

	if got.ID != s.ID || got.Status != s.Status || got.EntityID != s.EntityID || got.UserID != s.UserID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, s)
	}
	if !got.CreatedAt.Equal(s.CreatedAt) || !got.ExpiresAt.Equal(s.ExpiresAt) {
		t.Fatalf("timestamp round trip mismatch: got %+v, want %+v", got, s)
	}
	if got.Metadata["k"] != "v" {
		t.Fatalf("metadata round trip mismatch: got %+v", got.Metadata)
	}
}

func TestFieldsRoundTrip_EmptyMetadata(t *testing.T) {
	s := Session{ID: "x", Status: StatusIdle}
	fields, err := toFields(s)
	if err != nil {
		t.Fatalf("toFields: %v", err)
	}
	strFields := map[string]string{}
	for k, v := range fields {
		strFields[k] = v.(string)
	}
	got, err := fromFields(s.ID, strFields)
	if err != nil {
		t.Fatalf("fromFields: %v", err)
	}
	if got.Status != StatusIdle {
		t.Fatalf("expected status idle, got %v", got.Status)
	}
}
