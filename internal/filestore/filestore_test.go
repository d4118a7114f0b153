package filestore

import (
	"testing"
	"time"
)

func TestEntryFieldsRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond).UTC()
	e := Entry{
		FileID:      "f1",
		SessionID:   "s1",
		Filename:    "out.txt",
		ContentType: "text/plain",
		ObjectKey:   "sessions/s1/outputs/f1",
		CreatedAt:   now,
		Size:        5,
		Origin:      OriginOutput,
	}

	fields := entryToFields(e)
	strFields := make(map[string]string, len(fields))
	for k, v := range fields {
		strFields[k] = v.(string)
	}

	got, err := entryFromFields(e.FileID, e.SessionID, strFields)
	if err != nil {
		t.Fatalf("entryFromFields: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestSessionIDFromKey(t *testing.T) {
	cases := []struct {
		key     string
		want    string
		wantOk  bool
	}{
		{"sessions/abc123/uploads/file1", "abc123", true},
		{"sessions/abc123/outputs/file1", "abc123", true},
		{"states/abc123/state.dat", "", false},
		{"sessions/", "", false},
		{"garbage", "", false},
	}
	for _, c := range cases {
		got, ok := sessionIDFromKey(c.key)
		if ok != c.wantOk || got != c.want {
			t.Fatalf("sessionIDFromKey(%q) = (%q, %v), want (%q, %v)", c.key, got, ok, c.want, c.wantOk)
		}
	}
}

func TestObjectKey(t *testing.T) {
	if got := objectKey("s1", "f1", OriginUpload); got != "sessions/s1/uploads/f1" {
		t.Fatalf("unexpected upload object key: %q", got)
	}
	if got := objectKey("s1", "f1", OriginOutput); got != "sessions/s1/outputs/f1" {
		t.Fatalf("unexpected output object key: %q", got)
	}
}
