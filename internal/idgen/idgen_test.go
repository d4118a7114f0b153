package idgen

import (
	"regexp"
	"testing"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{19}[A-Za-z0-9]$`)

func TestNew_Length(t *testing.T) {
	id := New()
	if len(id) != length {
		t.Fatalf("expected length %d, got %d (%q)", length, len(id), id)
	}
}

func TestNew_Charset(t *testing.T) {
	for i := 0; i < 200; i++ {
		id := New()
		if !idPattern.MatchString(id) {
			t.Fatalf("id %q does not match expected charset pattern", id)
		}
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestWrapperFunctions(t *testing.T) {
	for _, fn := range []func() string{NewSessionID, NewFileID, NewExecutionID, NewRequestID} {
		id := fn()
		if !idPattern.MatchString(id) {
			t.Fatalf("wrapper produced invalid id: %q", id)
		}
	}
}
