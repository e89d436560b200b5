package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewID("pg")
		if !strings.HasPrefix(id, "pg_") {
			t.Fatalf("expected pg_ prefix, got %q", id)
		}
		if len(id) != len("pg_")+32 {
			t.Fatalf("unexpected id length for %q", id)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatal("expected bare id without prefix separator")
	}
}
