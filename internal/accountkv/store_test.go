package accountkv

import (
	"path/filepath"
	"testing"
)

func TestBindAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.kv")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Lookup("tok-1"); ok {
		t.Fatalf("expected no mapping for a fresh token")
	}
	if err := s.Bind("tok-1", 42); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	id, ok := s.Lookup("tok-1")
	if !ok || id != 42 {
		t.Fatalf("expected tok-1 -> 42, got %d ok=%v", id, ok)
	}
	s.Close()
}

func TestMappingSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.kv")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Bind("tok-1", 7); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	id, ok := s2.Lookup("tok-1")
	if !ok || id != 7 {
		t.Fatalf("expected mapping to survive reopen, got %d ok=%v", id, ok)
	}
}

func TestRebindSameAccountIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.kv")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Bind("tok-1", 42); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := s.Bind("tok-1", 42); err != nil {
		t.Fatalf("re-bind with same id should be a no-op, got error: %v", err)
	}
	if err := s.Bind("tok-1", 43); err == nil {
		t.Fatalf("expected error re-binding token to a different account")
	}
}
