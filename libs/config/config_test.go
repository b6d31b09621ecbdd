package config

import (
	"testing"
	"time"
)

func TestPort(t *testing.T) {
	t.Setenv("TEST_PORT", "8080")
	if p, err := Port("TEST_PORT", "1"); err != nil || p != "8080" {
		t.Fatalf("expected 8080, got %q (%v)", p, err)
	}
	t.Setenv("TEST_PORT", "99999")
	if _, err := Port("TEST_PORT", "1"); err == nil {
		t.Fatal("expected error for out of range port")
	}
}

func TestIntBoolSeconds(t *testing.T) {
	t.Setenv("TEST_INT", "12")
	t.Setenv("TEST_BAD_INT", "-3")
	t.Setenv("TEST_BOOL", "Yes")
	t.Setenv("TEST_SECONDS", "30")

	if got := Int("TEST_INT", 1); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	if got := Int("TEST_BAD_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if !Bool("TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	if !Bool("TEST_MISSING_BOOL", true) {
		t.Fatal("expected fallback true")
	}
	if got := Seconds("TEST_SECONDS", time.Second); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
}

func TestList(t *testing.T) {
	t.Setenv("TEST_LIST", " a, ,b ,c")
	got := List("TEST_LIST", "")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected list: %v", got)
	}
}
