package store

import (
	"testing"
	"time"
)

func TestTTLCacheExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewTTLCache[string](time.Minute, func() time.Time { return now })

	c.Set("call-1", "prompt")
	if v, ok := c.Get("call-1"); !ok || v != "prompt" {
		t.Fatalf("Get = %q, %v", v, ok)
	}

	now = now.Add(59 * time.Second)
	if _, ok := c.Get("call-1"); !ok {
		t.Error("entry expired before its TTL")
	}

	now = now.Add(2 * time.Second)
	if _, ok := c.Get("call-1"); ok {
		t.Error("entry survived past its TTL")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after lazy expiry, want 0", c.Len())
	}
}

func TestTTLCachePurge(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewTTLCache[int](time.Minute, func() time.Time { return now })

	c.Set("a", 1)
	c.Set("b", 2)
	now = now.Add(30 * time.Second)
	c.Set("c", 3)
	now = now.Add(45 * time.Second)

	if removed := c.Purge(); removed != 2 {
		t.Errorf("Purge removed %d, want 2", removed)
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("fresh entry purged")
	}
}

func TestTTLCacheDelete(t *testing.T) {
	c := NewTTLCache[int](time.Minute, nil)
	c.Set("a", 1)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("deleted entry still present")
	}
}
