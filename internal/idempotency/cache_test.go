package idempotency

import (
	"testing"
	"time"
)

func TestGetReturnsCachedValue(t *testing.T) {
	c := New(16, 5*time.Minute)
	c.Put("u1", "k1", []byte(`{"frames":3}`))

	got, ok := c.Get("u1", "k1")
	if !ok || string(got) != `{"frames":3}` {
		t.Fatalf("got=%q ok=%v want cached value", got, ok)
	}
}

func TestKeysScopedPerUser(t *testing.T) {
	c := New(16, 5*time.Minute)
	c.Put("u1", "k1", []byte("one"))

	if _, ok := c.Get("u2", "k1"); ok {
		t.Fatal("another user must not see the cached response")
	}
}

func TestGetAfterTTLMisses(t *testing.T) {
	c := New(16, 5*time.Minute)
	base := time.Unix(0, 0).UTC()
	c.now = func() time.Time { return base }
	c.Put("u1", "k1", []byte("one"))

	c.now = func() time.Time { return base.Add(6 * time.Minute) }
	if _, ok := c.Get("u1", "k1"); ok {
		t.Fatal("expired entry must miss")
	}
	if c.Len() != 0 {
		t.Fatalf("len=%d want 0, expired read should remove", c.Len())
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c := New(16, 5*time.Minute)
	base := time.Unix(0, 0).UTC()
	c.now = func() time.Time { return base }
	c.Put("u1", "old", []byte("one"))

	c.now = func() time.Time { return base.Add(3 * time.Minute) }
	c.Put("u1", "new", []byte("two"))

	c.now = func() time.Time { return base.Add(6 * time.Minute) }
	c.sweep()

	if c.Len() != 1 {
		t.Fatalf("len=%d want 1 after sweep", c.Len())
	}
	if _, ok := c.Get("u1", "new"); !ok {
		t.Fatal("unexpired entry must survive the sweep")
	}
}

func TestCapacityEvicts(t *testing.T) {
	c := New(2, 5*time.Minute)
	c.Put("u1", "a", []byte("1"))
	c.Put("u1", "b", []byte("2"))
	c.Put("u1", "c", []byte("3"))

	if c.Len() != 2 {
		t.Fatalf("len=%d want 2", c.Len())
	}
	if _, ok := c.Get("u1", "a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
}
