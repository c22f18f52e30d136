package servedcache

import (
	"strconv"
	"testing"
	"time"

	"github.com/evolvingprimate/algorhythmic/internal/core/model"
)

func art(ids ...string) []model.Artwork {
	out := make([]model.Artwork, len(ids))
	for i, id := range ids {
		out[i] = model.Artwork{ID: id, ImageURL: "https://cdn.example/" + id + ".png"}
	}
	return out
}

func TestFilterDropsServed(t *testing.T) {
	c := New(16, 30*time.Minute)
	c.MarkServed("s1", "u1", []string{"a", "b"}, model.TierFresh)

	got := c.Filter("s1", "u1", art("a", "b", "c"))
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("filtered=%v want only c", got)
	}
}

func TestFilterScopedToKey(t *testing.T) {
	c := New(16, 30*time.Minute)
	c.MarkServed("s1", "u1", []string{"a"}, model.TierFresh)

	got := c.Filter("s2", "u1", art("a", "b"))
	if len(got) != 2 {
		t.Fatalf("filtered=%v, another session must see everything", got)
	}
}

func TestFilterDoesNotMutateCandidates(t *testing.T) {
	c := New(16, 30*time.Minute)
	c.MarkServed("s1", "u1", []string{"a"}, model.TierFresh)

	in := art("a", "b", "c")
	_ = c.Filter("s1", "u1", in)
	if in[0].ID != "a" || in[1].ID != "b" || in[2].ID != "c" {
		t.Fatalf("candidates mutated: %v", in)
	}
}

func TestServedExpiresAfterTTL(t *testing.T) {
	c := New(16, 10*time.Minute)
	base := time.Unix(0, 0).UTC()
	c.now = func() time.Time { return base }

	c.MarkServed("s1", "u1", []string{"a", "b"}, model.TierStyle)

	c.now = func() time.Time { return base.Add(11 * time.Minute) }
	got := c.Filter("s1", "u1", art("a", "b", "c"))
	if len(got) != 3 {
		t.Fatalf("filtered=%v want all back after TTL expiry", got)
	}
	if seen := c.Served("s1", "u1"); len(seen) != 0 {
		t.Fatalf("served=%v want empty after expiry", seen)
	}
}

func TestPerKeyCapRollsOldestOff(t *testing.T) {
	c := New(16, time.Hour)
	for i := 0; i < maxServedPerKey; i++ {
		c.MarkServed("s1", "u1", []string{"art-" + strconv.Itoa(i)}, model.TierFresh)
	}
	c.MarkServed("s1", "u1", []string{"newest"}, model.TierFresh)

	seen := c.Served("s1", "u1")
	if len(seen) != maxServedPerKey {
		t.Fatalf("served size=%d want %d", len(seen), maxServedPerKey)
	}
	if _, ok := seen["newest"]; !ok {
		t.Fatal("newest id must survive the roll-off")
	}
	if _, ok := seen["art-0"]; ok {
		t.Fatal("oldest id should have rolled off")
	}
}

func TestKeyCapacityEvictsLRU(t *testing.T) {
	c := New(2, time.Hour)
	c.MarkServed("s1", "u1", []string{"a"}, model.TierFresh)
	c.MarkServed("s2", "u1", []string{"b"}, model.TierFresh)
	c.MarkServed("s3", "u1", []string{"c"}, model.TierFresh)

	if c.Len() != 2 {
		t.Fatalf("len=%d want 2", c.Len())
	}
	if seen := c.Served("s1", "u1"); seen != nil {
		t.Fatalf("served=%v want s1 evicted", seen)
	}
}
