package discovery

import (
	"fmt"
	"testing"
)

func TestCacheAddAndGet(t *testing.T) {
	c := NewCache()
	if err := c.Add(CacheEntry{Hostname: "alice", LastSeenUS: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	e, ok := c.Get("alice")
	if !ok {
		t.Fatalf("expected to find alice")
	}
	if e.ContactCount != 0 {
		t.Fatalf("contact count = %d, want 0 on first add", e.ContactCount)
	}
}

func TestCacheAddBumpsContactCount(t *testing.T) {
	c := NewCache()
	_ = c.Add(CacheEntry{Hostname: "alice", LastSeenUS: 1})
	_ = c.Add(CacheEntry{Hostname: "alice", LastSeenUS: 2})
	e, _ := c.Get("alice")
	if e.ContactCount != 1 {
		t.Fatalf("contact count = %d, want 1 after second add", e.ContactCount)
	}
}

func TestCacheOverflowRejected(t *testing.T) {
	c := NewCache()
	for i := 0; i < MaxCachedPeers; i++ {
		host := fmt.Sprintf("peer-%d", i)
		if err := c.Add(CacheEntry{Hostname: host, LastSeenUS: int64(i)}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if err := c.Add(CacheEntry{Hostname: "overflow"}); err == nil {
		t.Fatalf("expected overflow rejection")
	}
}

func TestCacheRemove(t *testing.T) {
	c := NewCache()
	_ = c.Add(CacheEntry{Hostname: "alice"})
	if !c.Remove("alice") {
		t.Fatalf("expected removal to succeed")
	}
	if _, ok := c.Get("alice"); ok {
		t.Fatalf("alice still present after remove")
	}
	if c.Stats().TotalLosses != 1 {
		t.Fatalf("expected a recorded loss")
	}
}

func TestCacheExpire(t *testing.T) {
	c := NewCache()
	_ = c.Add(CacheEntry{Hostname: "alice", LastSeenUS: 0, TTL: DefaultTTL})

	halfTTL := DefaultTTL.Microseconds()/2 + 1
	c.Expire(halfTTL)
	e, ok := c.Get("alice")
	if !ok {
		t.Fatalf("alice should still be cached past half TTL")
	}
	if e.IsOnline {
		t.Fatalf("expected alice marked offline past half TTL")
	}

	pastTTL := DefaultTTL.Microseconds() + 1
	c.Expire(pastTTL)
	if _, ok := c.Get("alice"); ok {
		t.Fatalf("alice should be expired past full TTL")
	}
}

func TestCacheUpdateSeen(t *testing.T) {
	c := NewCache()
	_ = c.Add(CacheEntry{Hostname: "alice", LastSeenUS: 0})
	if !c.UpdateSeen("alice", 42) {
		t.Fatalf("expected update to succeed")
	}
	e, _ := c.Get("alice")
	if e.LastSeenUS != 42 || !e.IsOnline {
		t.Fatalf("update seen did not apply: %+v", e)
	}
}
