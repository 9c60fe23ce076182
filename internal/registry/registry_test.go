package registry

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func genKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub
}

func TestRegistryCapacity(t *testing.T) {
	r := New(2)
	p1 := NewPeer(genKey(t), "a", nil)
	p2 := NewPeer(genKey(t), "b", nil)
	p3 := NewPeer(genKey(t), "c", nil)

	if err := r.Add(p1); err != nil {
		t.Fatalf("add p1: %v", err)
	}
	if err := r.Add(p2); err != nil {
		t.Fatalf("add p2: %v", err)
	}
	if err := r.Add(p3); err == nil {
		t.Fatalf("expected capacity error adding p3")
	}
	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}
}

func TestRegistryOverwritesDuplicateKey(t *testing.T) {
	r := New(4)
	key := genKey(t)
	p1 := NewPeer(key, "old-name", nil)
	p2 := NewPeer(key, "new-name", nil)

	if err := r.Add(p1); err != nil {
		t.Fatalf("add p1: %v", err)
	}
	if err := r.Add(p2); err != nil {
		t.Fatalf("add p2: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected overwrite to keep len at 1, got %d", r.Len())
	}
	got, ok := r.Get(key)
	if !ok {
		t.Fatalf("expected to find peer")
	}
	if got.Hostname != "new-name" {
		t.Fatalf("hostname = %q, want new-name", got.Hostname)
	}
}

func TestRegistryRemoveTailShifts(t *testing.T) {
	r := New(4)
	keys := []ed25519.PublicKey{genKey(t), genKey(t), genKey(t)}
	for i, k := range keys {
		if err := r.Add(NewPeer(k, string(rune('a'+i)), nil)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	r.Remove(keys[0])
	if r.Len() != 2 {
		t.Fatalf("len after remove = %d, want 2", r.Len())
	}
	if _, ok := r.Get(keys[0]); ok {
		t.Fatalf("removed peer still present")
	}
	if _, ok := r.Get(keys[1]); !ok {
		t.Fatalf("remaining peer missing after tail shift")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	var rc ReconnectState
	rc.BackoffMS = InitialBackoffMS

	want := []int{100, 200, 400, 800, 1600, 3200, 6400, 12800, 25600, 30000}
	var now int64
	for i, w := range want {
		exhausted := rc.RecordFailure(now)
		if rc.BackoffMS != w {
			t.Fatalf("attempt %d: backoff = %d, want %d", i+1, rc.BackoffMS, w)
		}
		shouldExhaust := i+1 >= MaxAttempts
		if exhausted != shouldExhaust {
			t.Fatalf("attempt %d: exhausted = %v, want %v", i+1, exhausted, shouldExhaust)
		}
		now = rc.NextAttemptMS
	}
}

func TestBackoffResetsOnSuccess(t *testing.T) {
	var rc ReconnectState
	rc.BackoffMS = InitialBackoffMS
	rc.RecordFailure(0)
	rc.RecordFailure(0)
	rc.Reset()
	if rc.BackoffMS != InitialBackoffMS || rc.AttemptCount != 0 {
		t.Fatalf("reset did not restore baseline: %+v", rc)
	}
}
