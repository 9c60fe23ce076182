package replay

import "testing"

func TestFirstNonceAlwaysAccepted(t *testing.T) {
	var w Window
	if !w.Accept(42) {
		t.Fatalf("expected first nonce to be accepted")
	}
}

func TestReplayRejected(t *testing.T) {
	var w Window
	if !w.Accept(5) {
		t.Fatalf("expected accept")
	}
	if w.Accept(5) {
		t.Fatalf("expected replay of nonce 5 to be rejected")
	}
}

func TestOutOfOrderWithinWindowAccepted(t *testing.T) {
	var w Window
	w.Accept(100)
	if !w.Accept(90) {
		t.Fatalf("expected nonce within trailing window to be accepted")
	}
	if w.Accept(90) {
		t.Fatalf("expected second delivery of nonce 90 to be rejected")
	}
}

func TestTooFarBehindRejected(t *testing.T) {
	var w Window
	w.Accept(1000)
	if w.Accept(1000 - windowWidth) {
		t.Fatalf("expected nonce exactly at window edge to be rejected")
	}
	if w.Accept(0) {
		t.Fatalf("expected ancient nonce to be rejected")
	}
}

func TestAdvancingWindowShiftsBitmap(t *testing.T) {
	var w Window
	w.Accept(10)
	w.Accept(11)
	w.Accept(12)
	if w.High() != 12 {
		t.Fatalf("high = %d, want 12", w.High())
	}
	if !w.Accept(9) {
		t.Fatalf("expected nonce 9 to still be in window")
	}
	if w.Accept(9) {
		t.Fatalf("expected replay of 9 to be rejected")
	}
}

func TestLargeJumpResetsWindow(t *testing.T) {
	var w Window
	w.Accept(5)
	if !w.Accept(100000) {
		t.Fatalf("expected far-future nonce to be accepted")
	}
	if w.Accept(5) {
		t.Fatalf("old nonce should now be far outside the window")
	}
}

func TestCheckDoesNotCommit(t *testing.T) {
	var w Window
	w.Accept(10)
	if !w.Check(50) {
		t.Fatalf("expected fresh nonce to pass check")
	}
	if w.High() != 10 {
		t.Fatalf("check must not advance the window, high = %d", w.High())
	}
	if !w.Accept(50) {
		t.Fatalf("checked nonce should still be acceptable afterward")
	}
	if w.Check(50) {
		t.Fatalf("committed nonce should now fail check")
	}
}
