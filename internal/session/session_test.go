package session

import (
	"testing"
	"time"

	"rootstream/internal/wire"
)

func pairedSessions(t *testing.T) (*Session, *Session) {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return New(key), New(key)
}

func TestSealAndOpenRoundTrip(t *testing.T) {
	a, b := pairedSessions(t)

	framed, err := a.SealAndSend(wire.TypeControl, []byte("ping"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	pkt, err := wire.Decode(framed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	typ, plaintext, err := b.RecvAndOpen(pkt)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if typ != wire.TypeControl {
		t.Fatalf("type = %#x, want TypeControl", typ)
	}
	if string(plaintext) != "ping" {
		t.Fatalf("plaintext = %q, want ping", plaintext)
	}
}

func TestReplayedPacketRejected(t *testing.T) {
	a, b := pairedSessions(t)

	framed, err := a.SealAndSend(wire.TypeControl, []byte("ping"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pkt, err := wire.Decode(framed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if _, _, err := b.RecvAndOpen(pkt); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, _, err := b.RecvAndOpen(pkt); err == nil {
		t.Fatalf("expected replay rejection on second delivery")
	}
}

func TestTamperedCiphertextRejected(t *testing.T) {
	a, b := pairedSessions(t)

	framed, err := a.SealAndSend(wire.TypeControl, []byte("ping"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	framed[len(framed)-1] ^= 0xFF

	pkt, err := wire.Decode(framed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, _, err := b.RecvAndOpen(pkt); err == nil {
		t.Fatalf("expected auth failure on tampered ciphertext")
	}
}

func TestAuthFailureEscalation(t *testing.T) {
	a, b := pairedSessions(t)

	for i := 0; i < 3; i++ {
		framed, err := a.SealAndSend(wire.TypeControl, []byte("x"))
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		framed[len(framed)-1] ^= 0xFF
		pkt, err := wire.Decode(framed)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, _, err := b.RecvAndOpen(pkt); err == nil {
			t.Fatalf("expected tamper rejection")
		}
	}
	if !b.AuthFailureEscalation(3, time.Minute) {
		t.Fatalf("expected escalation after 3 consecutive auth failures")
	}
}
