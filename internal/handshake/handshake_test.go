package handshake

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func genIdentity(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestHelloVerifies(t *testing.T) {
	pub, priv := genIdentity(t)
	h, err := NewHello(priv, pub)
	if err != nil {
		t.Fatalf("new hello: %v", err)
	}
	if err := h.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestHelloRejectsTamperedSignature(t *testing.T) {
	pub, priv := genIdentity(t)
	h, err := NewHello(priv, pub)
	if err != nil {
		t.Fatalf("new hello: %v", err)
	}
	h.Signature[0] ^= 0xFF
	if err := h.Verify(); err == nil {
		t.Fatalf("expected verify failure on tampered signature")
	}
}

func TestHelloAckRoundTrip(t *testing.T) {
	initPub, initPriv := genIdentity(t)
	respPub, respPriv := genIdentity(t)

	hello, err := NewHello(initPriv, initPub)
	if err != nil {
		t.Fatalf("new hello: %v", err)
	}
	if err := hello.Verify(); err != nil {
		t.Fatalf("responder verify hello: %v", err)
	}

	ack, err := NewHelloAck(respPriv, respPub, hello)
	if err != nil {
		t.Fatalf("new hello ack: %v", err)
	}
	if err := ack.Verify(hello.Challenge); err != nil {
		t.Fatalf("initiator verify ack: %v", err)
	}
}

func TestHelloAckRejectsWrongEcho(t *testing.T) {
	initPub, initPriv := genIdentity(t)
	respPub, respPriv := genIdentity(t)

	hello, err := NewHello(initPriv, initPub)
	if err != nil {
		t.Fatalf("new hello: %v", err)
	}
	ack, err := NewHelloAck(respPriv, respPub, hello)
	if err != nil {
		t.Fatalf("new hello ack: %v", err)
	}

	var wrongChallenge [ChallengeSize]byte
	if err := ack.Verify(wrongChallenge); err == nil {
		t.Fatalf("expected rejection of mismatched echo challenge")
	}
}

func TestShouldYieldToPeerTiebreak(t *testing.T) {
	lo := ed25519.PublicKey{0x01, 0x02}
	hi := ed25519.PublicKey{0x03, 0x04}

	if ShouldYieldToPeer(lo, hi) {
		t.Fatalf("lexicographically smaller key should not yield")
	}
	if !ShouldYieldToPeer(hi, lo) {
		t.Fatalf("lexicographically larger key should yield")
	}
}

func TestPingTokenRTT(t *testing.T) {
	tok := PingToken()
	rtt := RTTMicros(tok)
	if rtt < 0 {
		t.Fatalf("rtt = %d, want non-negative", rtt)
	}
}
