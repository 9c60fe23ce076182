package handshake

import "testing"

func TestDialerCompleteAckRoundTrip(t *testing.T) {
	aPub, aPriv := genIdentity(t)
	bPub, bPriv := genIdentity(t)

	dialer := NewDialer(aPriv, aPub)
	payload, err := dialer.BeginHello(bPub)
	if err != nil {
		t.Fatalf("begin hello: %v", err)
	}
	hello, err := UnmarshalHello(payload)
	if err != nil {
		t.Fatalf("unmarshal hello: %v", err)
	}
	if err := hello.Verify(); err != nil {
		t.Fatalf("verify hello: %v", err)
	}

	ack, err := NewHelloAck(bPriv, bPub, hello)
	if err != nil {
		t.Fatalf("new hello ack: %v", err)
	}

	shared, peerPub, err := dialer.CompleteAck(ack)
	if err != nil {
		t.Fatalf("complete ack: %v", err)
	}
	if len(shared) != 32 {
		t.Fatalf("shared key length = %d, want 32", len(shared))
	}
	if string(peerPub) != string(bPub) {
		t.Fatalf("peer public key mismatch")
	}
	if dialer.HasPending(bPub) {
		t.Fatalf("expected pending state cleared after CompleteAck")
	}
}

func TestDialerRejectsUnknownAck(t *testing.T) {
	aPub, aPriv := genIdentity(t)
	bPub, bPriv := genIdentity(t)

	dialer := NewDialer(aPriv, aPub)
	// No BeginHello was ever sent to bPub.
	fakeHello, err := NewHello(bPriv, bPub)
	if err != nil {
		t.Fatalf("new hello: %v", err)
	}
	ack, err := NewHelloAck(bPriv, bPub, fakeHello)
	if err != nil {
		t.Fatalf("new hello ack: %v", err)
	}
	if _, _, err := dialer.CompleteAck(ack); err == nil {
		t.Fatalf("expected CompleteAck to reject an ack with no pending hello")
	}
}

func TestDialerRetryHelloKeepsChallenge(t *testing.T) {
	aPub, aPriv := genIdentity(t)
	bPub, _ := genIdentity(t)

	dialer := NewDialer(aPriv, aPub)
	first, err := dialer.BeginHello(bPub)
	if err != nil {
		t.Fatalf("begin hello: %v", err)
	}
	firstHello, err := UnmarshalHello(first)
	if err != nil {
		t.Fatalf("unmarshal first: %v", err)
	}

	retry, attempts, err := dialer.RetryHello(bPub)
	if err != nil {
		t.Fatalf("retry hello: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	retryHello, err := UnmarshalHello(retry)
	if err != nil {
		t.Fatalf("unmarshal retry: %v", err)
	}
	if err := retryHello.Verify(); err != nil {
		t.Fatalf("verify retry: %v", err)
	}
	if firstHello.Challenge != retryHello.Challenge {
		t.Fatalf("retry changed the pending challenge")
	}

	if _, _, err := dialer.RetryHello(aPub); err == nil {
		t.Fatalf("expected retry with no pending state to fail")
	}
}
