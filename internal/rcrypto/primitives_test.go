package rcrypto

import "testing"

func TestDHAgreement(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}

	sharedA, err := DeriveSession(a.Private, b.Public)
	if err != nil {
		t.Fatalf("derive a->b: %v", err)
	}
	sharedB, err := DeriveSession(b.Private, a.Public)
	if err != nil {
		t.Fatalf("derive b->a: %v", err)
	}

	if !ConstantTimeEqual(sharedA, sharedB) {
		t.Fatalf("shared secrets disagree: %x vs %x", sharedA, sharedB)
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	plaintext := []byte("hello, rootstream")

	ct, err := Seal(key, 42, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := Open(key, 42, ct)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(pt) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestTamperRejection(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	ct, err := Seal(key, 42, []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ct[len(ct)-1] ^= 0x01 // flip a bit in the tag

	if _, err := Open(key, 42, ct); err == nil {
		t.Fatalf("expected auth failure on tampered ciphertext")
	}
}

func TestNonceMismatchRejected(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	ct, err := Seal(key, 0, []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(key, 1, ct); err == nil {
		t.Fatalf("expected failure decrypting under the wrong nonce")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{1, 2, 3}
	c := []byte{1, 2, 4}
	if !ConstantTimeEqual(a, b) {
		t.Fatalf("expected equal")
	}
	if ConstantTimeEqual(a, c) {
		t.Fatalf("expected unequal")
	}
	if ConstantTimeEqual(a, []byte{1, 2}) {
		t.Fatalf("expected length mismatch to be unequal")
	}
}
