// Package rcrypto implements the cryptographic primitives: Ed25519
// keygen, Ed25519→X25519 conversion, X25519 key agreement,
// ChaCha20-Poly1305 AEAD seal/open, and the small helpers (random bytes,
// constant-time compare, secure wipe) everything else in the module is
// built on.
//
// ChaCha20-Poly1305 keeps software performance high without an AES-NI
// dependency and carries little state; Ed25519 identities double as
// X25519 keys via the standard Edwards→Montgomery conversion, which
// keeps the peer code down to a single public value.
package rcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"rootstream/internal/rserrors"
)

const (
	// KeySize is the Ed25519/X25519/shared-key size in bytes.
	KeySize = 32
	// AEADOverhead is the Poly1305 tag length appended to ciphertext.
	AEADOverhead = chacha20poly1305.Overhead
)

// Identity is a fresh Ed25519 keypair: Public is also the peer-code
// identity and doubles, via conversion, as an X25519 KEM key.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Init is idempotent one-time crypto setup. crypto/rand and
// golang.org/x/crypto draw from the OS CSPRNG directly, so there is no
// global state to initialize; Init exists to give callers (and tests) an
// explicit place to call before any other crypto operation.
func Init() error {
	return nil
}

// GenerateIdentity returns a fresh Ed25519 keypair.
func GenerateIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity: %w: %v", rserrors.ErrCrypto, err)
	}
	return Identity{Public: pub, Private: priv}, nil
}

// DeriveSession computes the shared 32-byte symmetric key for a peer pair
// via Ed25519→X25519 conversion followed by X25519 scalar multiplication.
// Both sides of a handshake compute the same value from (mySecret,
// peerPublic) and (peerSecret, myPublic).
func DeriveSession(mySecret ed25519.PrivateKey, peerPublic ed25519.PublicKey) ([]byte, error) {
	xSecret, err := edPrivateToX25519(mySecret)
	if err != nil {
		return nil, fmt.Errorf("derive session: %w: %v", rserrors.ErrCrypto, err)
	}
	defer SecureWipe(xSecret)

	xPublic, err := edPublicToX25519(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("derive session: %w: %v", rserrors.ErrCrypto, err)
	}

	shared, err := x25519(xSecret, xPublic)
	if err != nil {
		return nil, fmt.Errorf("derive session: %w: %v", rserrors.ErrCrypto, err)
	}
	return shared, nil
}

// sealNonce encodes a 64-bit counter as the 12-byte AEAD nonce: little
// endian, right-padded with zeros. The AEAD nonce is a per-session
// counter kept separate from the 16-bit wire sequence field.
func sealNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[:8], counter)
	return n
}

// Seal AEAD-seals plaintext under key at the given 64-bit nonce counter,
// with no associated data. The output is ciphertext||tag.
func Seal(key []byte, nonceCounter uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w: %v", rserrors.ErrCrypto, err)
	}
	nonce := sealNonce(nonceCounter)
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Open AEAD-opens ciphertext||tag under key at the given nonce counter. A
// tag mismatch returns rserrors.ErrAuthFailed without ever handing back
// partial plaintext.
func Open(key []byte, nonceCounter uint64, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("open: %w: %v", rserrors.ErrCrypto, err)
	}
	nonce := sealNonce(nonceCounter)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, rserrors.ErrAuthFailed
	}
	return plaintext, nil
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("random bytes: %w: %v", rserrors.ErrCrypto, err)
	}
	return b, nil
}

// ConstantTimeEqual reports whether a and b are equal, in time
// independent of where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SecureWipe zeroes buf in place. Go's garbage collector may have already
// copied the backing array elsewhere, so this is best-effort rather
// than a hard guarantee.
func SecureWipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
