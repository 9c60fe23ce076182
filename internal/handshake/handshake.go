// Package handshake implements the signed HELLO/HELLO_ACK exchange and
// PING/PONG liveness pair.
//
// The construction is a single signed challenge/echo, not a
// multi-message Diffie-Hellman ratchet: each side signs its public
// key, a random 16-byte challenge, and a timestamp, and the ACK echoes
// the initiator's challenge to bind the two halves. The session key
// comes from X25519 over the (converted) identity keys.
package handshake

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"rootstream/internal/rcrypto"
	"rootstream/internal/rserrors"
	"rootstream/internal/rstime"
)

// ChallengeSize is the random nonce carried in HELLO.
const ChallengeSize = 16

// HandshakeTimeoutMS is how long an initiator waits for HELLO_ACK before
// retrying once, then failing.
const HandshakeTimeoutMS = 3000

// PingIntervalMS and MaxMissedPings govern liveness.
const (
	PingIntervalMS = 1000
	MaxMissedPings = 3
)

// Hello is the initiator's signed opening message.
type Hello struct {
	PublicKey ed25519.PublicKey
	Challenge [ChallengeSize]byte
	Timestamp uint32
	Signature []byte
}

// HelloAck is the responder's signed reply, echoing the initiator's
// challenge and presenting its own.
type HelloAck struct {
	PublicKey     ed25519.PublicKey
	EchoChallenge [ChallengeSize]byte
	OwnChallenge  [ChallengeSize]byte
	Signature     []byte
}

// helloSignedRegion lays out the bytes that get Ed25519-signed for a HELLO:
// public key || challenge || timestamp. Binding the claimed key into the
// signed region lets the receiver check it against the key used to
// verify.
func helloSignedRegion(pub ed25519.PublicKey, challenge [ChallengeSize]byte, timestamp uint32) []byte {
	buf := make([]byte, 0, ed25519.PublicKeySize+ChallengeSize+4)
	buf = append(buf, pub...)
	buf = append(buf, challenge[:]...)
	var ts [4]byte
	binary.LittleEndian.PutUint32(ts[:], timestamp)
	buf = append(buf, ts[:]...)
	return buf
}

func ackSignedRegion(pub ed25519.PublicKey, echo, own [ChallengeSize]byte) []byte {
	buf := make([]byte, 0, ed25519.PublicKeySize+2*ChallengeSize)
	buf = append(buf, pub...)
	buf = append(buf, echo[:]...)
	buf = append(buf, own[:]...)
	return buf
}

// NewHello builds and signs a HELLO from the local identity.
func NewHello(priv ed25519.PrivateKey, pub ed25519.PublicKey) (Hello, error) {
	var challenge [ChallengeSize]byte
	b, err := rcrypto.RandomBytes(ChallengeSize)
	if err != nil {
		return Hello{}, fmt.Errorf("new hello: %w: %v", rserrors.ErrCrypto, err)
	}
	copy(challenge[:], b)

	ts := rstime.WireTimestamp32()
	sig := ed25519.Sign(priv, helloSignedRegion(pub, challenge, ts))

	return Hello{
		PublicKey: append(ed25519.PublicKey(nil), pub...),
		Challenge: challenge,
		Timestamp: ts,
		Signature: sig,
	}, nil
}

// Verify checks a HELLO's signature against its own claimed key.
func (h Hello) Verify() error {
	if len(h.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("verify hello: %w: bad key length", rserrors.ErrAuthFailed)
	}
	if !ed25519.Verify(h.PublicKey, helloSignedRegion(h.PublicKey, h.Challenge, h.Timestamp), h.Signature) {
		return fmt.Errorf("verify hello: %w: signature mismatch", rserrors.ErrAuthFailed)
	}
	return nil
}

// NewHelloAck builds and signs the response to an inbound HELLO.
func NewHelloAck(priv ed25519.PrivateKey, pub ed25519.PublicKey, inReplyTo Hello) (HelloAck, error) {
	var own [ChallengeSize]byte
	b, err := rcrypto.RandomBytes(ChallengeSize)
	if err != nil {
		return HelloAck{}, fmt.Errorf("new hello ack: %w: %v", rserrors.ErrCrypto, err)
	}
	copy(own[:], b)

	sig := ed25519.Sign(priv, ackSignedRegion(pub, inReplyTo.Challenge, own))
	return HelloAck{
		PublicKey:     append(ed25519.PublicKey(nil), pub...),
		EchoChallenge: inReplyTo.Challenge,
		OwnChallenge:  own,
		Signature:     sig,
	}, nil
}

// Verify checks a HELLO_ACK's signature and that it echoes the
// initiator's original challenge.
func (a HelloAck) Verify(expectChallenge [ChallengeSize]byte) error {
	if len(a.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("verify hello_ack: %w: bad key length", rserrors.ErrAuthFailed)
	}
	if a.EchoChallenge != expectChallenge {
		return fmt.Errorf("verify hello_ack: %w: challenge echo mismatch", rserrors.ErrAuthFailed)
	}
	if !ed25519.Verify(a.PublicKey, ackSignedRegion(a.PublicKey, a.EchoChallenge, a.OwnChallenge), a.Signature) {
		return fmt.Errorf("verify hello_ack: %w: signature mismatch", rserrors.ErrAuthFailed)
	}
	return nil
}

// ShouldYieldToPeer implements the concurrent-initiation tiebreak: the
// lexicographically smaller public key wins and keeps initiating; the
// other side discards its own initiator state.
func ShouldYieldToPeer(mine, theirs ed25519.PublicKey) bool {
	for i := 0; i < len(mine) && i < len(theirs); i++ {
		if mine[i] != theirs[i] {
			return mine[i] > theirs[i]
		}
	}
	return false
}

// PingToken encodes the current capture time in microseconds as the
// PING's 64-bit token.
func PingToken() uint64 {
	return uint64(rstime.NowUS())
}

// RTTMicros computes the round-trip estimate from a PONG's echoed token.
func RTTMicros(token uint64) int64 {
	return rstime.SinceUS(int64(token))
}
