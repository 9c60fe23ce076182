// Wire marshalling for HELLO/HELLO_ACK/PING/PONG payloads. These travel
// inside wire.Packet payloads in cleartext — the receiver needs the
// sender's key before it can decrypt anything — packed little-endian
// at fixed offsets like the rest of the protocol.
package handshake

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"rootstream/internal/rserrors"
)

const helloWireSize = ed25519.PublicKeySize + ChallengeSize + 4 + ed25519.SignatureSize
const helloAckWireSize = ed25519.PublicKeySize + 2*ChallengeSize + ed25519.SignatureSize
const pingWireSize = 8

// MarshalHello encodes h for the wire.
func MarshalHello(h Hello) []byte {
	buf := make([]byte, helloWireSize)
	off := 0
	copy(buf[off:], h.PublicKey)
	off += ed25519.PublicKeySize
	copy(buf[off:], h.Challenge[:])
	off += ChallengeSize
	binary.LittleEndian.PutUint32(buf[off:off+4], h.Timestamp)
	off += 4
	copy(buf[off:], h.Signature)
	return buf
}

// UnmarshalHello parses a HELLO payload. Never panics on malformed
// input.
func UnmarshalHello(buf []byte) (Hello, error) {
	if len(buf) != helloWireSize {
		return Hello{}, fmt.Errorf("unmarshal hello: %w: bad length %d", rserrors.ErrAuthFailed, len(buf))
	}
	var h Hello
	off := 0
	h.PublicKey = append(ed25519.PublicKey(nil), buf[off:off+ed25519.PublicKeySize]...)
	off += ed25519.PublicKeySize
	copy(h.Challenge[:], buf[off:off+ChallengeSize])
	off += ChallengeSize
	h.Timestamp = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	h.Signature = append([]byte(nil), buf[off:]...)
	return h, nil
}

// MarshalHelloAck encodes a for the wire.
func MarshalHelloAck(a HelloAck) []byte {
	buf := make([]byte, helloAckWireSize)
	off := 0
	copy(buf[off:], a.PublicKey)
	off += ed25519.PublicKeySize
	copy(buf[off:], a.EchoChallenge[:])
	off += ChallengeSize
	copy(buf[off:], a.OwnChallenge[:])
	off += ChallengeSize
	copy(buf[off:], a.Signature)
	return buf
}

// UnmarshalHelloAck parses a HELLO_ACK payload.
func UnmarshalHelloAck(buf []byte) (HelloAck, error) {
	if len(buf) != helloAckWireSize {
		return HelloAck{}, fmt.Errorf("unmarshal hello_ack: %w: bad length %d", rserrors.ErrAuthFailed, len(buf))
	}
	var a HelloAck
	off := 0
	a.PublicKey = append(ed25519.PublicKey(nil), buf[off:off+ed25519.PublicKeySize]...)
	off += ed25519.PublicKeySize
	copy(a.EchoChallenge[:], buf[off:off+ChallengeSize])
	off += ChallengeSize
	copy(a.OwnChallenge[:], buf[off:off+ChallengeSize])
	off += ChallengeSize
	a.Signature = append([]byte(nil), buf[off:]...)
	return a, nil
}

// MarshalToken encodes a PING/PONG 64-bit token for the wire.
func MarshalToken(token uint64) []byte {
	buf := make([]byte, pingWireSize)
	binary.LittleEndian.PutUint64(buf, token)
	return buf
}

// UnmarshalToken parses a PING/PONG payload.
func UnmarshalToken(buf []byte) (uint64, error) {
	if len(buf) != pingWireSize {
		return 0, fmt.Errorf("unmarshal token: %w: bad length %d", rserrors.ErrAuthFailed, len(buf))
	}
	return binary.LittleEndian.Uint64(buf), nil
}
