// Package session implements the per-peer AEAD session state established
// after a successful handshake: shared key,
// monotonically increasing send nonce, and a replay window for inbound
// nonces.
//
// Wire nonce placement: the 16-bit wire sequence and the 64-bit AEAD
// nonce are deliberately distinct — a 16-bit field wraps far too fast
// to drive the AEAD. The AEAD nonce counter is carried explicitly as
// an 8-byte little-endian prefix inside the packet payload, ahead of the
// ciphertext||tag; the wire header's 16-bit Sequence field carries only
// the low 16 bits of that counter, for ordering/debugging, and is never
// fed to the AEAD.
package session

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rootstream/internal/rcrypto"
	"rootstream/internal/replay"
	"rootstream/internal/rserrors"
	"rootstream/internal/rstime"
	"rootstream/internal/wire"
)

const nonceTagSize = 8

// MaxPlaintextSize is the largest plaintext SealAndSend can frame into
// one packet: the wire payload ceiling minus the nonce prefix and the
// AEAD tag.
const MaxPlaintextSize = wire.MaxPayloadSize - nonceTagSize - rcrypto.AEADOverhead

// Session is the AEAD state bound to one peer once handshake succeeds.
type Session struct {
	sharedKey []byte

	sendNonce atomic.Uint64
	recvWin   replay.Window

	authenticated atomic.Bool

	mu              sync.Mutex
	authFailures    int
	firstFailureMS  int64
}

// New constructs a Session bound to sharedKey. The caller is expected to
// secure-wipe sharedKey's original copy once New has taken ownership.
func New(sharedKey []byte) *Session {
	s := &Session{sharedKey: append([]byte(nil), sharedKey...)}
	s.authenticated.Store(true)
	return s
}

// Authenticated reports whether this session is still usable.
func (s *Session) Authenticated() bool {
	return s.authenticated.Load()
}

// Close wipes the shared key and marks the session unusable.
func (s *Session) Close() {
	rcrypto.SecureWipe(s.sharedKey)
	s.authenticated.Store(false)
}

// SealAndSend increments the send-nonce counter, AEAD-seals plaintext,
// and returns a fully framed packet ready for the transport.
func (s *Session) SealAndSend(typ uint8, plaintext []byte) ([]byte, error) {
	if !s.Authenticated() {
		return nil, fmt.Errorf("seal: %w: session closed", rserrors.ErrCrypto)
	}
	nonce := s.sendNonce.Add(1) - 1

	ct, err := rcrypto.Seal(s.sharedKey, nonce, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	payload := make([]byte, nonceTagSize+len(ct))
	binary.LittleEndian.PutUint64(payload[:nonceTagSize], nonce)
	copy(payload[nonceTagSize:], ct)

	return wire.Encode(typ, uint16(nonce), rstime.WireTimestamp32(), payload)
}

// RecvAndOpen validates replay state and AEAD-opens an inbound packet,
// returning its type and plaintext. AuthFailed and Replay are always
// silent failures at this layer; the caller is responsible for
// counting them toward peer-state escalation.
func (s *Session) RecvAndOpen(pkt wire.Packet) (uint8, []byte, error) {
	if !s.Authenticated() {
		return 0, nil, fmt.Errorf("open: %w: session closed", rserrors.ErrCrypto)
	}
	if len(pkt.Payload) < nonceTagSize+rcrypto.AEADOverhead {
		return 0, nil, fmt.Errorf("open: %w: payload too short", rserrors.ErrAuthFailed)
	}

	nonce := binary.LittleEndian.Uint64(pkt.Payload[:nonceTagSize])
	ciphertext := pkt.Payload[nonceTagSize:]

	// Replay check before the AEAD, but commit only after it verifies:
	// a forged packet carrying a high nonce must not advance the window
	// and shadow a legitimate nonce that arrives later.
	if !s.recvWin.Check(nonce) {
		return 0, nil, rserrors.ErrReplay
	}

	plaintext, err := rcrypto.Open(s.sharedKey, nonce, ciphertext)
	if err != nil {
		s.recordAuthFailure()
		return 0, nil, rserrors.ErrAuthFailed
	}
	s.recvWin.Accept(nonce)
	s.resetAuthFailures()
	return pkt.Header.Type, plaintext, nil
}

// AuthFailureEscalation reports whether the number of consecutive
// AuthFailed events from this peer, all within window, has reached n.
func (s *Session) AuthFailureEscalation(n int, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authFailures < n {
		return false
	}
	elapsed := time.Duration(rstime.NowMS()-s.firstFailureMS) * time.Millisecond
	return elapsed <= window
}

func (s *Session) recordAuthFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authFailures == 0 {
		s.firstFailureMS = rstime.NowMS()
	}
	s.authFailures++
}

func (s *Session) resetAuthFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailures = 0
	s.firstFailureMS = 0
}
