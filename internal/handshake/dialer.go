package handshake

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"rootstream/internal/rcrypto"
	"rootstream/internal/rserrors"
	"rootstream/internal/rstime"
)

// pendingState is the initiator-side bookkeeping kept between sending a
// HELLO and receiving its HELLO_ACK. The overall handshake deadline
// lives with the peer entry in the registry; this only carries what an
// ACK or a retry needs.
type pendingState struct {
	challenge [ChallengeSize]byte
	attempts  int
}

// Dialer tracks in-flight initiator-side handshakes. Both the host and
// client loops embed one — either side may initiate, so this
// bookkeeping is shared rather than duplicated per loop.
type Dialer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	mu      sync.Mutex
	pending map[string]pendingState
}

// NewDialer creates a Dialer bound to the local identity keypair.
func NewDialer(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Dialer {
	return &Dialer{priv: priv, pub: pub, pending: make(map[string]pendingState)}
}

// BeginHello builds a signed HELLO addressed to peerPub and records
// pending state so a later HELLO_ACK can be matched and verified. It
// returns the wire-marshalled HELLO payload, ready to wrap in a
// cleartext packet.
func (d *Dialer) BeginHello(peerPub ed25519.PublicKey) ([]byte, error) {
	hello, err := NewHello(d.priv, d.pub)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.pending[string(peerPub)] = pendingState{challenge: hello.Challenge}
	d.mu.Unlock()
	return MarshalHello(hello), nil
}

// HasPending reports whether we are already waiting on an ACK from
// peerPub — used to implement the concurrent-initiation tiebreak
// without sending a redundant HELLO.
func (d *Dialer) HasPending(peerPub ed25519.PublicKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[string(peerPub)]
	return ok
}

// RetryHello re-signs the pending HELLO for peerPub with its original
// challenge, bumping the attempt counter, and returns the payload to
// resend plus the new attempt count.
func (d *Dialer) RetryHello(peerPub ed25519.PublicKey) ([]byte, int, error) {
	d.mu.Lock()
	p, ok := d.pending[string(peerPub)]
	if !ok {
		d.mu.Unlock()
		return nil, 0, fmt.Errorf("retry hello: %w: no pending handshake", rserrors.ErrAuthFailed)
	}
	p.attempts++
	d.pending[string(peerPub)] = p
	d.mu.Unlock()

	h := Hello{PublicKey: d.pub, Challenge: p.challenge, Timestamp: rstime.WireTimestamp32()}
	h.Signature = ed25519.Sign(d.priv, helloSignedRegion(h.PublicKey, h.Challenge, h.Timestamp))
	return MarshalHello(h), p.attempts, nil
}

// Clear drops any pending state for peerPub (handshake timed out,
// succeeded, or was yielded per the concurrent-initiation tiebreak).
func (d *Dialer) Clear(peerPub ed25519.PublicKey) {
	d.mu.Lock()
	delete(d.pending, string(peerPub))
	d.mu.Unlock()
}

// CompleteAck validates an inbound HELLO_ACK against the pending state
// for its claimed public key and, on success, derives the shared
// session key and clears the pending entry.
func (d *Dialer) CompleteAck(ack HelloAck) (sharedKey []byte, peerPub ed25519.PublicKey, err error) {
	d.mu.Lock()
	p, ok := d.pending[string(ack.PublicKey)]
	if ok {
		delete(d.pending, string(ack.PublicKey))
	}
	d.mu.Unlock()

	if !ok {
		return nil, nil, fmt.Errorf("complete ack: %w: no pending handshake for this peer", rserrors.ErrAuthFailed)
	}
	if err := ack.Verify(p.challenge); err != nil {
		return nil, nil, err
	}
	shared, err := rcrypto.DeriveSession(d.priv, ack.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return shared, ack.PublicKey, nil
}
