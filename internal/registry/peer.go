// Package registry implements the fixed-capacity peer table and the
// per-peer lifecycle state machine, including the exponential-backoff
// reconnect scheduler. At most one entry exists per identity key;
// inserting a duplicate overwrites the stale entry.
package registry

import (
	"crypto/ed25519"
	"net"
	"sync"
	"time"

	"rootstream/internal/rstime"
	"rootstream/internal/session"
)

// State is a peer's position in the lifecycle state machine:
//
//	DISCOVERED → CONNECTING → AUTHENTICATING → CONNECTED ↔ STREAMING
//	    ↑             ↓              ↓              ↓
//	    └─────────── FAILED ←────────┴──────────────┘
//	                   ↑
//	                DISCONNECTED (terminal on user request)
type State int

const (
	Discovered State = iota
	Connecting
	Authenticating
	Connected
	Streaming
	Failed
	Disconnected
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "DISCOVERED"
	case Connecting:
		return "CONNECTING"
	case Authenticating:
		return "AUTHENTICATING"
	case Connected:
		return "CONNECTED"
	case Streaming:
		return "STREAMING"
	case Failed:
		return "FAILED"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Transport is a peer's preferred delivery path. UDP is the default;
// TCP is reserved for a fallback that the core never initiates itself.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
)

// Reconnect backoff constants.
const (
	InitialBackoffMS = 100
	MaxBackoffMS     = 30_000
	MaxAttempts      = 10
)

// ReconnectState tracks a peer's backoff schedule.
type ReconnectState struct {
	NextAttemptMS int64
	AttemptCount  int
	BackoffMS     int
}

// Reset returns the reconnect state to its just-succeeded baseline.
func (r *ReconnectState) Reset() {
	r.AttemptCount = 0
	r.BackoffMS = InitialBackoffMS
	r.NextAttemptMS = 0
}

// RecordFailure advances the backoff schedule after a failed attempt and
// reports whether the peer has now exhausted MaxAttempts. The first
// failure waits the initial backoff as-is; doubling starts with the
// second, yielding 100, 200, 400, ... capped at MaxBackoffMS.
func (r *ReconnectState) RecordFailure(nowMS int64) (exhausted bool) {
	if r.BackoffMS == 0 {
		r.BackoffMS = InitialBackoffMS
	} else if r.AttemptCount > 0 {
		r.BackoffMS *= 2
		if r.BackoffMS > MaxBackoffMS {
			r.BackoffMS = MaxBackoffMS
		}
	}
	r.AttemptCount++
	r.NextAttemptMS = nowMS + int64(r.BackoffMS)
	return r.AttemptCount >= MaxAttempts
}

// Due reports whether it is time to retry.
func (r *ReconnectState) Due(nowMS int64) bool {
	return nowMS >= r.NextAttemptMS
}

// Peer is one entry in the fixed-capacity registry table.
type Peer struct {
	mu sync.Mutex

	PublicKey   ed25519.PublicKey
	Hostname    string
	Addr        *net.UDPAddr
	Transport   Transport
	LastSeenMS  int64
	Session     *session.Session
	Reconnect   ReconnectState

	state State

	consecutiveFailures int
	handshakeDeadlineMS int64
	missedPings         int
}

// NewPeer creates a freshly discovered peer entry.
func NewPeer(pub ed25519.PublicKey, hostname string, addr *net.UDPAddr) *Peer {
	p := &Peer{
		PublicKey:  append(ed25519.PublicKey(nil), pub...),
		Hostname:   hostname,
		Addr:       addr,
		Transport:  TransportUDP,
		LastSeenMS: rstime.NowMS(),
		state:      Discovered,
	}
	p.Reconnect.BackoffMS = InitialBackoffMS
	return p
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsStreaming reports whether the peer is currently in STREAMING.
func (p *Peer) IsStreaming() bool {
	return p.State() == Streaming
}

// Touch records that a datagram was just seen from this peer.
func (p *Peer) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastSeenMS = rstime.NowMS()
}

// setState forces a new state. Of the exported transitions below, only
// BeginStreaming checks the current state; the others set their target
// state unconditionally.
func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// BeginConnecting moves DISCOVERED/FAILED → CONNECTING (local-initiated or
// an authorized inbound HELLO from an unknown peer).
func (p *Peer) BeginConnecting() {
	p.setState(Connecting)
}

// BeginAuthenticating moves CONNECTING → AUTHENTICATING once HELLO has
// been sent, arming the handshake timeout.
func (p *Peer) BeginAuthenticating(timeout time.Duration) {
	p.mu.Lock()
	p.state = Authenticating
	p.handshakeDeadlineMS = rstime.NowMS() + timeout.Milliseconds()
	p.mu.Unlock()
}

// CompleteHandshake moves AUTHENTICATING → CONNECTED once HELLO_ACK
// verifies, binding sess as the peer's session.
func (p *Peer) CompleteHandshake(sess *session.Session) {
	p.mu.Lock()
	p.state = Connected
	p.Session = sess
	p.consecutiveFailures = 0
	p.missedPings = 0
	p.mu.Unlock()
	p.Reconnect.Reset()
}

// BeginStreaming moves CONNECTED → STREAMING on the first successfully
// delivered data-class packet.
func (p *Peer) BeginStreaming() {
	p.mu.Lock()
	if p.state == Connected {
		p.state = Streaming
	}
	p.mu.Unlock()
}

// HandshakeTimedOut reports whether the AUTHENTICATING deadline has
// passed.
func (p *Peer) HandshakeTimedOut(nowMS int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == Authenticating && nowMS >= p.handshakeDeadlineMS
}

// RecordAuthFailure bumps the consecutive-failure counter and reports
// whether it has reached the escalation threshold.
func (p *Peer) RecordAuthFailure(threshold int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures++
	return p.consecutiveFailures >= threshold
}

// ResetFailures clears the consecutive-failure counter after a
// successful exchange.
func (p *Peer) ResetFailures() {
	p.mu.Lock()
	p.consecutiveFailures = 0
	p.mu.Unlock()
}

// MissPing is called before each liveness PING is sent. It counts the
// PINGs since the last PingReceived, including the one about to go out,
// and reports whether the 3 sent before it all went unanswered.
func (p *Peer) MissPing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.missedPings++
	return p.missedPings > 3
}

// PingReceived clears the missed-ping counter.
func (p *Peer) PingReceived() {
	p.mu.Lock()
	p.missedPings = 0
	p.mu.Unlock()
}

// Fail moves any state → FAILED: handshake timeout, repeated AuthFailed,
// or a transport-level loss notice.
func (p *Peer) Fail() {
	p.setState(Failed)
	if p.Session != nil {
		p.Session.Close()
	}
}

// Disconnect moves any state → DISCONNECTED, terminal on user request or
// after the reconnect scheduler gives up.
func (p *Peer) Disconnect() {
	p.setState(Disconnected)
	if p.Session != nil {
		p.Session.Close()
	}
}
