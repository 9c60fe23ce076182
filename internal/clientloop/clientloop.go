// Package clientloop implements the client service loop:
// connect to one host, receive/decode video and audio, batch and send
// input, and own the reconnect-backoff scheduler.
//
// The loop mirrors internal/hostloop's cooperative single-threaded
// tick structure with the data direction reversed.
package clientloop

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rootstream/internal/collab"
	"rootstream/internal/ctlsock"
	"rootstream/internal/discovery"
	"rootstream/internal/handshake"
	"rootstream/internal/identity"
	"rootstream/internal/inputevt"
	"rootstream/internal/latency"
	"rootstream/internal/ratelimit"
	"rootstream/internal/rcrypto"
	"rootstream/internal/registry"
	"rootstream/internal/rserrors"
	"rootstream/internal/rstime"
	"rootstream/internal/session"
	"rootstream/internal/statusui"
	"rootstream/internal/transport"
	"rootstream/internal/wire"
)

const authFailureThreshold = 5

// inputBatchHz is the ceiling on outbound input send rate.
const inputBatchHz = 1000

// Config configures one client loop run, targeting a single host.
type Config struct {
	Port              int
	PeerCode          string
	ManualAddr        string // "<host>:<port>", used if PeerCode has no cached address
	NoDiscovery       bool
	LatencyLog        bool
	LatencyIntervalMS int64
}

// DefaultConfig returns the defaults behind the CLI flags.
func DefaultConfig() Config {
	return Config{Port: transport.DefaultPort}
}

// Collaborators bundles the external decode/audio-out/input backends
// the loop drives.
type Collaborators struct {
	Decoder  collab.Decoder
	AudioOut collab.AudioOut
	Input    collab.InputSink
}

// Loop is the client's tick loop: it maintains exactly one peer entry
// (the connected host) in its registry, though the same registry/
// dialer machinery as hostloop would support more.
type Loop struct {
	cfg Config
	id  *identity.Identity
	log zerolog.Logger

	ep       *transport.Endpoint
	registry *registry.Registry
	disc     *discovery.Service
	dialer   *handshake.Dialer
	limiter  *ratelimit.Limiter
	lat      *latency.Stats
	status   *statusui.Server

	decoder  collab.Decoder
	audioOut collab.AudioOut
	input    collab.InputSink

	running   atomic.Bool
	seqCursor atomic.Uint32
	inputSeq  atomic.Uint32
	hostPeer  ed25519.PublicKey // set once the target host's identity is known

	inputMu    sync.Mutex
	inputQueue []collab.InputEvent
}

// New binds the UDP endpoint and wires every collaborator for the
// client role.
func New(cfg Config, id *identity.Identity, collabs Collaborators, log zerolog.Logger) (*Loop, error) {
	ep, err := transport.Bind(0) // ephemeral local port; the client always initiates
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.DefaultCapacity)
	cache := discovery.NewCache()
	discCfg := discovery.Config{
		Enabled:    !cfg.NoDiscovery,
		Hostname:   id.Label,
		Port:       cfg.Port,
		PeerCode:   id.PeerCode,
		Capability: "client",
		MaxPeers:   registry.DefaultCapacity,
	}
	disc := discovery.New(discCfg, cache, log)

	l := &Loop{
		cfg:      cfg,
		id:       id,
		log:      log.With().Str("component", "clientloop").Logger(),
		ep:       ep,
		registry: reg,
		disc:     disc,
		dialer:   handshake.NewDialer(id.Private, id.Public),
		limiter:  ratelimit.New(),
		lat:      latency.New(latency.DefaultCapacity, cfg.LatencyIntervalMS, cfg.LatencyLog),
		decoder:  collabs.Decoder,
		audioOut: collabs.AudioOut,
		input:    collabs.Input,
	}
	if l.decoder == nil {
		l.decoder = collab.NewPassthroughDecoder(1920, 1080)
	}
	if l.audioOut == nil {
		l.audioOut = collab.DiscardAudioOut{}
	}
	if l.input == nil {
		l.input = collab.NoopInputSink{}
	}
	return l, nil
}

// Registry exposes the peer table for status reporting.
func (l *Loop) Registry() *registry.Registry { return l.registry }

// Cache exposes the discovery cache for status reporting.
func (l *Loop) Cache() *discovery.Cache { return l.disc.Cache() }

// Latency exposes the latency accounting ring for status reporting.
func (l *Loop) Latency() *latency.Stats { return l.lat }

// AttachStatus wires a status server so latency reports are mirrored
// into its Prometheus gauges.
func (l *Loop) AttachStatus(s *statusui.Server) { l.status = s }

// Dial resolves cfg.PeerCode (or cfg.ManualAddr) and begins the initial
// handshake, registering the target as the loop's single host peer.
func (l *Loop) Dial() error {
	var addr *net.UDPAddr
	var label string
	var pub ed25519.PublicKey

	if l.cfg.PeerCode != "" {
		var err error
		pub, label, err = identity.ParsePeerCode(l.cfg.PeerCode)
		if err != nil {
			return err
		}
		if l.cfg.ManualAddr != "" {
			addr, label, err = discovery.ResolveManual(l.cfg.ManualAddr, l.cfg.Port)
			if err != nil {
				return err
			}
		} else {
			l.disc.Browse(context.Background())
			for _, e := range l.disc.Cache().Online() {
				if e.PeerCode == l.cfg.PeerCode {
					addr = &net.UDPAddr{IP: net.ParseIP(e.IPAddress), Port: int(e.Port)}
					break
				}
			}
			if addr == nil {
				return fmt.Errorf("dial %q: %w: not found via discovery, supply a manual address", l.cfg.PeerCode, rserrors.ErrDiscovery)
			}
		}
	} else if l.cfg.ManualAddr != "" {
		var err error
		addr, label, err = discovery.ResolveManual(l.cfg.ManualAddr, l.cfg.Port)
		if err != nil {
			return err
		}
	} else {
		return fmt.Errorf("dial: %w: no peer code or manual address configured", rserrors.ErrConfig)
	}

	l.hostPeer = pub
	return l.connectToAddr(addr, pub, label)
}

func (l *Loop) connectToAddr(addr *net.UDPAddr, peerPub ed25519.PublicKey, hostname string) error {
	var peer *registry.Peer
	if peerPub != nil {
		if existing, ok := l.registry.Get(peerPub); ok {
			peer = existing
			peer.Addr = addr
		}
	}
	if peer == nil {
		peer = registry.NewPeer(peerPub, hostname, addr)
		if err := l.registry.Add(peer); err != nil {
			return err
		}
	}

	if peerPub != nil && l.dialer.HasPending(peerPub) {
		return nil
	}

	peer.BeginConnecting()
	var payload []byte
	var err error
	if peerPub != nil {
		payload, err = l.dialer.BeginHello(peerPub)
	} else {
		// No known identity yet (plain manual address, never expected on
		// the client side, but kept symmetric with hostloop).
		hello, herr := handshake.NewHello(l.id.Private, l.id.Public)
		if herr != nil {
			return herr
		}
		payload = handshake.MarshalHello(hello)
	}
	if err != nil {
		return err
	}
	peer.BeginAuthenticating(handshake.HandshakeTimeoutMS * time.Millisecond)
	l.sendCleartext(addr, wire.TypeHello, payload)
	return nil
}

// Run drives the loop until ctx is cancelled or Stop is called: recv/
// dispatch media and control, batch-send queued input, periodic PING,
// and the reconnect-backoff scheduler.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.shutdown()

	recvBuf := make([]byte, transport.RecvBufferSize)
	inputPeriod := time.Second / inputBatchHz
	pingPeriod := handshake.PingIntervalMS * time.Millisecond
	lastPing := time.Now()
	lastInputFlush := time.Now()

	for l.running.Load() {
		select {
		case <-ctx.Done():
			l.running.Store(false)
			return nil
		default:
		}

		dg, ok, err := l.ep.Recv(5*time.Millisecond, recvBuf)
		if err != nil {
			l.log.Debug().Err(err).Msg("recv error")
		} else if ok {
			l.dispatch(dg)
		}

		now := time.Now()
		if now.Sub(lastPing) >= pingPeriod {
			l.sendPing()
			lastPing = now
		}
		if now.Sub(lastInputFlush) >= inputPeriod {
			l.flushInput()
			lastInputFlush = now
		}

		l.checkHandshakeTimeout()
		l.checkReconnect()
	}
	return nil
}

// Stop requests the loop exit at the top of its next iteration.
func (l *Loop) Stop() { l.running.Store(false) }

// SendInput queues a local input event for the next batch flush. Events are not
// dropped under the queue's control here; the collaborator feeding
// SendInput is responsible for not producing faster than the local
// device generates them.
func (l *Loop) SendInput(e collab.InputEvent) {
	l.inputMu.Lock()
	l.inputQueue = append(l.inputQueue, e)
	l.inputMu.Unlock()
}

// flushInput drains the queued input events and sends each as a sealed
// INPUT packet, at most once per input tick.
func (l *Loop) flushInput() {
	l.inputMu.Lock()
	queued := l.inputQueue
	l.inputQueue = nil
	l.inputMu.Unlock()
	if len(queued) == 0 {
		return
	}

	peer := l.hostRegistryPeer()
	if peer == nil || peer.Session == nil || !peer.Session.Authenticated() || peer.Addr == nil {
		return
	}

	nowUS := rstime.NowUS()
	for _, e := range queued {
		seq := uint16(l.inputSeq.Add(1))
		payload := inputevt.Encode(inputevt.Event{
			Type:  inputevt.EventType(e.Type),
			Code:  e.Code,
			Value: e.Value,
		}, 1, seq, nowUS)
		pkt, err := peer.Session.SealAndSend(wire.TypeInput, payload)
		if err != nil {
			l.log.Debug().Err(err).Msg("seal input failed")
			continue
		}
		if err := l.ep.SendTo(peer.Addr, pkt); err != nil {
			l.log.Debug().Err(err).Msg("send input failed")
		}
	}
}

func (l *Loop) hostRegistryPeer() *registry.Peer {
	if l.hostPeer == nil {
		return nil
	}
	p, _ := l.registry.Get(l.hostPeer)
	return p
}

func (l *Loop) sendPing() {
	peer := l.hostRegistryPeer()
	if peer == nil || peer.Addr == nil {
		return
	}
	if peer.State() != registry.Connected && peer.State() != registry.Streaming {
		return
	}
	// Each send counts as a miss until a PONG clears the counter; three
	// unanswered pings in a row fail the peer and hand it to the
	// reconnect scheduler.
	if peer.MissPing() {
		l.log.Warn().Str("peer", peer.Hostname).Msg("host unresponsive, failing peer")
		peer.Fail()
		return
	}
	l.sendCleartext(peer.Addr, wire.TypePing, handshake.MarshalToken(handshake.PingToken()))
}

func (l *Loop) checkHandshakeTimeout() {
	l.disc.Cache().Expire(rstime.NowUS())
	now := rstime.NowMS()
	for _, p := range l.registry.List() {
		if p.HandshakeTimedOut(now) {
			if payload, attempts, err := l.dialer.RetryHello(p.PublicKey); err == nil && attempts <= 1 && p.Addr != nil {
				l.log.Info().Str("peer", p.Hostname).Msg("handshake timed out, retrying once")
				p.BeginAuthenticating(handshake.HandshakeTimeoutMS * time.Millisecond)
				l.sendCleartext(p.Addr, wire.TypeHello, payload)
				continue
			}
			l.log.Warn().Str("peer", p.Hostname).Msg("handshake timed out")
			l.dialer.Clear(p.PublicKey)
			p.Fail()
		}
	}
}

// checkReconnect implements the exponential backoff scheduler: a
// FAILED host peer is retried at Reconnect.NextAttemptMS, doubling the
// interval each time up to MaxBackoffMS, moving to DISCONNECTED after
// MaxAttempts.
func (l *Loop) checkReconnect() {
	peer := l.hostRegistryPeer()
	if peer == nil || peer.State() != registry.Failed {
		return
	}
	now := rstime.NowMS()
	if !peer.Reconnect.Due(now) {
		return
	}
	if exhausted := peer.Reconnect.RecordFailure(now); exhausted {
		l.log.Warn().Str("peer", peer.Hostname).Msg("reconnect attempts exhausted, giving up")
		peer.Disconnect()
		return
	}
	l.log.Info().Str("peer", peer.Hostname).Int("attempt", peer.Reconnect.AttemptCount).Msg("reconnecting")
	if err := l.connectToAddr(peer.Addr, peer.PublicKey, peer.Hostname); err != nil {
		l.log.Warn().Err(err).Msg("reconnect attempt failed to send")
	}
}

func (l *Loop) dispatch(dg transport.Datagram) {
	hdr, err := wire.Validate(dg.Data)
	if err != nil {
		l.log.Debug().Err(err).Str("addr", dg.Addr.String()).Msg("dropping invalid packet")
		return
	}
	payload := dg.Data[wire.HeaderSize : wire.HeaderSize+int(hdr.PayloadSize)]

	switch hdr.Type {
	case wire.TypeHelloAck:
		l.handleHelloAck(dg.Addr, payload)
	case wire.TypeHello:
		l.handleHello(dg.Addr, payload)
	case wire.TypePing:
		l.handlePing(dg.Addr, payload)
	case wire.TypePong:
		l.handlePong(dg.Addr, payload)
	default:
		peer, ok := l.registry.GetByAddr(dg.Addr.String())
		if !ok || peer.Session == nil {
			return
		}
		l.handleSessionPacket(wire.Packet{Header: hdr, Payload: payload}, peer)
	}
}

func (l *Loop) handleHelloAck(addr *net.UDPAddr, payload []byte) {
	ack, err := handshake.UnmarshalHelloAck(payload)
	if err != nil {
		l.log.Debug().Err(err).Msg("malformed hello_ack")
		return
	}
	sharedKey, peerPub, err := l.dialer.CompleteAck(ack)
	if err != nil {
		l.log.Debug().Err(err).Msg("hello_ack rejected")
		return
	}
	peer, ok := l.registry.Get(peerPub)
	if !ok {
		return
	}
	peer.Addr = addr
	sess := session.New(sharedKey)
	rcrypto.SecureWipe(sharedKey)
	peer.CompleteHandshake(sess)
	l.hostPeer = peerPub
	l.log.Info().Str("peer", peer.Hostname).Msg("connected to host")
}

// handleHello supports the (rare, symmetric) case where the host
// re-initiates after losing its own session state.
func (l *Loop) handleHello(addr *net.UDPAddr, payload []byte) {
	if ip, ok := netip.AddrFromSlice(addr.IP.To16()); ok && !l.limiter.Allow(ip) {
		return
	}
	hello, err := handshake.UnmarshalHello(payload)
	if err != nil {
		return
	}
	if err := hello.Verify(); err != nil {
		return
	}
	if l.hostPeer != nil && string(hello.PublicKey) != string(l.hostPeer) {
		l.log.Debug().Msg("hello from unexpected peer, ignoring")
		return
	}

	peer, exists := l.registry.Get(hello.PublicKey)
	if !exists {
		peer = registry.NewPeer(hello.PublicKey, addr.String(), addr)
		if err := l.registry.Add(peer); err != nil {
			return
		}
	} else {
		peer.Addr = addr
	}
	peer.BeginConnecting()
	peer.BeginAuthenticating(handshake.HandshakeTimeoutMS * time.Millisecond)

	sharedKey, err := rcrypto.DeriveSession(l.id.Private, hello.PublicKey)
	if err != nil {
		return
	}
	sess := session.New(sharedKey)
	rcrypto.SecureWipe(sharedKey)
	peer.CompleteHandshake(sess)
	l.hostPeer = hello.PublicKey

	ack, err := handshake.NewHelloAck(l.id.Private, l.id.Public, hello)
	if err != nil {
		return
	}
	l.sendCleartext(addr, wire.TypeHelloAck, handshake.MarshalHelloAck(ack))
}

func (l *Loop) handlePing(addr *net.UDPAddr, payload []byte) {
	token, err := handshake.UnmarshalToken(payload)
	if err != nil {
		return
	}
	if peer, ok := l.registry.GetByAddr(addr.String()); ok {
		peer.PingReceived()
		peer.Touch()
	}
	l.sendCleartext(addr, wire.TypePong, handshake.MarshalToken(token))
}

func (l *Loop) handlePong(addr *net.UDPAddr, payload []byte) {
	token, err := handshake.UnmarshalToken(payload)
	if err != nil {
		return
	}
	rtt := handshake.RTTMicros(token)
	if peer, ok := l.registry.GetByAddr(addr.String()); ok {
		peer.PingReceived()
	}
	l.log.Debug().Int64("rtt_us", rtt).Str("addr", addr.String()).Msg("pong")
}

func (l *Loop) handleSessionPacket(pkt wire.Packet, peer *registry.Peer) {
	typ, plaintext, err := peer.Session.RecvAndOpen(pkt)
	if err != nil {
		switch {
		case errors.Is(err, rserrors.ErrReplay):
			l.log.Debug().Str("peer", peer.Hostname).Msg("replayed packet dropped")
		case errors.Is(err, rserrors.ErrAuthFailed):
			if peer.RecordAuthFailure(authFailureThreshold) {
				l.log.Warn().Str("peer", peer.Hostname).Msg("auth failures exceeded threshold, failing peer")
				peer.Fail()
			}
		default:
			l.log.Debug().Err(err).Msg("session error")
		}
		return
	}
	peer.ResetFailures()
	peer.Touch()
	l.disc.Cache().UpdateSeen(peer.Hostname, rstime.NowUS())

	switch typ {
	case wire.TypeVideo:
		peer.BeginStreaming()
		var frame collab.Frame
		decodeStartUS := rstime.NowUS()
		if err := l.decoder.DecodeFrame(plaintext, &frame); err != nil {
			l.log.Debug().Err(err).Msg("decode failed, requesting keyframe")
			l.requestKeyframe(peer)
			return
		}
		decodeUS := rstime.SinceUS(decodeStartUS)
		if report := l.lat.Record(latency.Sample{EncodeUS: decodeUS, TotalUS: decodeUS}); report != nil && l.status != nil {
			l.status.ObserveReport(report)
		}
	case wire.TypeAudio:
		if err := l.audioOut.WriteFrame(plaintext); err != nil {
			l.log.Debug().Err(err).Msg("audio playback failed")
		}
	case wire.TypeControl:
		op, ok := wire.DecodeControl(plaintext)
		if !ok {
			return
		}
		switch op {
		case wire.CtrlDisconnect:
			l.log.Info().Str("peer", peer.Hostname).Msg("host sent CTRL_DISCONNECT")
			peer.Disconnect()
		}
	default:
		l.log.Debug().Uint8("type", typ).Msg("unexpected packet type on client")
	}
}

func (l *Loop) requestKeyframe(peer *registry.Peer) {
	if peer.Session == nil || !peer.Session.Authenticated() {
		return
	}
	pkt, err := peer.Session.SealAndSend(wire.TypeControl, wire.EncodeControl(wire.CtrlRequestKeyframe))
	if err != nil {
		return
	}
	_ = l.ep.SendTo(peer.Addr, pkt)
}

func (l *Loop) sendCleartext(addr *net.UDPAddr, typ uint8, payload []byte) {
	seq := uint16(l.seqCursor.Add(1))
	pkt, err := wire.Encode(typ, seq, rstime.WireTimestamp32(), payload)
	if err != nil {
		l.log.Warn().Err(err).Msg("encode packet failed")
		return
	}
	if err := l.ep.SendTo(addr, pkt); err != nil {
		l.log.Debug().Err(err).Str("addr", addr.String()).Msg("send failed")
	}
}

func (l *Loop) shutdown() {
	if peer := l.hostRegistryPeer(); peer != nil && peer.Session != nil && peer.Session.Authenticated() && peer.Addr != nil {
		if pkt, err := peer.Session.SealAndSend(wire.TypeControl, wire.EncodeControl(wire.CtrlDisconnect)); err == nil {
			_ = l.ep.SendTo(peer.Addr, pkt)
		}
	}
	l.limiter.Close()
	l.disc.Close()
	_ = l.ep.Close()
}

// --- ctlsock.Handler ---

// ListPeers implements ctlsock.Handler.
func (l *Loop) ListPeers() []ctlsock.PeerStatus {
	peers := l.registry.List()
	out := make([]ctlsock.PeerStatus, 0, len(peers))
	for _, p := range peers {
		addr := ""
		if p.Addr != nil {
			addr = p.Addr.String()
		}
		out = append(out, ctlsock.PeerStatus{
			Hostname:  p.Hostname,
			PeerCode:  identity.FormatPeerCode(p.PublicKey, p.Hostname),
			State:     p.State().String(),
			Addr:      addr,
			Streaming: p.IsStreaming(),
		})
	}
	return out
}

// Connect implements ctlsock.Handler: re-dial a new host (tearing down
// the existing session first, this loop targets exactly one host).
func (l *Loop) Connect(spec string) error {
	if peer := l.hostRegistryPeer(); peer != nil {
		_ = l.Disconnect(peer.Hostname)
	}
	l.cfg.PeerCode = spec
	l.cfg.ManualAddr = ""
	return l.Dial()
}

// Disconnect implements ctlsock.Handler.
func (l *Loop) Disconnect(hostname string) error {
	peer := l.hostRegistryPeer()
	if peer == nil || peer.Hostname != hostname {
		return fmt.Errorf("disconnect %q: %w: not the connected host", hostname, rserrors.ErrConfig)
	}
	if peer.Session != nil && peer.Session.Authenticated() && peer.Addr != nil {
		if pkt, err := peer.Session.SealAndSend(wire.TypeControl, wire.EncodeControl(wire.CtrlDisconnect)); err == nil {
			_ = l.ep.SendTo(peer.Addr, pkt)
		}
	}
	peer.Disconnect()
	return nil
}

// Stats implements ctlsock.Handler.
func (l *Loop) Stats() map[string]string {
	state := "none"
	if peer := l.hostRegistryPeer(); peer != nil {
		state = peer.State().String()
	}
	rl := l.limiter.Stats()
	return map[string]string{
		"role":                 "client",
		"host_state":           state,
		"discovery_cache_size": fmt.Sprintf("%d", len(l.disc.Cache().All())),
		"hello_dropped":        fmt.Sprintf("%d", rl.Dropped),
	}
}
