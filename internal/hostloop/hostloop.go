// Package hostloop implements the host service loop:
// capture → encode → fan-out → send at the display rate, draining
// inbound control/input and accounting per-stage latency each tick.
//
// The loop is single-threaded and cooperative: capture, encode,
// network send, and inbound dispatch are sequenced in one goroutine,
// with reused frame and packet buffers. Everything that can block does
// so with a bounded timeout.
package hostloop

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
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

// authFailureThreshold is the number of consecutive AEAD auth failures
// from a peer before it is moved to FAILED.
const authFailureThreshold = 5

// Config configures one host loop run.
type Config struct {
	Port                int
	Display             int
	Codec               string
	BitrateKbps         int
	FPS                 int
	NoDiscovery         bool
	LatencyLog          bool
	LatencyIntervalMS   int64
	MaxDatagramsPerTick int
}

// DefaultConfig returns the defaults behind the CLI flags.
func DefaultConfig() Config {
	return Config{
		Port:                transport.DefaultPort,
		Display:             0,
		Codec:               "h264",
		BitrateKbps:         8000,
		FPS:                 60,
		MaxDatagramsPerTick: 32,
	}
}

// Collaborators bundles the external capture/encode/audio backends the
// loop drives. Dummy implementations from internal/collab are
// used when the controller doesn't supply real ones.
type Collaborators struct {
	Capture collab.Capture
	Encoder collab.Encoder
	AudioIn collab.AudioIn
}

// Loop is the host's tick loop plus everything it owns: transport,
// registry, discovery, session crypto, latency accounting, and the
// control-socket handler surface.
type Loop struct {
	cfg  Config
	id   *identity.Identity
	log  zerolog.Logger

	ep       *transport.Endpoint
	registry *registry.Registry
	disc     *discovery.Service
	dialer   *handshake.Dialer
	limiter  *ratelimit.Limiter
	lat      *latency.Stats
	inputs   *inputevt.Manager
	status   *statusui.Server

	capture collab.Capture
	encoder collab.Encoder
	audioIn collab.AudioIn

	running   atomic.Bool
	seqCursor atomic.Uint32
	keyframes atomic.Uint64
}

// New binds the UDP endpoint and wires every C1-C10 collaborator
// together for the host role.
func New(cfg Config, id *identity.Identity, collabs Collaborators, log zerolog.Logger) (*Loop, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = 60
	}
	if cfg.MaxDatagramsPerTick <= 0 {
		cfg.MaxDatagramsPerTick = 32
	}

	ep, err := transport.Bind(cfg.Port)
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
		Capability: "host",
		MaxPeers:   registry.DefaultCapacity,
		Bandwidth:  fmt.Sprintf("%dkbps", cfg.BitrateKbps),
	}
	disc := discovery.New(discCfg, cache, log)

	l := &Loop{
		cfg:      cfg,
		id:       id,
		log:      log.With().Str("component", "hostloop").Logger(),
		ep:       ep,
		registry: reg,
		disc:     disc,
		dialer:   handshake.NewDialer(id.Private, id.Public),
		limiter:  ratelimit.New(),
		lat:      latency.New(latency.DefaultCapacity, cfg.LatencyIntervalMS, cfg.LatencyLog),
		inputs:   inputevt.NewManager(),
		capture:  collabs.Capture,
		encoder:  collabs.Encoder,
		audioIn:  collabs.AudioIn,
	}
	if l.capture == nil {
		l.capture = collab.NewTestPatternCapture(1920, 1080)
	}
	if l.encoder == nil {
		l.encoder = collab.NewPassthroughEncoder(30)
	}
	if l.audioIn == nil {
		l.audioIn = collab.NewSilentAudioIn(960)
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

// Run drives the loop until ctx is cancelled or Stop is called. It
// paces itself to cfg.FPS, sends a courtesy CTRL_DISCONNECT to every
// connected peer on exit, and never returns a non-nil error for
// recoverable per-tick failures.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	l.disc.Announce()
	defer l.shutdown()

	period := time.Second / time.Duration(l.cfg.FPS)
	frame := &collab.Frame{}
	encBuf := make([]byte, 4*wire.MaxPacketSize)
	audioBuf := make([]byte, 4096)
	recvBuf := make([]byte, transport.RecvBufferSize)

	for l.running.Load() {
		select {
		case <-ctx.Done():
			l.running.Store(false)
			return nil
		default:
		}

		tickStartUS := rstime.NowUS()

		if err := l.capture.CaptureFrame(frame); err != nil {
			l.log.Warn().Err(err).Msg("capture failed, skipping tick")
			l.sleepRemaining(tickStartUS, period)
			continue
		}
		tCapUS := rstime.NowUS()

		n, isKeyframe, err := l.encoder.EncodeFrame(frame, encBuf)
		if err != nil {
			l.log.Warn().Err(err).Msg("encode failed, skipping tick")
			l.sleepRemaining(tickStartUS, period)
			continue
		}
		if isKeyframe {
			l.keyframes.Add(1)
		}
		tEncUS := rstime.NowUS()

		l.fanOut(wire.TypeVideo, encBuf[:n])
		if an, err := l.audioIn.ReadFrame(audioBuf); err != nil {
			l.log.Debug().Err(err).Msg("audio read failed")
		} else if an > 0 {
			l.fanOut(wire.TypeAudio, audioBuf[:an])
		}
		l.drainInbound(recvBuf)
		l.checkTimeouts()

		tSendUS := rstime.NowUS()
		sample := latency.Sample{
			CaptureUS: tCapUS - tickStartUS,
			EncodeUS:  tEncUS - tCapUS,
			SendUS:    tSendUS - tEncUS,
			TotalUS:   tSendUS - tickStartUS,
		}
		if report := l.lat.Record(sample); report != nil {
			l.log.Info().
				Int64("p50_total_us", report.Total.P50).
				Int64("p95_total_us", report.Total.P95).
				Int64("p99_total_us", report.Total.P99).
				Msg("latency report")
			if l.status != nil {
				l.status.ObserveReport(report)
			}
		}

		l.sleepRemaining(tickStartUS, period)
	}
	return nil
}

// Stop requests the loop exit at the top of its next iteration.
func (l *Loop) Stop() { l.running.Store(false) }

func (l *Loop) sleepRemaining(tickStartUS int64, period time.Duration) {
	elapsed := time.Duration(rstime.NowUS()-tickStartUS) * time.Microsecond
	if remaining := period - elapsed; remaining > 0 {
		time.Sleep(remaining)
	}
}

// fanOut seals and sends one payload to every streaming-eligible peer
// independently. A peer still in CONNECTED moves to STREAMING on its
// first successful send, and the encoder is asked for a keyframe so
// the newcomer doesn't wait out the current GOP.
func (l *Loop) fanOut(typ uint8, payload []byte) {
	for _, p := range l.registry.List() {
		st := p.State()
		if st != registry.Connected && st != registry.Streaming {
			continue
		}
		if p.Session == nil || !p.Session.Authenticated() || p.Addr == nil {
			continue
		}
		sent := false
		for _, chunk := range wire.Fragment(payload, session.MaxPlaintextSize) {
			pkt, err := p.Session.SealAndSend(typ, chunk)
			if err != nil {
				l.log.Debug().Err(err).Str("peer", p.Hostname).Msg("seal failed")
				continue
			}
			if err := l.ep.SendTo(p.Addr, pkt); err != nil {
				l.log.Debug().Err(err).Str("peer", p.Hostname).Msg("send failed")
				continue
			}
			sent = true
		}
		if sent && st == registry.Connected {
			p.BeginStreaming()
			l.encoder.ForceKeyframe()
		}
	}
}

func (l *Loop) drainInbound(buf []byte) {
	for i := 0; i < l.cfg.MaxDatagramsPerTick; i++ {
		dg, ok, err := l.ep.Recv(time.Millisecond, buf)
		if err != nil {
			l.log.Debug().Err(err).Msg("recv error")
			return
		}
		if !ok {
			return
		}
		l.dispatch(dg)
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
	case wire.TypeHello:
		l.handleHello(dg.Addr, payload)
	case wire.TypeHelloAck:
		l.handleHelloAck(dg.Addr, payload)
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

func (l *Loop) handleHello(addr *net.UDPAddr, payload []byte) {
	if ip, ok := netip.AddrFromSlice(addr.IP.To16()); ok && !l.limiter.Allow(ip) {
		return
	}

	hello, err := handshake.UnmarshalHello(payload)
	if err != nil {
		l.log.Debug().Err(err).Msg("malformed hello")
		return
	}
	if err := hello.Verify(); err != nil {
		l.log.Debug().Str("addr", addr.String()).Msg("hello signature verification failed")
		return
	}

	peer, exists := l.registry.Get(hello.PublicKey)
	if !exists {
		peer = registry.NewPeer(hello.PublicKey, addr.String(), addr)
		if err := l.registry.Add(peer); err != nil {
			l.log.Warn().Err(err).Msg("registry full, rejecting hello")
			return
		}
	} else {
		peer.Addr = addr
		peer.Touch()
	}

	// Concurrent-initiation tiebreak: if we're also mid-dial to
	// this peer and our key loses the comparison, drop our initiator
	// state and let the remote side's HELLO win.
	if l.dialer.HasPending(hello.PublicKey) {
		if handshake.ShouldYieldToPeer(l.id.Public, hello.PublicKey) {
			l.dialer.Clear(hello.PublicKey)
		}
	}

	peer.BeginConnecting()
	peer.BeginAuthenticating(handshake.HandshakeTimeoutMS * time.Millisecond)

	sharedKey, err := rcrypto.DeriveSession(l.id.Private, hello.PublicKey)
	if err != nil {
		l.log.Warn().Err(err).Msg("derive session failed")
		return
	}
	sess := session.New(sharedKey)
	rcrypto.SecureWipe(sharedKey)
	peer.CompleteHandshake(sess)

	ack, err := handshake.NewHelloAck(l.id.Private, l.id.Public, hello)
	if err != nil {
		l.log.Warn().Err(err).Msg("build hello_ack failed")
		return
	}
	l.sendCleartext(addr, wire.TypeHelloAck, handshake.MarshalHelloAck(ack))
	l.log.Info().Str("peer", addr.String()).Msg("peer authenticated")
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
	l.log.Info().Str("peer", peer.Hostname).Msg("handshake completed (initiator)")
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
	case wire.TypeInput:
		decoded, ok, err := inputevt.Decode(plaintext)
		if err != nil {
			l.log.Debug().Err(err).Msg("malformed input packet")
			return
		}
		if !ok {
			return // unknown event type, ignored
		}
		if l.inputs.Submit(decoded, rstime.NowUS()) {
			peer.BeginStreaming()
		}
	case wire.TypeControl:
		op, ok := wire.DecodeControl(plaintext)
		if !ok {
			return
		}
		switch op {
		case wire.CtrlDisconnect:
			l.log.Info().Str("peer", peer.Hostname).Msg("peer sent CTRL_DISCONNECT")
			peer.Disconnect()
		case wire.CtrlRequestKeyframe:
			l.encoder.ForceKeyframe()
		}
	default:
		l.log.Debug().Uint8("type", typ).Msg("unexpected packet type on host")
	}
}

func (l *Loop) checkTimeouts() {
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
			continue
		}
		// Clients ping on a fixed cadence; a long-silent peer has
		// effectively missed three of them.
		st := p.State()
		if (st == registry.Connected || st == registry.Streaming) &&
			now-p.LastSeenMS > 3*handshake.PingIntervalMS {
			l.log.Warn().Str("peer", p.Hostname).Msg("peer silent past ping deadline, failing")
			p.Fail()
		}
	}
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
	for _, p := range l.registry.List() {
		if p.Session != nil && p.Session.Authenticated() && p.Addr != nil {
			if pkt, err := p.Session.SealAndSend(wire.TypeControl, wire.EncodeControl(wire.CtrlDisconnect)); err == nil {
				_ = l.ep.SendTo(p.Addr, pkt)
			}
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

// Connect implements ctlsock.Handler: dial a peer by peer code, using
// the discovery cache to resolve its current address (peer codes carry
// no network address of their own).
func (l *Loop) Connect(spec string) error {
	if !strings.Contains(spec, "@") {
		return fmt.Errorf("connect: %w: expected a peer code (<base64>@<label>)", rserrors.ErrConfig)
	}
	pub, label, err := identity.ParsePeerCode(spec)
	if err != nil {
		return err
	}
	for _, e := range l.disc.Cache().Online() {
		if e.PeerCode == spec {
			addr := &net.UDPAddr{IP: net.ParseIP(e.IPAddress), Port: int(e.Port)}
			return l.connectToAddr(addr, pub, label)
		}
	}
	return fmt.Errorf("connect %q: %w: no online entry in discovery cache", spec, rserrors.ErrDiscovery)
}

func (l *Loop) connectToAddr(addr *net.UDPAddr, peerPub ed25519.PublicKey, hostname string) error {
	peer, exists := l.registry.Get(peerPub)
	if !exists {
		peer = registry.NewPeer(peerPub, hostname, addr)
		if err := l.registry.Add(peer); err != nil {
			return err
		}
	} else {
		peer.Addr = addr
	}
	if l.dialer.HasPending(peerPub) {
		return nil
	}

	peer.BeginConnecting()
	payload, err := l.dialer.BeginHello(peerPub)
	if err != nil {
		return err
	}
	peer.BeginAuthenticating(handshake.HandshakeTimeoutMS * time.Millisecond)
	l.sendCleartext(addr, wire.TypeHello, payload)
	return nil
}

// Disconnect implements ctlsock.Handler.
func (l *Loop) Disconnect(hostname string) error {
	for _, p := range l.registry.List() {
		if p.Hostname == hostname {
			if p.Session != nil && p.Session.Authenticated() && p.Addr != nil {
				if pkt, err := p.Session.SealAndSend(wire.TypeControl, wire.EncodeControl(wire.CtrlDisconnect)); err == nil {
					_ = l.ep.SendTo(p.Addr, pkt)
				}
			}
			p.Disconnect()
			return nil
		}
	}
	return fmt.Errorf("disconnect %q: %w: peer not found", hostname, rserrors.ErrConfig)
}

// Stats implements ctlsock.Handler.
func (l *Loop) Stats() map[string]string {
	rl := l.limiter.Stats()
	return map[string]string{
		"role":                 "host",
		"peer_count":           fmt.Sprintf("%d", l.registry.Len()),
		"capacity":             fmt.Sprintf("%d", l.registry.Capacity()),
		"discovery_cache_size": fmt.Sprintf("%d", len(l.disc.Cache().All())),
		"avg_input_latency_us": fmt.Sprintf("%d", l.inputs.AverageLatencyUS()),
		"keyframes":            fmt.Sprintf("%d", l.keyframes.Load()),
		"hello_served":         fmt.Sprintf("%d", rl.Served),
		"hello_dropped":        fmt.Sprintf("%d", rl.Dropped),
	}
}
