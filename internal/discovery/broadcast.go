package discovery

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"rootstream/internal/rserrors"
	"rootstream/internal/rstime"
)

// BroadcastPort is the fixed UDP port for LAN discovery.
const BroadcastPort = 5555

// broadcastMagicText is the ASCII magic, NUL-padded to the 20-byte
// magic field.
const broadcastMagicText = "ROOTSTREAM_DISCOVER"

const (
	magicSize    = 20
	hostnameSize = 256
	// magic(20) + version(4) + hostname(256) + port(2) + peer code follows
	broadcastFixedSize = magicSize + 4 + hostnameSize + 2
)

// broadcastVersion is the protocol version advertised in broadcasts.
const broadcastVersion uint32 = 1

// EncodeBroadcast builds the fixed-layout discovery packet.
func EncodeBroadcast(hostname string, listenPort uint16, peerCode string) ([]byte, error) {
	if len(hostname) >= hostnameSize {
		return nil, fmt.Errorf("encode broadcast: %w: hostname too long", rserrors.ErrDiscovery)
	}

	buf := make([]byte, broadcastFixedSize+len(peerCode))
	off := 0
	copy(buf[off:off+magicSize], broadcastMagicText)
	off += magicSize
	binary.LittleEndian.PutUint32(buf[off:off+4], broadcastVersion)
	off += 4
	copy(buf[off:off+hostnameSize], hostname)
	off += hostnameSize
	binary.LittleEndian.PutUint16(buf[off:off+2], listenPort)
	off += 2
	copy(buf[off:], peerCode)

	return buf, nil
}

// BroadcastMessage is a decoded LAN discovery packet.
type BroadcastMessage struct {
	Version    uint32
	Hostname   string
	ListenPort uint16
	PeerCode   string
}

// DecodeBroadcast validates and parses a received discovery packet.
// Never panics on malformed input.
func DecodeBroadcast(buf []byte) (BroadcastMessage, error) {
	if len(buf) < broadcastFixedSize {
		return BroadcastMessage{}, fmt.Errorf("decode broadcast: %w: short packet", rserrors.ErrDiscovery)
	}
	if !bytes.Equal(buf[:len(broadcastMagicText)], []byte(broadcastMagicText)) {
		return BroadcastMessage{}, fmt.Errorf("decode broadcast: %w: bad magic", rserrors.ErrDiscovery)
	}

	off := magicSize
	version := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	hostRaw := buf[off : off+hostnameSize]
	off += hostnameSize
	port := binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	code := string(buf[off:])

	hostname := string(bytes.TrimRight(hostRaw, "\x00"))

	return BroadcastMessage{
		Version:    version,
		Hostname:   hostname,
		ListenPort: port,
		PeerCode:   code,
	}, nil
}

// BroadcastAnnounce sends one discovery packet to the subnet broadcast
// address on BroadcastPort.
func BroadcastAnnounce(hostname string, listenPort uint16, peerCode string) error {
	pkt, err := EncodeBroadcast(hostname, listenPort, peerCode)
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("broadcast announce: %w: %v", rserrors.ErrDiscovery, err)
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: BroadcastPort}
	if _, err := conn.WriteTo(pkt, dst); err != nil {
		return fmt.Errorf("broadcast announce: %w: %v", rserrors.ErrDiscovery, err)
	}
	return nil
}

// BroadcastListen listens on BroadcastPort for window and feeds any
// valid discovery packets into cache, tagged TierBroadcast.
func BroadcastListen(window time.Duration, cache *Cache) (int, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: BroadcastPort})
	if err != nil {
		return 0, fmt.Errorf("broadcast listen: %w: %v", rserrors.ErrDiscovery, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(window)
	buf := make([]byte, 2048)
	found := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := conn.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			return found, fmt.Errorf("broadcast listen: %w: %v", rserrors.ErrDiscovery, err)
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return found, fmt.Errorf("broadcast listen: %w: %v", rserrors.ErrDiscovery, err)
		}

		msg, err := DecodeBroadcast(buf[:n])
		if err != nil {
			continue // malformed or foreign packet; ignore and keep listening
		}

		now := rstime.NowUS()
		if addErr := cache.Add(CacheEntry{
			Hostname:     msg.Hostname,
			IPAddress:    addr.IP.String(),
			Port:         msg.ListenPort,
			PeerCode:     msg.PeerCode,
			Version:      fmt.Sprintf("%d", msg.Version),
			Tier:         TierBroadcast,
			DiscoveredUS: now,
			LastSeenUS:   now,
			TTL:          DefaultTTL,
			IsOnline:     true,
		}); addErr == nil {
			found++
		}
	}

	return found, nil
}
