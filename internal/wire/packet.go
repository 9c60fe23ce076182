// Package wire implements the packet codec: header
// framing, checksum, and validation for the 16-peer streaming protocol.
//
// Header layout is magic(4) + version(1) + type(1) + sequence(2) +
// timestamp(4) + payload_size(4) + checksum(2) = 18 bytes, packed
// little-endian with explicit byte offsets — no struct reflection.
// The checksum covers the payload only, never the header.
package wire

import (
	"encoding/binary"
	"fmt"

	"rootstream/internal/rserrors"
)

// Packet type values. The 0x0*/0x1* split is advisory: 0x0*
// requires an established session, 0x1* participates in handshake or
// liveness and travels signed-cleartext or cleartext.
const (
	TypeVideo   uint8 = 0x01
	TypeAudio   uint8 = 0x02
	TypeInput   uint8 = 0x03
	TypeControl uint8 = 0x04

	TypeHello    uint8 = 0x10
	TypeHelloAck uint8 = 0x11
	TypePing     uint8 = 0x12
	TypePong     uint8 = 0x13
)

const (
	// Magic is the 32-bit ASCII "ROOT" header magic.
	Magic uint32 = 0x524F4F54
	// Version is the only protocol version this codec speaks.
	Version uint8 = 1

	// HeaderSize is the encoded header length in bytes.
	HeaderSize = 4 + 1 + 1 + 2 + 4 + 4 + 2

	// MaxPacketSize is the MTU-safe datagram ceiling; payloads above
	// MaxPacketSize-HeaderSize are application-fragmented by the sender.
	MaxPacketSize = 1400
	// MaxPayloadSize is the largest payload a single packet can carry.
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

// Header is the fixed packet header preceding every packet's payload.
type Header struct {
	Magic       uint32
	Version     uint8
	Type        uint8
	Sequence    uint16
	Timestamp   uint32 // sender time in ms, low 32 bits
	PayloadSize uint32
	Checksum    uint16 // additive-carry checksum of the payload only
}

// NewHeader builds a header for a payload of the given type and
// sequence, stamping the current wire timestamp and payload checksum.
func NewHeader(typ uint8, sequence uint16, timestamp32 uint32, payload []byte) Header {
	return Header{
		Magic:       Magic,
		Version:     Version,
		Type:        typ,
		Sequence:    sequence,
		Timestamp:   timestamp32,
		PayloadSize: uint32(len(payload)),
		Checksum:    Checksum(payload),
	}
}

// EncodeHeader serializes hdr into out, little-endian, byte exact.
// out must be at least HeaderSize long.
func EncodeHeader(hdr Header, out []byte) error {
	if len(out) < HeaderSize {
		return fmt.Errorf("encode header: buffer too small (%d < %d)", len(out), HeaderSize)
	}
	binary.LittleEndian.PutUint32(out[0:4], hdr.Magic)
	out[4] = hdr.Version
	out[5] = hdr.Type
	binary.LittleEndian.PutUint16(out[6:8], hdr.Sequence)
	binary.LittleEndian.PutUint32(out[8:12], hdr.Timestamp)
	binary.LittleEndian.PutUint32(out[12:16], hdr.PayloadSize)
	binary.LittleEndian.PutUint16(out[16:18], hdr.Checksum)
	return nil
}

// DecodeHeader parses a Header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("decode header: short buffer (%d < %d)", len(buf), HeaderSize)
	}
	return Header{
		Magic:       binary.LittleEndian.Uint32(buf[0:4]),
		Version:     buf[4],
		Type:        buf[5],
		Sequence:    binary.LittleEndian.Uint16(buf[6:8]),
		Timestamp:   binary.LittleEndian.Uint32(buf[8:12]),
		PayloadSize: binary.LittleEndian.Uint32(buf[12:16]),
		Checksum:    binary.LittleEndian.Uint16(buf[16:18]),
	}, nil
}

// Checksum computes the 16-bit additive-carry checksum over payload
// only (never the header): fold a 32-bit byte sum into 16 bits, adding
// the carry back in.
func Checksum(payload []byte) uint16 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return uint16((sum & 0xFFFF) + (sum >> 16))
}

// Packet is a decoded header plus its payload slice (still encrypted for
// media/control types, cleartext for handshake types).
type Packet struct {
	Header  Header
	Payload []byte
}

// Encode serializes a full packet (header + payload) into a fresh
// buffer for sending.
func Encode(typ uint8, sequence uint16, timestamp32 uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("encode packet: payload %d exceeds max %d", len(payload), MaxPayloadSize)
	}
	hdr := NewHeader(typ, sequence, timestamp32, payload)
	buf := make([]byte, HeaderSize+len(payload))
	if err := EncodeHeader(hdr, buf); err != nil {
		return nil, err
	}
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Validate rejects malformed datagrams without ever panicking: too
// short, wrong magic, wrong version, or a declared
// payload size that overruns the buffer. Rejections are silent at this
// layer — callers log, they never propagate as fatal.
func Validate(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("validate packet: %w: short buffer", rserrors.ErrTransport)
	}
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, fmt.Errorf("validate packet: %w: %v", rserrors.ErrTransport, err)
	}
	if hdr.Magic != Magic {
		return Header{}, fmt.Errorf("validate packet: %w: bad magic %#x", rserrors.ErrTransport, hdr.Magic)
	}
	if hdr.Version != Version {
		return Header{}, fmt.Errorf("validate packet: %w: bad version %d", rserrors.ErrTransport, hdr.Version)
	}
	if int(hdr.PayloadSize) > len(buf)-HeaderSize {
		return Header{}, fmt.Errorf("validate packet: %w: payload size %d exceeds remaining %d", rserrors.ErrTransport, hdr.PayloadSize, len(buf)-HeaderSize)
	}
	return hdr, nil
}

// Decode validates buf and splits it into a Header and payload slice.
func Decode(buf []byte) (Packet, error) {
	hdr, err := Validate(buf)
	if err != nil {
		return Packet{}, err
	}
	payload := buf[HeaderSize : HeaderSize+int(hdr.PayloadSize)]
	return Packet{Header: hdr, Payload: payload}, nil
}

// RequiresSession reports whether a packet type must be delivered inside
// an established session (the 0x0* class) versus participating in
// handshake/liveness cleartext (0x1*).
func RequiresSession(typ uint8) bool {
	return typ>>4 == 0x0
}

// Fragment splits payload into chunkSize-sized chunks for a sender
// whose logical message exceeds a single packet. Sealed senders pass a
// chunk size reduced by their nonce/tag overhead so the sealed result
// still fits MaxPayloadSize. The receiver does not reassemble at the
// transport level — decoders tolerate partial data or wait for the
// next keyframe.
func Fragment(payload []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 || chunkSize > MaxPayloadSize {
		chunkSize = MaxPayloadSize
	}
	if len(payload) <= chunkSize {
		return [][]byte{payload}
	}
	var chunks [][]byte
	for len(payload) > 0 {
		n := chunkSize
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}
