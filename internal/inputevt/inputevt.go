// Package inputevt implements the typed input event wire format and
// per-client deduplication/latency tracking the host side uses. Each
// client carries its own monotonic sequence; the host drops duplicates
// by (client, sequence) and accumulates receive-time-minus-origin
// latency per client.
package inputevt

import (
	"encoding/binary"
	"fmt"
	"sync"

	"rootstream/internal/rserrors"
)

// EventType mirrors the Linux evdev event classes.
type EventType uint8

const (
	EVKey EventType = iota
	EVRel
	EVAbs
	EVSyn
)

func (t EventType) valid() bool {
	return t <= EVSyn
}

// Event is one decoded input action.
type Event struct {
	Type  EventType
	Code  uint16
	Value int32
}

// encodedSize is type(1) + code(2) + value(4) + sequence(2) +
// timestamp_us(8) + client_id(4).
const encodedSize = 1 + 2 + 4 + 2 + 8 + 4

// Encode serializes an event with its per-client sequence, origin
// timestamp, and client ID into the INPUT packet payload.
func Encode(e Event, clientID uint32, sequence uint16, originUS int64) []byte {
	buf := make([]byte, encodedSize)
	buf[0] = byte(e.Type)
	binary.LittleEndian.PutUint16(buf[1:3], e.Code)
	binary.LittleEndian.PutUint32(buf[3:7], uint32(e.Value))
	binary.LittleEndian.PutUint16(buf[7:9], sequence)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(originUS))
	binary.LittleEndian.PutUint32(buf[17:21], clientID)
	return buf
}

// Decoded is one parsed input packet, still carrying its dedup/latency
// metadata.
type Decoded struct {
	Event    Event
	ClientID uint32
	Sequence uint16
	OriginUS int64
}

// Decode parses an INPUT packet payload. Never panics on malformed
// input; unknown event types are reported via ok=false rather than an
// error, since unknown types are ignored rather than fatal.
func Decode(payload []byte) (d Decoded, ok bool, err error) {
	if len(payload) != encodedSize {
		return Decoded{}, false, fmt.Errorf("decode input event: %w: bad length %d", rserrors.ErrTransport, len(payload))
	}
	typ := EventType(payload[0])
	if !typ.valid() {
		return Decoded{}, false, nil
	}
	d = Decoded{
		Event: Event{
			Type:  typ,
			Code:  binary.LittleEndian.Uint16(payload[1:3]),
			Value: int32(binary.LittleEndian.Uint32(payload[3:7])),
		},
		Sequence: binary.LittleEndian.Uint16(payload[7:9]),
		OriginUS: int64(binary.LittleEndian.Uint64(payload[9:17])),
		ClientID: binary.LittleEndian.Uint32(payload[17:21]),
	}
	return d, true, nil
}

// clientTrack is one client's dedup/latency state.
type clientTrack struct {
	lastSequence      uint16
	haveSequence      bool
	totalInputs       uint64
	duplicatesSkipped uint64
	totalLatencyUS    int64
	latencySamples    uint64
}

// Manager deduplicates and tracks latency across multiple clients'
// input streams on the host side.
type Manager struct {
	mu      sync.Mutex
	clients map[uint32]*clientTrack
}

// NewManager creates an empty input manager.
func NewManager() *Manager {
	return &Manager{clients: make(map[uint32]*clientTrack)}
}

// Submit records one decoded event, rejecting it as a duplicate if its
// sequence equals the last accepted sequence for the same client_id, and
// returns whether it should be processed. Only that last sequence is
// kept per client, so a repeat of any earlier sequence is accepted.
func (m *Manager) Submit(d Decoded, receivedUS int64) (accept bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[d.ClientID]
	if !ok {
		c = &clientTrack{}
		m.clients[d.ClientID] = c
	}

	if c.haveSequence && c.lastSequence == d.Sequence {
		c.duplicatesSkipped++
		return false
	}

	c.lastSequence = d.Sequence
	c.haveSequence = true
	c.totalInputs++

	if d.OriginUS > 0 {
		latency := receivedUS - d.OriginUS
		c.totalLatencyUS += latency
		c.latencySamples++
	}
	return true
}

// AverageLatencyUS returns the mean origin-to-receive latency across
// all clients, in microseconds.
func (m *Manager) AverageLatencyUS() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	var samples uint64
	for _, c := range m.clients {
		total += c.totalLatencyUS
		samples += c.latencySamples
	}
	if samples == 0 {
		return 0
	}
	return total / int64(samples)
}

// Stats returns a snapshot of per-client counters, for status
// reporting.
type Stats struct {
	TotalInputs       uint64
	DuplicatesSkipped uint64
}

// ClientStats returns the current counters for one client.
func (m *Manager) ClientStats(clientID uint32) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return Stats{}, false
	}
	return Stats{TotalInputs: c.totalInputs, DuplicatesSkipped: c.duplicatesSkipped}, true
}
