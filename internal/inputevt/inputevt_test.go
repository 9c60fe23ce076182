package inputevt

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := Event{Type: EVKey, Code: 30, Value: 1}
	buf := Encode(e, 7, 42, 123456)

	d, ok, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok {
		t.Fatalf("expected decode to accept known type")
	}
	if d.Event != e {
		t.Fatalf("event = %+v, want %+v", d.Event, e)
	}
	if d.ClientID != 7 || d.Sequence != 42 || d.OriginUS != 123456 {
		t.Fatalf("metadata mismatch: %+v", d)
	}
}

func TestDecodeRejectsBadLength(t *testing.T) {
	if _, _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error on short payload")
	}
}

func TestDecodeIgnoresUnknownType(t *testing.T) {
	buf := Encode(Event{Type: EVSyn}, 1, 1, 1)
	buf[0] = 0xFF // unknown type
	_, ok, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode should not error on unknown type: %v", err)
	}
	if ok {
		t.Fatalf("expected unknown type to be reported via ok=false")
	}
}

func TestManagerDedupBySequence(t *testing.T) {
	m := NewManager()
	d := Decoded{ClientID: 1, Sequence: 5, OriginUS: 1000}

	if !m.Submit(d, 2000) {
		t.Fatalf("first submission should be accepted")
	}
	if m.Submit(d, 2500) {
		t.Fatalf("duplicate sequence should be rejected")
	}
}

func TestManagerAverageLatency(t *testing.T) {
	m := NewManager()
	m.Submit(Decoded{ClientID: 1, Sequence: 1, OriginUS: 1000}, 1500)
	m.Submit(Decoded{ClientID: 1, Sequence: 2, OriginUS: 2000}, 2500)

	if avg := m.AverageLatencyUS(); avg != 500 {
		t.Fatalf("average latency = %d, want 500", avg)
	}
}

func TestManagerIndependentClients(t *testing.T) {
	m := NewManager()
	d1 := Decoded{ClientID: 1, Sequence: 1}
	d2 := Decoded{ClientID: 2, Sequence: 1}

	if !m.Submit(d1, 0) {
		t.Fatalf("client 1 seq 1 should be accepted")
	}
	if !m.Submit(d2, 0) {
		t.Fatalf("client 2 seq 1 should be accepted independently")
	}
}
