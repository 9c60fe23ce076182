package transport

import (
	"net"
	"testing"
	"time"
)

func TestSendRecvRoundTrip(t *testing.T) {
	a, err := Bind(0)
	if err != nil {
		t.Fatalf("bind a: %v", err)
	}
	defer a.Close()
	b, err := Bind(0)
	if err != nil {
		t.Fatalf("bind b: %v", err)
	}
	defer b.Close()

	bAddr := b.LocalAddr().(*net.UDPAddr)
	if err := a.SendTo(bAddr, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	buf := make([]byte, RecvBufferSize)
	dg, ok, err := b.Recv(time.Second, buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !ok {
		t.Fatalf("expected datagram, got timeout")
	}
	if string(dg.Data) != "hello" {
		t.Fatalf("data = %q, want hello", dg.Data)
	}
}

func TestRecvTimesOutWithoutError(t *testing.T) {
	a, err := Bind(0)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer a.Close()

	buf := make([]byte, RecvBufferSize)
	start := time.Now()
	_, ok, err := a.Recv(50*time.Millisecond, buf)
	if err != nil {
		t.Fatalf("unexpected error on timeout: %v", err)
	}
	if ok {
		t.Fatalf("expected no datagram")
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("returned suspiciously early")
	}
}
