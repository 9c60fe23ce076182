package hostloop

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rootstream/internal/clientloop"
	"rootstream/internal/identity"
	"rootstream/internal/rcrypto"
)

func genIdentity(t *testing.T, label string) *identity.Identity {
	t.Helper()
	fresh, err := rcrypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return &identity.Identity{
		Public:   fresh.Public,
		Private:  fresh.Private,
		Label:    label,
		PeerCode: identity.FormatPeerCode(fresh.Public, label),
	}
}

// TestHostAcceptsClientHandshake drives a real host loop against a real
// client loop over loopback UDP and checks the host lists exactly one
// peer, in CONNECTED or STREAMING, once the handshake completes.
func TestHostAcceptsClientHandshake(t *testing.T) {
	hostID := genIdentity(t, "test-host")
	clientID := genIdentity(t, "test-client")

	hcfg := DefaultConfig()
	hcfg.Port = 0 // let the kernel pick; re-read below
	hcfg.NoDiscovery = true
	hcfg.FPS = 200

	host, err := New(hcfg, hostID, Collaborators{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new host loop: %v", err)
	}

	ccfg := clientloop.DefaultConfig()
	ccfg.NoDiscovery = true
	ccfg.ManualAddr = hostAddrString(t, host)
	ccfg.PeerCode = hostID.PeerCode

	client, err := clientloop.New(ccfg, clientID, clientloop.Collaborators{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client loop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go host.Run(ctx)
	go client.Run(ctx)

	if err := client.Dial(); err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		peers := host.registry.List()
		if len(peers) == 1 && peers[0].State().String() == "CONNECTED" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	peers := host.ListPeers()
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer on host, got %d", len(peers))
	}
	if peers[0].State != "CONNECTED" && peers[0].State != "STREAMING" {
		t.Fatalf("peer state = %s, want CONNECTED or STREAMING", peers[0].State)
	}

	cancel()
}

func hostAddrString(t *testing.T, h *Loop) string {
	t.Helper()
	_, port, err := net.SplitHostPort(h.ep.LocalAddr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	return fmt.Sprintf("127.0.0.1:%s", port)
}
