package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"rootstream/internal/identity"
	"rootstream/internal/rserrors"
)

// ResolveManual parses an explicit "<host>:<port>" address or a peer
// code. For an address it returns the UDP address plus label to use;
// a bare host resolves by DNS when it isn't already an IP literal. A
// peer code carries no address, so for one it returns a nil address,
// the code's label, and an ErrDiscovery error.
func ResolveManual(spec string, defaultPort int) (*net.UDPAddr, string, error) {
	if strings.Contains(spec, "@") {
		return resolveFromPeerCode(spec, defaultPort)
	}
	return resolveHostPort(spec, defaultPort)
}

func resolveFromPeerCode(code string, defaultPort int) (*net.UDPAddr, string, error) {
	_, label, err := identity.ParsePeerCode(code)
	if err != nil {
		return nil, "", fmt.Errorf("resolve manual peer code: %w", err)
	}
	// A peer code alone carries no network address; callers must pair it
	// with a cached or explicitly supplied host.
	return nil, label, fmt.Errorf("resolve manual peer code: %w: peer code has no address, use <host>:<port> or a cached entry", rserrors.ErrDiscovery)
}

func resolveHostPort(spec string, defaultPort int) (*net.UDPAddr, string, error) {
	host := spec
	port := defaultPort

	if h, p, err := net.SplitHostPort(spec); err == nil {
		host = h
		if parsed, perr := strconv.Atoi(p); perr == nil {
			port = parsed
		}
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, "", fmt.Errorf("resolve manual %q: %w: %v", spec, rserrors.ErrDiscovery, err)
	}
	if len(ips) == 0 {
		return nil, "", fmt.Errorf("resolve manual %q: %w: no addresses", spec, rserrors.ErrDiscovery)
	}

	return &net.UDPAddr{IP: ips[0], Port: port}, host, nil
}
