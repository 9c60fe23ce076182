package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"rootstream/internal/rserrors"
	"rootstream/internal/rstime"
)

// ServiceType is the mDNS service identifier.
const ServiceType = "_rootstream._udp"

// ServiceDomain is the standard local mDNS domain.
const ServiceDomain = "local."

// mdnsVersion is advertised in the version TXT record.
const mdnsVersion = "1"

// MDNS wraps zeroconf registration and browsing for one process.
type MDNS struct {
	server *zeroconf.Server
}

// Announce registers the local service with its TXT records:
// version, code, capability, max_peers, bandwidth.
func Announce(instance string, port int, peerCode, capability string, maxPeers int, bandwidth string) (*MDNS, error) {
	txt := []string{
		"version=" + mdnsVersion,
		"code=" + peerCode,
		"capability=" + capability,
		"max_peers=" + strconv.Itoa(maxPeers),
		"bandwidth=" + bandwidth,
	}
	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns announce: %w: %v", rserrors.ErrDiscovery, err)
	}
	return &MDNS{server: server}, nil
}

// Close withdraws the service announcement.
func (m *MDNS) Close() {
	if m.server != nil {
		m.server.Shutdown()
	}
}

// Browse resolves _rootstream._udp instances for the given window and
// feeds every result into cache, tagged TierMDNS.
func Browse(ctx context.Context, window time.Duration, cache *Cache) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns browse: %w: %v", rserrors.ErrDiscovery, err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for e := range entries {
			addEntryToCache(e, cache)
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	if err := resolver.Browse(browseCtx, ServiceType, ServiceDomain, entries); err != nil {
		return fmt.Errorf("mdns browse: %w: %v", rserrors.ErrDiscovery, err)
	}
	<-browseCtx.Done()
	return nil
}

func addEntryToCache(e *zeroconf.ServiceEntry, cache *Cache) {
	fields := map[string]string{}
	for _, t := range e.Text {
		kv := strings.SplitN(t, "=", 2)
		if len(kv) == 2 {
			fields[kv[0]] = kv[1]
		}
	}

	ip := ""
	if len(e.AddrIPv4) > 0 {
		ip = e.AddrIPv4[0].String()
	} else if len(e.AddrIPv6) > 0 {
		ip = e.AddrIPv6[0].String()
	}

	maxPeers, _ := strconv.Atoi(fields["max_peers"])
	now := rstime.NowUS()
	_ = cache.Add(CacheEntry{
		Hostname:     e.Instance,
		IPAddress:    ip,
		Port:         uint16(e.Port),
		PeerCode:     fields["code"],
		Capability:   fields["capability"],
		Version:      fields["version"],
		MaxPeers:     maxPeers,
		Bandwidth:    fields["bandwidth"],
		Tier:         TierMDNS,
		DiscoveredUS: now,
		LastSeenUS:   now,
		TTL:          DefaultTTL,
		IsOnline:     true,
	})
}
