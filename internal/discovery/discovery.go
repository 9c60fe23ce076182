package discovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// BroadcastListenWindow is how long one broadcast round listens for
// replies.
const BroadcastListenWindow = time.Second

// MDNSBrowseWindow is how long Service.Browse waits for mDNS responses.
const MDNSBrowseWindow = 2 * time.Second

// Config selects which tiers are active and what to advertise.
type Config struct {
	Enabled    bool
	Hostname   string
	Port       int
	PeerCode   string
	Capability string
	MaxPeers   int
	Bandwidth  string
}

// Service runs the three discovery tiers against one shared Cache. Each
// tier may add to the cache independently; the external contract
// (Announce/Browse) is identical regardless of which tiers succeed.
type Service struct {
	cfg   Config
	cache *Cache
	log   zerolog.Logger

	mdns *MDNS
}

// New creates a discovery service bound to cache.
func New(cfg Config, cache *Cache, log zerolog.Logger) *Service {
	return &Service{cfg: cfg, cache: cache, log: log.With().Str("component", "discovery").Logger()}
}

// Announce sends one LAN broadcast announcement and registers this
// instance via mDNS. A failure of either tier is logged as a warning —
// discovery failure is never fatal; manual entry always works.
func (s *Service) Announce() {
	if !s.cfg.Enabled {
		return
	}
	if err := BroadcastAnnounce(s.cfg.Hostname, uint16(s.cfg.Port), s.cfg.PeerCode); err != nil {
		s.log.Warn().Err(err).Msg("broadcast announce failed")
	}
	m, err := Announce(s.cfg.Hostname, s.cfg.Port, s.cfg.PeerCode, s.cfg.Capability, s.cfg.MaxPeers, s.cfg.Bandwidth)
	if err != nil {
		s.log.Warn().Err(err).Msg("mdns announce failed, continuing without it")
		return
	}
	s.mdns = m
	s.log.Info().Str("hostname", s.cfg.Hostname).Msg("announcing on mdns")
}

// Browse runs mDNS browse and a broadcast listen window concurrently
// and returns once both have finished, having fed any discoveries into
// the cache.
func (s *Service) Browse(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}

	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		if err := Browse(ctx, MDNSBrowseWindow, s.cache); err != nil {
			s.log.Warn().Err(err).Msg("mdns browse failed")
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		n, err := BroadcastListen(BroadcastListenWindow, s.cache)
		if err != nil {
			s.log.Warn().Err(err).Msg("broadcast listen failed")
			return
		}
		if n > 0 {
			s.log.Info().Int("count", n).Msg("found peers via broadcast")
		}
	}()

	<-done
	<-done
}

// AddManual resolves and records an explicitly entered peer.
func (s *Service) AddManual(spec string) error {
	addr, label, err := ResolveManual(spec, s.cfg.Port)
	if err != nil {
		return err
	}
	now := nowUS()
	return s.cache.Add(CacheEntry{
		Hostname:     label,
		IPAddress:    addr.IP.String(),
		Port:         uint16(addr.Port),
		Tier:         TierManual,
		DiscoveredUS: now,
		LastSeenUS:   now,
		TTL:          DefaultTTL,
		IsOnline:     true,
	})
}

// Close withdraws the mDNS announcement, if any.
func (s *Service) Close() {
	if s.mdns != nil {
		s.mdns.Close()
	}
}

// Cache returns the underlying peer cache.
func (s *Service) Cache() *Cache { return s.cache }
