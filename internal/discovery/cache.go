// Package discovery implements the three-tier peer discovery strategy:
// mDNS advertisement/browse, LAN UDP broadcast, and manual entry, all
// feeding one bounded peer cache with TTL-based online/offline aging
// and per-tier statistics.
package discovery

import (
	"fmt"
	"sync"
	"time"

	"rootstream/internal/rserrors"
	"rootstream/internal/rstime"
)

// MaxCachedPeers is the cache's fixed capacity.
const MaxCachedPeers = 32

// DefaultTTL is a cache entry's time-to-live before it is dropped
// entirely.
const DefaultTTL = 3600 * time.Second

// Tier identifies which discovery mechanism produced an entry, for the
// stats counters.
type Tier int

const (
	TierMDNS Tier = iota
	TierBroadcast
	TierManual
)

func (t Tier) String() string {
	switch t {
	case TierMDNS:
		return "mdns"
	case TierBroadcast:
		return "broadcast"
	case TierManual:
		return "manual"
	default:
		return "unknown"
	}
}

// CacheEntry is one discovered peer.
type CacheEntry struct {
	Hostname       string
	IPAddress      string
	Port           uint16
	PeerCode       string
	Capability     string
	Version        string
	MaxPeers       int
	Bandwidth      string
	Tier           Tier
	DiscoveredUS   int64
	LastSeenUS     int64
	TTL            time.Duration
	IsOnline       bool
	ContactCount   int
}

// Stats accumulates discovery counters.
type Stats struct {
	TotalDiscoveries     int
	TotalLosses          int
	MDNSDiscoveries      int
	BroadcastDiscoveries int
	ManualDiscoveries    int
}

// Cache is the bounded peer discovery table; once it holds
// MaxCachedPeers entries, Add of a new hostname is rejected.
type Cache struct {
	mu      sync.Mutex
	order   []string // hostnames, insertion order
	entries map[string]*CacheEntry
	stats   Stats
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*CacheEntry)}
}

// Add inserts or refreshes an entry by hostname. A matching hostname
// bumps contact_count and replaces the stored fields; a new hostname is
// appended unless the cache is at capacity.
func (c *Cache) Add(e CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.TTL == 0 {
		e.TTL = DefaultTTL
	}
	if existing, ok := c.entries[e.Hostname]; ok {
		e.ContactCount = existing.ContactCount + 1
		c.entries[e.Hostname] = &e
		return nil
	}

	if len(c.order) >= MaxCachedPeers {
		return fmt.Errorf("add %s: %w: discovery cache full (%d)", e.Hostname, rserrors.ErrDiscovery, MaxCachedPeers)
	}
	c.order = append(c.order, e.Hostname)
	c.entries[e.Hostname] = &e
	c.stats.TotalDiscoveries++
	switch e.Tier {
	case TierMDNS:
		c.stats.MDNSDiscoveries++
	case TierBroadcast:
		c.stats.BroadcastDiscoveries++
	case TierManual:
		c.stats.ManualDiscoveries++
	}
	return nil
}

// UpdateSeen marks hostname as freshly seen.
func (c *Cache) UpdateSeen(hostname string, nowUS int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hostname]
	if !ok {
		return false
	}
	e.LastSeenUS = nowUS
	e.IsOnline = true
	return true
}

// Remove deletes an entry and counts it as a loss.
func (c *Cache) Remove(hostname string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[hostname]; !ok {
		return false
	}
	delete(c.entries, hostname)
	for i, h := range c.order {
		if h == hostname {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.stats.TotalLosses++
	return true
}

// Get returns a copy of the entry for hostname, if present.
func (c *Cache) Get(hostname string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hostname]
	if !ok {
		return CacheEntry{}, false
	}
	return *e, true
}

// All returns a snapshot of every cached entry, in insertion order.
func (c *Cache) All() []CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CacheEntry, 0, len(c.order))
	for _, h := range c.order {
		out = append(out, *c.entries[h])
	}
	return out
}

// Online returns only entries currently marked online.
func (c *Cache) Online() []CacheEntry {
	all := c.All()
	out := all[:0:0]
	for _, e := range all {
		if e.IsOnline {
			out = append(out, e)
		}
	}
	return out
}

// Expire removes entries older than their TTL, and marks entries older
// than TTL/2 offline without removing them.
func (c *Cache) Expire(nowUS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []string
	for _, h := range c.order {
		e := c.entries[h]
		ageUS := nowUS - e.LastSeenUS
		ttlUS := e.TTL.Microseconds()
		if ageUS > ttlUS {
			toRemove = append(toRemove, h)
		} else if ageUS > ttlUS/2 {
			e.IsOnline = false
		}
	}
	for _, h := range toRemove {
		delete(c.entries, h)
		for i, o := range c.order {
			if o == h {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		c.stats.TotalLosses++
	}
}

// Stats returns a snapshot of the accumulated counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// nowUS is the clock AddManual stamps new manual entries with.
func nowUS() int64 { return rstime.NowUS() }
