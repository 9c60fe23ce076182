// Package ratelimit throttles handshake (HELLO) processing per source
// address, so a flood of forged hellos cannot pin the service loop in
// signature verification. Each source refills a token bucket in real
// time; buckets idle long enough to be full again are swept, and
// served/dropped counters feed the audit stats.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

const (
	// hellosPerSecond is the sustained per-source HELLO budget;
	// helloBurst is how many may arrive back-to-back before the
	// throttle engages.
	hellosPerSecond = 20
	helloBurst      = 5

	// Token accounting is in nanoseconds: one HELLO costs tokenCost,
	// and a bucket holds at most helloBurst of them.
	tokenCost = int64(time.Second) / hellosPerSecond
	bucketCap = tokenCost * helloBurst

	// idleEvict is how long a source must stay quiet before its bucket
	// is dropped. By then the bucket has refilled completely, so
	// eviction never grants a quiet source extra budget.
	idleEvict     = time.Second
	sweepInterval = time.Second
)

// bucket is one source address's refill state.
type bucket struct {
	mu       sync.Mutex
	lastSeen time.Time
	tokens   int64
}

// Stats is a snapshot of the limiter's counters, surfaced through the
// control socket's STATS command.
type Stats struct {
	Served  uint64
	Dropped uint64
}

// Limiter throttles HELLO handling per source IP address.
type Limiter struct {
	mu      sync.Mutex
	buckets map[netip.Addr]*bucket
	served  uint64
	dropped uint64

	done    chan struct{}
	timeNow func() time.Time
}

// New creates a Limiter and starts its idle-bucket sweeper. Call Close
// to stop the sweeper.
func New() *Limiter {
	l := &Limiter{
		buckets: make(map[netip.Addr]*bucket),
		done:    make(chan struct{}),
		timeNow: time.Now,
	}
	go l.sweep()
	return l
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			now := l.timeNow()
			l.mu.Lock()
			for addr, b := range l.buckets {
				b.mu.Lock()
				idle := now.Sub(b.lastSeen) > idleEvict
				b.mu.Unlock()
				if idle {
					delete(l.buckets, addr)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the sweeper goroutine. Safe to call once.
func (l *Limiter) Close() {
	close(l.done)
}

// Allow reports whether a HELLO from addr may be processed now,
// consuming a token if so.
func (l *Limiter) Allow(addr netip.Addr) bool {
	l.mu.Lock()
	b, ok := l.buckets[addr]
	if !ok {
		// First contact: spend one token out of a full bucket.
		l.buckets[addr] = &bucket{tokens: bucketCap - tokenCost, lastSeen: l.timeNow()}
		l.served++
		l.mu.Unlock()
		return true
	}
	l.mu.Unlock()

	b.mu.Lock()
	now := l.timeNow()
	b.tokens += now.Sub(b.lastSeen).Nanoseconds()
	b.lastSeen = now
	if b.tokens > bucketCap {
		b.tokens = bucketCap
	}
	allowed := b.tokens >= tokenCost
	if allowed {
		b.tokens -= tokenCost
	}
	b.mu.Unlock()

	l.mu.Lock()
	if allowed {
		l.served++
	} else {
		l.dropped++
	}
	l.mu.Unlock()
	return allowed
}

// Stats returns the served/dropped counters accumulated so far.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Served: l.served, Dropped: l.dropped}
}
