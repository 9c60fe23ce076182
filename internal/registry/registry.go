package registry

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"rootstream/internal/rserrors"
)

// DefaultCapacity is the typical fixed table size.
const DefaultCapacity = 16

// Registry is the fixed-capacity peer table (C6). At most one entry per
// identity key; a duplicate Add overwrites the stale entry in place.
// Entries are never reordered once indexed until removed, at which point
// the tail is shifted down to fill the gap.
type Registry struct {
	mu       sync.RWMutex
	capacity int
	order    []string // insertion-ordered keys, for tail-shift removal
	byKey    map[string]*Peer
	byAddr   map[string]*Peer
}

// New creates a registry with the given capacity (use DefaultCapacity if
// unsure).
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		byKey:    make(map[string]*Peer),
		byAddr:   make(map[string]*Peer),
	}
}

func keyOf(pub ed25519.PublicKey) string { return string(pub) }

// Add inserts peer, or overwrites the existing entry for the same
// identity key. Returns an error if the table is full and this is a new
// key.
func (r *Registry) Add(peer *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := keyOf(peer.PublicKey)
	if _, exists := r.byKey[k]; !exists {
		if len(r.order) >= r.capacity {
			return fmt.Errorf("add peer: %w: registry at capacity (%d)", rserrors.ErrConfig, r.capacity)
		}
		r.order = append(r.order, k)
	}
	r.byKey[k] = peer
	if peer.Addr != nil {
		r.byAddr[peer.Addr.String()] = peer
	}
	return nil
}

// Get returns the peer for a given identity key, if any.
func (r *Registry) Get(pub ed25519.PublicKey) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byKey[keyOf(pub)]
	return p, ok
}

// GetByAddr returns the peer bound to a given source address, if any —
// used by the transport dispatcher to route an inbound datagram without
// first knowing the sender's identity key.
func (r *Registry) GetByAddr(addr string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byAddr[addr]
	return p, ok
}

// Remove deletes a peer by identity key, tail-shifting the insertion
// order to close the gap.
func (r *Registry) Remove(pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := keyOf(pub)
	peer, ok := r.byKey[k]
	if !ok {
		return
	}
	delete(r.byKey, k)
	if peer.Addr != nil {
		delete(r.byAddr, peer.Addr.String())
	}
	for i, other := range r.order {
		if other == k {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// List returns a snapshot of all peers, in insertion order.
func (r *Registry) List() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k])
	}
	return out
}

// Streaming returns the subset of peers currently in STREAMING.
func (r *Registry) Streaming() []*Peer {
	all := r.List()
	out := all[:0:0]
	for _, p := range all {
		if p.IsStreaming() {
			out = append(out, p)
		}
	}
	return out
}

// Len reports the current number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Capacity reports the table's fixed capacity.
func (r *Registry) Capacity() int {
	return r.capacity
}
