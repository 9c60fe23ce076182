// Package replay implements the 64-wide sliding-bitmap replay window used
// by a session's receive side. A nonce is accepted iff it is ahead of
// the high-water mark (which advances the window) or within the window
// with its bit still clear; everything at or below window-start is
// rejected as stale.
package replay

import "sync"

// windowWidth is the number of trailing nonces tracked behind the
// high-water mark.
const windowWidth = 64

// Window rejects replayed or too-far-behind nonces. Zero value is ready
// to use: nothing has been accepted yet.
type Window struct {
	mu      sync.Mutex
	high    uint64 // highest nonce accepted so far
	started bool
	bitmap  uint64 // bit i set means (high - i) has been accepted, i in [0, 63]
}

// Check reports whether nonce would be accepted, without recording it.
// Callers that must authenticate a packet before committing its nonce
// (so a forged high nonce cannot advance the window) call Check first
// and Accept only after the packet verifies.
func (w *Window) Check(nonce uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.check(nonce)
}

// Accept reports whether nonce is new and records it: either greater
// than the current high-water mark (it advances the window), or within
// the trailing 64-wide window and not already marked seen. Nonces at or
// behind (high - windowWidth) are always rejected.
func (w *Window) Accept(nonce uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.check(nonce) {
		return false
	}
	w.commit(nonce)
	return true
}

// check is the read-only half of Accept. Caller holds w.mu.
func (w *Window) check(nonce uint64) bool {
	if !w.started {
		return true
	}
	if nonce > w.high {
		return true
	}
	back := w.high - nonce
	if back >= windowWidth {
		return false
	}
	return w.bitmap&(uint64(1)<<back) == 0
}

// commit records an accepted nonce. Caller holds w.mu and has already
// established via check that the nonce is acceptable.
func (w *Window) commit(nonce uint64) {
	if !w.started {
		w.started = true
		w.high = nonce
		w.bitmap = 1
		return
	}
	if nonce > w.high {
		shift := nonce - w.high
		if shift >= windowWidth {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.high = nonce
		return
	}
	w.bitmap |= uint64(1) << (w.high - nonce)
}

// High returns the current high-water mark (for diagnostics/tests).
func (w *Window) High() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.high
}
