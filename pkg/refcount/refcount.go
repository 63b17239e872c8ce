// Package refcount implements a lock-free intrusive reference count with
// a resurrection-safe acquire, modeled on the NOVA microhypervisor's
// Refcount/Refptr (original_source/inc/x86_64/refptr.hpp). The key
// safety property is that once the count reaches zero, no later Acquire
// may succeed — a caller that obtains a raw pointer from a shared table
// must attempt Acquire before it may dereference what it found.
package refcount

import "sync/atomic"

// Counter is an atomic 32-bit reference count, initialized to 1.
type Counter struct {
	v atomic.Int32
}

// New returns a Counter with an initial count of 1, as if one reference
// already exists (the one the constructor is about to hand back).
func New() *Counter {
	c := &Counter{}
	c.v.Store(1)
	return c
}

// Load returns the current count. Intended for tests and diagnostics;
// the result is stale the instant it is read.
func (c *Counter) Load() int32 {
	return c.v.Load()
}

// Acquire attempts to add a reference. It refuses to raise the count
// from zero — once another holder's Release has observed the
// transition to zero, the object is condemned and no new reference may
// appear, no matter how this Counter is reached.
func (c *Counter) Acquire() bool {
	for {
		r := c.v.Load()
		if r == 0 {
			return false
		}
		if c.v.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// Release drops a reference. It returns true iff this call observed the
// transition to zero — the caller that sees true owns the destruction
// obligation and must post it through the grace-period coordinator
// rather than free the object immediately, since other CPUs may still
// hold a pointer obtained before this Release.
func (c *Counter) Release() bool {
	return c.v.Add(-1) == 0
}
