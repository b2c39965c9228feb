// Package lock implements the two-DN write-lock coordinator: per-DN
// exclusive write locks, acquired in a fixed order (entryDN then
// newDN) with bounded retry and guaranteed release on every exit path.
package lock

import (
	"sync"

	"github.com/cloudldap/dnmove/schema"
	"github.com/google/uuid"
)

// Handle is the opaque token returned by a successful TryWrite,
// required to Release the same lock.
type Handle struct {
	id uuid.UUID
	dn string
}

type entryLock struct {
	mu     sync.Mutex
	holder uuid.UUID
	held   bool
}

// Coordinator is a lock table holding one lock per normalized DN string.
// Write locks are exclusive per DN; re-entrancy within the same
// logical operation is not provided.
type Coordinator struct {
	mu    sync.Mutex
	table map[string]*entryLock
}

func NewCoordinator() *Coordinator {
	return &Coordinator{table: make(map[string]*entryLock)}
}

func (c *Coordinator) entryFor(norm string) *entryLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table[norm]
	if !ok {
		e = &entryLock{}
		c.table[norm] = e
	}
	return e
}

// TryWrite attempts to acquire dn's write lock up to retries times
// without backoff, returning (nil, false) if every attempt found the
// lock already held.
func (c *Coordinator) TryWrite(dn *schema.DN, retries int) (*Handle, bool) {
	norm := dn.DNNormStr()
	e := c.entryFor(norm)

	for i := 0; i < retries; i++ {
		if e.mu.TryLock() {
			id := uuid.New()
			e.holder = id
			e.held = true
			return &Handle{id: id, dn: norm}, true
		}
	}
	return nil, false
}

// Release unlocks dn's write lock. Calling it with a stale or
// already-released handle is a no-op, so cleanup code may call it
// unconditionally.
func (c *Coordinator) Release(dn *schema.DN, h *Handle) {
	if h == nil {
		return
	}
	norm := dn.DNNormStr()
	if norm != h.dn {
		return
	}
	c.mu.Lock()
	e, ok := c.table[norm]
	c.mu.Unlock()
	if !ok || !e.held || e.holder != h.id {
		return
	}
	e.held = false
	e.mu.Unlock()
}

// Pair is the entryDN-then-newDN lock pair a rename holds: on any
// acquisition failure, whatever was already acquired is released
// before returning, so the caller never has to remember to clean up a
// partial acquisition itself.
type Pair struct {
	entryDN, newDN         *schema.DN
	entryHandle, newHandle *Handle
}

// AcquirePair acquires entryDN's lock, then newDN's, in that order. If
// the second acquisition fails, the first is released before returning
// ok=false.
func (c *Coordinator) AcquirePair(entryDN, newDN *schema.DN, retries int) (*Pair, bool) {
	eh, ok := c.TryWrite(entryDN, retries)
	if !ok {
		return nil, false
	}
	nh, ok := c.TryWrite(newDN, retries)
	if !ok {
		c.Release(entryDN, eh)
		return nil, false
	}
	return &Pair{entryDN: entryDN, newDN: newDN, entryHandle: eh, newHandle: nh}, true
}

// Release is the cleanup-block release of both locks. Safe to call
// more than once.
func (p *Pair) Release(c *Coordinator) {
	if p == nil {
		return
	}
	c.Release(p.entryDN, p.entryHandle)
	c.Release(p.newDN, p.newHandle)
	p.entryHandle = nil
	p.newHandle = nil
}
