// Package memimpl is an in-process reference implementation of
// grant.Allocator, used by tests and the loopback demo in place of a real
// hypervisor grant table.
package memimpl

import (
	"sync"
	"sync/atomic"

	"github.com/brodyxchen/netfront/grant"
	"github.com/brodyxchen/netfront/pageheap"
	"github.com/brodyxchen/netfront/xerr"
)

type grantState struct {
	domid    uint16
	writable bool
	page     pageheap.Page
	ended    bool
}

// Allocator issues monotonically increasing GrantRef values and tracks each
// one's granted/access-ended state, so tests can assert that every grant is
// access-ended exactly once (spec.md §3 invariant 2).
type Allocator struct {
	mu      sync.Mutex
	next    uint32
	granted map[grant.GrantRef]*grantState
}

// New returns an empty Allocator.
func New() *Allocator {
	return &Allocator{granted: make(map[grant.GrantRef]*grantState)}
}

func (a *Allocator) Get() (grant.GrantRef, error) {
	return grant.GrantRef(atomic.AddUint32(&a.next, 1)), nil
}

func (a *Allocator) GetN(n int) ([]grant.GrantRef, error) {
	refs := make([]grant.GrantRef, n)
	for i := range refs {
		ref, _ := a.Get()
		refs[i] = ref
	}
	return refs, nil
}

func (a *Allocator) GrantAccess(gref grant.GrantRef, domid uint16, writable bool, page pageheap.Page) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, exists := a.granted[gref]; exists && !s.ended {
		return xerr.Unknown("grant already active")
	}
	a.granted[gref] = &grantState{domid: domid, writable: writable, page: page}
	return nil
}

func (a *Allocator) EndAccess(gref grant.GrantRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.granted[gref]
	if !ok {
		return xerr.Unknown("end_access on ungranted ref")
	}
	if s.ended {
		return xerr.Unknown("double end_access")
	}
	s.ended = true
	return nil
}

func (a *Allocator) Put(gref grant.GrantRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.granted[gref]
	if ok && !s.ended {
		return xerr.Unknown("put before end_access")
	}
	delete(a.granted, gref)
	return nil
}

// Page returns the page most recently granted under gref, so an in-process
// peer harness can read or write the bytes a real hypervisor would map
// into the other domain (used by the loopback demo and tests that
// simulate a back-end peer).
func (a *Allocator) Page(gref grant.GrantRef) (pageheap.Page, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.granted[gref]
	if !ok {
		return pageheap.Page{}, false
	}
	return s.page, true
}

// OutstandingCount reports how many refs are currently granted without a
// matching EndAccess — used by tests to verify the grant lifecycle balances.
func (a *Allocator) OutstandingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, s := range a.granted {
		if !s.ended {
			n++
		}
	}
	return n
}
