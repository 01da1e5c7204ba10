// Package grant declares the grant table allocator contract and the RX
// id-to-grant map used while buffers are outstanding with the back-end. The
// allocator itself is an external collaborator per spec.md §1/§6; a
// reference implementation lives in grant/memimpl.
package grant

import (
	"sync"

	"github.com/brodyxchen/netfront/pageheap"
	"github.com/brodyxchen/netfront/xerr"
)

// GrantRef is an opaque capability naming a page a peer domain may access.
// Its lifecycle is acquired -> granted(domid, rw) -> access-ended ->
// released; it must be access-ended before it is released.
type GrantRef uint32

// Allocator is the grant table contract (spec.md §6).
type Allocator interface {
	Get() (GrantRef, error)
	GetN(n int) ([]GrantRef, error)
	GrantAccess(gref GrantRef, domid uint16, writable bool, page pageheap.Page) error
	EndAccess(gref GrantRef) error
	Put(gref GrantRef) error
}

// entry is what rx_map associates with a pending RX id.
type entry struct {
	Gref GrantRef
	Page pageheap.Page
}

// RXMap tracks the id -> (GrantRef, Page) association for RX buffers handed
// to the back-end but not yet filled, per spec.md §4.3. The id assigned to
// a request is gref mod 2^16; a collision is fatal (spec.md §4.3, §9).
type RXMap struct {
	mu      sync.Mutex
	pending map[uint16]entry
}

// NewRXMap returns an empty map.
func NewRXMap() *RXMap {
	return &RXMap{pending: make(map[uint16]entry)}
}

// Insert records a pending RX buffer under gref's truncated id, returning
// the id and a fatal xerr.Unknown error if that id is already in use.
func (m *RXMap) Insert(gref GrantRef, page pageheap.Page) (uint16, error) {
	id := uint16(gref % (1 << 16))

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[id]; exists {
		return 0, xerr.Unknown("rx id collision")
	}
	m.pending[id] = entry{Gref: gref, Page: page}
	return id, nil
}

// Remove removes and returns the entry for id, reporting whether it was
// present. Consumption per spec.md §3 invariant 1 must remove exactly once.
func (m *RXMap) Remove(id uint16) (GrantRef, pageheap.Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.pending[id]
	if !ok {
		return 0, pageheap.Page{}, false
	}
	delete(m.pending, id)
	return e.Gref, e.Page, true
}

// Len reports the number of currently pending RX ids.
func (m *RXMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Drain removes every pending entry and invokes fn for each, used on resume
// to discard (not drain-and-complete) the old ring's outstanding requests
// per spec.md §3 invariant 5.
func (m *RXMap) Drain(fn func(id uint16, gref GrantRef, page pageheap.Page)) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[uint16]entry)
	m.mu.Unlock()

	for id, e := range pending {
		fn(id, e.Gref, e.Page)
	}
}
