// Package ringbuf implements the shared-memory ring discipline described in
// spec.md §4.2: a split producer/consumer index scheme over a single page,
// with a front-side view (FrontRing, used by the transport) and a peer-side
// view (PeerRing, used only by the in-process simulated back-end in tests —
// the real back-end lives in the hypervisor and is out of this module's
// scope per spec.md §1).
package ringbuf

import (
	"sync/atomic"
	"unsafe"
)

// headerSize is the size of the four producer/consumer index fields that
// precede the slot array on the shared page.
const headerSize = 16

// SharedRing is the raw shared page: four atomically-accessed indices
// followed by a fixed-size slot array. It has no notion of "front" or
// "back" — those roles are layered on top by FrontRing and PeerRing.
type SharedRing struct {
	page     []byte
	slotSize int
	nslots   uint32

	reqProd  *uint32
	reqEvent *uint32
	rspProd  *uint32
	rspEvent *uint32
}

// NewSharedRing lays out a SharedRing over page, with slotSize bytes per
// ring entry. page must be at least headerSize+slotSize bytes; the slot
// count is the space left after the header divided by slotSize,
// (len(page) - headerSize) / slotSize.
func NewSharedRing(page []byte, slotSize int) *SharedRing {
	if len(page) < headerSize+slotSize {
		panic("ringbuf: page too small for one slot")
	}
	if slotSize <= 0 {
		panic("ringbuf: slotSize must be positive")
	}

	r := &SharedRing{
		page:     page,
		slotSize: slotSize,
		nslots:   uint32((len(page) - headerSize) / slotSize),
	}
	base := unsafe.Pointer(&page[0])
	r.reqProd = (*uint32)(unsafe.Add(base, 0))
	r.reqEvent = (*uint32)(unsafe.Add(base, 4))
	r.rspProd = (*uint32)(unsafe.Add(base, 8))
	r.rspEvent = (*uint32)(unsafe.Add(base, 12))

	// The event thresholds start at 1 so that the very first push by
	// either side is always reported as notify-worthy.
	atomic.StoreUint32(r.reqEvent, 1)
	atomic.StoreUint32(r.rspEvent, 1)

	return r
}

// AttachSharedRing wraps an existing shared page without touching its
// producer/consumer indices, for a peer that maps a page someone else
// already initialized with NewSharedRing (spec.md §6's grant-mediated
// sharing: the peer never calls NewSharedRing itself, since that would
// clobber the event thresholds the front already published).
func AttachSharedRing(page []byte, slotSize int) *SharedRing {
	if len(page) < headerSize+slotSize {
		panic("ringbuf: page too small for one slot")
	}
	if slotSize <= 0 {
		panic("ringbuf: slotSize must be positive")
	}

	r := &SharedRing{
		page:     page,
		slotSize: slotSize,
		nslots:   uint32((len(page) - headerSize) / slotSize),
	}
	base := unsafe.Pointer(&page[0])
	r.reqProd = (*uint32)(unsafe.Add(base, 0))
	r.reqEvent = (*uint32)(unsafe.Add(base, 4))
	r.rspProd = (*uint32)(unsafe.Add(base, 8))
	r.rspEvent = (*uint32)(unsafe.Add(base, 12))
	return r
}

// NumSlots returns the slot count computed at construction time.
func (s *SharedRing) NumSlots() uint32 { return s.nslots }

func (s *SharedRing) slotAt(pos uint32) []byte {
	off := headerSize + int(pos)*s.slotSize
	return s.page[off : off+s.slotSize : off+s.slotSize]
}

func (s *SharedRing) reqProdLoad() uint32  { return atomic.LoadUint32(s.reqProd) }
func (s *SharedRing) reqProdStore(v uint32) { atomic.StoreUint32(s.reqProd, v) }
func (s *SharedRing) reqEventLoad() uint32  { return atomic.LoadUint32(s.reqEvent) }
func (s *SharedRing) reqEventStore(v uint32) { atomic.StoreUint32(s.reqEvent, v) }
func (s *SharedRing) rspProdLoad() uint32  { return atomic.LoadUint32(s.rspProd) }
func (s *SharedRing) rspProdStore(v uint32) { atomic.StoreUint32(s.rspProd, v) }
func (s *SharedRing) rspEventLoad() uint32  { return atomic.LoadUint32(s.rspEvent) }
func (s *SharedRing) rspEventStore(v uint32) { atomic.StoreUint32(s.rspEvent, v) }

// crossedThreshold implements the standard ring "did the producer cross the
// consumer's event threshold" macro using unsigned wraparound subtraction:
// notify iff (newProd - event) < (newProd - oldProd).
func crossedThreshold(oldProd, newProd, event uint32) bool {
	return (newProd - event) < (newProd - oldProd)
}

// FrontRing is the front-side view of a SharedRing: producer of requests,
// consumer of responses. This is the type spec.md §4.2 describes.
type FrontRing struct {
	shared *SharedRing

	reqProdPvt uint32 // local producer cursor, not yet published
	rspCons    uint32 // local consumer cursor
}

// NewFrontRing wraps a SharedRing with the front side's local cursors.
func NewFrontRing(shared *SharedRing) *FrontRing {
	return &FrontRing{shared: shared}
}

// Shared exposes the underlying SharedRing, e.g. so a test harness can build
// a PeerRing over the same page.
func (f *FrontRing) Shared() *SharedRing { return f.shared }

// FreeRequests returns producer headroom: how many more requests can be
// placed before the ring is full.
func (f *FrontRing) FreeRequests() uint32 {
	return f.shared.nslots - (f.reqProdPvt - f.rspCons)
}

// NextReqID advances the local producer cursor and returns the slot index
// it previously pointed at.
func (f *FrontRing) NextReqID() uint16 {
	id := uint16(f.reqProdPvt)
	f.reqProdPvt++
	return id
}

// Slot returns the byte view into the shared page for the given slot index.
func (f *FrontRing) Slot(id uint16) []byte {
	pos := uint32(id) % f.shared.nslots
	return f.shared.slotAt(pos)
}

// PushAndCheckNotify publishes the local producer cursor and reports
// whether the peer's event threshold requires a notification.
func (f *FrontRing) PushAndCheckNotify() bool {
	old := f.shared.reqProdLoad()
	f.shared.reqProdStore(f.reqProdPvt)
	evt := f.shared.reqEventLoad()
	return crossedThreshold(old, f.reqProdPvt, evt)
}

// AckResponses invokes fn for each unread response slot since rspCons, then
// advances rspCons to the current published rsp_prod and re-arms rspEvent
// at rspCons+1 so the peer's next push is reported as notify-worthy again
// (the standard ring.h idiom: the consumer, not the producer, re-arms the
// event field it owns once it goes idle).
func (f *FrontRing) AckResponses(fn func(slot []byte)) {
	prod := f.shared.rspProdLoad()
	for f.rspCons != prod {
		pos := f.rspCons % f.shared.nslots
		fn(f.shared.slotAt(pos))
		f.rspCons++
	}
	f.shared.rspEventStore(f.rspCons + 1)
}

// HasResponses reports whether any unread response is currently published,
// without consuming it. Used by the reactor to decide whether a drain pass
// is worthwhile before going back to sleep.
func (f *FrontRing) HasResponses() bool {
	return f.rspCons != f.shared.rspProdLoad()
}

// PeerRing is the back side's view of the same SharedRing: consumer of
// requests, producer of responses. It exists only to let the test suite
// simulate a back-end peer against the exact same ring discipline the front
// uses; it is not part of the driver's public surface (the real back-end is
// an external collaborator per spec.md §1).
type PeerRing struct {
	shared *SharedRing

	reqCons    uint32
	rspProdPvt uint32
}

// NewPeerRing wraps a SharedRing with the back side's local cursors.
func NewPeerRing(shared *SharedRing) *PeerRing {
	return &PeerRing{shared: shared}
}

// PendingRequests invokes fn for each unread request slot since reqCons,
// then advances reqCons to the current published req_prod and re-arms
// reqEvent at reqCons+1, symmetric with FrontRing.AckResponses.
func (p *PeerRing) PendingRequests(fn func(slot []byte)) {
	prod := p.shared.reqProdLoad()
	for p.reqCons != prod {
		pos := p.reqCons % p.shared.nslots
		fn(p.shared.slotAt(pos))
		p.reqCons++
	}
	p.shared.reqEventStore(p.reqCons + 1)
}

// NextPendingRequest pops at most one unread request slot since reqCons,
// symmetric with FrontRing.NextReqID but singular rather than batched —
// used by a peer harness that wants to consume requests one at a time
// (e.g. matching them against its own buffer supply) instead of all at
// once via PendingRequests.
func (p *PeerRing) NextPendingRequest() ([]byte, bool) {
	prod := p.shared.reqProdLoad()
	if p.reqCons == prod {
		p.shared.reqEventStore(p.reqCons + 1)
		return nil, false
	}
	pos := p.reqCons % p.shared.nslots
	p.reqCons++
	p.shared.reqEventStore(p.reqCons + 1)
	return p.shared.slotAt(pos), true
}

// NextRspSlot advances the local response producer cursor and returns the
// slot index it previously pointed at, symmetric with FrontRing.NextReqID.
func (p *PeerRing) NextRspSlot() uint16 {
	id := uint16(p.rspProdPvt)
	p.rspProdPvt++
	return id
}

// Slot returns the byte view into the shared page for the given slot index.
func (p *PeerRing) Slot(id uint16) []byte {
	pos := uint32(id) % p.shared.nslots
	return p.shared.slotAt(pos)
}

// PushAndCheckNotify publishes the local response producer cursor and
// reports whether the front's event threshold requires a notification.
func (p *PeerRing) PushAndCheckNotify() bool {
	old := p.shared.rspProdLoad()
	p.shared.rspProdStore(p.rspProdPvt)
	evt := p.shared.rspEventLoad()
	return crossedThreshold(old, p.rspProdPvt, evt)
}
