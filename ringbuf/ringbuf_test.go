package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func newTestFront(slotSize int) *FrontRing {
	return NewFrontRing(NewSharedRing(make([]byte, testPageSize), slotSize))
}

func TestNumSlotsDerivedFromPageSize(t *testing.T) {
	f := newTestFront(8)
	require.Equal(t, uint32((testPageSize-headerSize)/8), f.Shared().NumSlots())
}

func TestFreeRequestsShrinksAsRequestsAreProducedAndGrowsBackOnAck(t *testing.T) {
	f := newTestFront(8)
	total := f.FreeRequests()

	id := f.NextReqID()
	require.Equal(t, total-1, f.FreeRequests())

	// Publish and have the peer answer, then ack.
	f.PushAndCheckNotify()
	peer := NewPeerRing(f.Shared())
	peer.PendingRequests(func(slot []byte) {})
	rspID := peer.NextRspSlot()
	require.Equal(t, id, rspID)
	peer.PushAndCheckNotify()

	require.True(t, f.HasResponses())
	f.AckResponses(func(slot []byte) {})
	require.Equal(t, total, f.FreeRequests())
}

func TestNextReqIDWrapsIntoSlotRange(t *testing.T) {
	f := newTestFront(8)
	nslots := f.Shared().NumSlots()

	// Drive the producer cursor all the way around the ring once.
	for i := uint32(0); i < nslots+3; i++ {
		id := f.NextReqID()
		slot := f.Slot(id)
		require.Len(t, slot, 8)
	}
}

func TestPushAndCheckNotifyHonoursEventThreshold(t *testing.T) {
	f := newTestFront(8)

	// Default event threshold is 1: the very first push must notify.
	f.NextReqID()
	require.True(t, f.PushAndCheckNotify())

	// Move the threshold far out; pushing one more request shouldn't cross it.
	f.Shared().reqEventStore(1000)
	f.NextReqID()
	require.False(t, f.PushAndCheckNotify())
}

func TestAckResponsesDrainsExactlyWhatWasPublished(t *testing.T) {
	f := newTestFront(8)
	peer := NewPeerRing(f.Shared())

	var ids []uint16
	for i := 0; i < 5; i++ {
		ids = append(ids, f.NextReqID())
	}
	f.PushAndCheckNotify()

	peer.PendingRequests(func(slot []byte) {})
	for range ids {
		peer.NextRspSlot()
	}
	peer.PushAndCheckNotify()

	seen := 0
	f.AckResponses(func(slot []byte) { seen++ })
	require.Equal(t, len(ids), seen)
	require.False(t, f.HasResponses())

	// A second ack pass with nothing new published is a no-op.
	f.AckResponses(func(slot []byte) { t.Fatal("unexpected response") })
}

func TestNewSharedRingRejectsUndersizedPage(t *testing.T) {
	require.Panics(t, func() {
		NewSharedRing(make([]byte, headerSize), 8)
	})
}

func TestNotifyThresholdReArmsAfterEachDrainPass(t *testing.T) {
	f := newTestFront(8)
	peer := NewPeerRing(f.Shared())

	for round := 0; round < 3; round++ {
		f.NextReqID()
		require.True(t, f.PushAndCheckNotify(), "round %d: front push should notify", round)

		peer.PendingRequests(func(slot []byte) {})
		peer.NextRspSlot()
		require.True(t, peer.PushAndCheckNotify(), "round %d: peer push should notify", round)

		require.True(t, f.HasResponses())
		f.AckResponses(func(slot []byte) {})
	}
}

func TestPendingRequestsDrainsExactlyWhatWasPublished(t *testing.T) {
	f := newTestFront(8)
	peer := NewPeerRing(f.Shared())

	f.NextReqID()
	f.NextReqID()
	f.PushAndCheckNotify()

	seen := 0
	peer.PendingRequests(func(slot []byte) { seen++ })
	require.Equal(t, 2, seen)

	peer.PendingRequests(func(slot []byte) { t.Fatal("unexpected request") })
}
