package netfront

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	evtchnmem "github.com/brodyxchen/netfront/evtchn/memimpl"
	grantmem "github.com/brodyxchen/netfront/grant/memimpl"
	pageheapmem "github.com/brodyxchen/netfront/pageheap/memimpl"
	"github.com/brodyxchen/netfront/testpeer"
	xenstoremem "github.com/brodyxchen/netfront/xenstore/memimpl"
	"github.com/brodyxchen/netfront/xerr"
)

const testDeviceID = 0
const testBackendDomID = 3

type netHarness struct {
	store  *xenstoremem.Store
	galloc *grantmem.Allocator
	palloc *pageheapmem.Allocator
	evt    *evtchnmem.Channels

	driver *Driver
	dev    *Device
	peer   *testpeer.Peer
}

func newNetHarness(t *testing.T) *netHarness {
	t.Helper()

	store := xenstoremem.New()
	galloc := grantmem.New()
	palloc := pageheapmem.New()
	evt := evtchnmem.New()

	require.NoError(t, testpeer.SeedDevice(store, testDeviceID, testBackendDomID, "aa:bb:cc:dd:ee:ff", map[string]bool{"sg": true}))

	driver := NewDriver(Collaborators{Store: store, Grant: galloc, Page: palloc, Evt: evt}, Options{})
	dev, err := driver.Connect(fmt.Sprintf("%d", testDeviceID))
	require.NoError(t, err)

	peer, err := testpeer.Attach(store, galloc, evt, testDeviceID)
	require.NoError(t, err)

	return &netHarness{store: store, galloc: galloc, palloc: palloc, evt: evt, driver: driver, dev: dev, peer: peer}
}

func TestConnectIsIdempotentPerID(t *testing.T) {
	h := newNetHarness(t)
	again, err := h.driver.Connect(fmt.Sprintf("%d", testDeviceID))
	require.NoError(t, err)
	require.Same(t, h.dev, again)
}

func TestConnectAutoSelectsFirstNumericVif(t *testing.T) {
	h := newNetHarness(t)
	dev, err := h.driver.Connect("")
	require.NoError(t, err)
	require.Equal(t, testDeviceID, dev.ID())
}

func TestDeviceSnapshotReflectsConnectedDevice(t *testing.T) {
	h := newNetHarness(t)
	snap, err := h.driver.DeviceSnapshot(testDeviceID)
	require.NoError(t, err)
	require.Equal(t, uint16(testBackendDomID), snap.BackendID)
	require.True(t, snap.Features.SG)
}

func TestDeviceSnapshotUnknownIDIsDisconnected(t *testing.T) {
	h := newNetHarness(t)
	_, err := h.driver.DeviceSnapshot(999)
	require.Error(t, err)
	require.True(t, xerr.IsKind(err, xerr.KindDisconnected))
}

func TestListenAndWriteLoopback(t *testing.T) {
	h := newNetHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = h.peer.Run(ctx) }()

	received := make(chan []byte, 1)
	go func() {
		_ = h.dev.Listen(ctx, func(frame []byte) {
			received <- append([]byte(nil), frame...)
		})
	}()

	frame := []byte("hello netfront")
	require.NoError(t, h.dev.Write(ctx, frame))

	select {
	case got := <-received:
		require.Equal(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestResumeRunsHooksInOrderAndContinuesListen(t *testing.T) {
	h := newNetHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var order []int
	h.dev.AddResumeHook(func(ctx context.Context, dev *Device) error {
		order = append(order, 1)
		return nil
	})
	h.dev.AddResumeHook(func(ctx context.Context, dev *Device) error {
		order = append(order, 2)
		return nil
	})

	received := make(chan []byte, 1)
	go func() {
		_ = h.dev.Listen(ctx, func(frame []byte) {
			received <- append([]byte(nil), frame...)
		})
	}()

	require.NoError(t, h.driver.ResumeAll(ctx))
	require.Equal(t, []int{1, 2}, order)
	require.Equal(t, testDeviceID, h.dev.ID())

	peer, err := testpeer.Attach(h.store, h.galloc, h.evt, testDeviceID)
	require.NoError(t, err)
	go func() { _ = peer.Run(ctx) }()

	frame := []byte("post-resume frame")
	require.NoError(t, h.dev.Write(ctx, frame))

	select {
	case got := <-received:
		require.Equal(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-resume echo")
	}
}

func TestWriteRetriesOnceAfterResumeRetiresRing(t *testing.T) {
	h := newNetHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writeErrCh := make(chan error, 1)
	go func() {
		// This write has no peer draining it, so it blocks on completion
		// until the ring it landed on is shut down by resume, then retries
		// against the new ring where the freshly attached peer completes it.
		writeErrCh <- h.dev.Write(ctx, []byte("retry me"))
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.driver.ResumeAll(ctx))

	peer, err := testpeer.Attach(h.store, h.galloc, h.evt, testDeviceID)
	require.NoError(t, err)
	go func() { _ = peer.Run(ctx) }()
	go func() { _ = h.dev.Listen(ctx, func(frame []byte) {}) }()

	select {
	case err := <-writeErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retried write to complete")
	}
}

func TestDisconnectIsIdempotentAndStopsListen(t *testing.T) {
	h := newNetHarness(t)

	ctx := context.Background()
	listenErrCh := make(chan error, 1)
	go func() {
		listenErrCh <- h.dev.Listen(ctx, func(frame []byte) {})
	}()

	time.Sleep(10 * time.Millisecond)
	h.driver.Disconnect(h.dev)
	require.NotPanics(t, func() { h.driver.Disconnect(h.dev) })

	select {
	case err := <-listenErrCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listen to stop after disconnect")
	}

	require.Nil(t, h.driver.lookup(testDeviceID))
}

func TestDriverShutdownWritesClosingStateAndDisconnectsAll(t *testing.T) {
	h := newNetHarness(t)

	require.NoError(t, h.driver.Shutdown(context.Background()))

	v, ok, err := h.store.Read(vifKey(testDeviceID, "state"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, deviceStateClosing, v)
	require.Nil(t, h.driver.lookup(testDeviceID))
}
