// Package transport implements the per-device data plane: the shared TX/RX
// rings, grant lifecycle, and the single reactor loop that drives refill,
// RX drain and TX reaping off one event channel (spec.md §4.4-§4.7).
//
// A Transport is constructed fresh by PlugInner on every connect and every
// resume; it never reaches back into the Device that holds it (spec.md §9's
// "Device owns the Transport exclusively; the Transport does not reference
// the Device").
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brodyxchen/netfront/evtchn"
	"github.com/brodyxchen/netfront/grant"
	"github.com/brodyxchen/netfront/pageheap"
	"github.com/brodyxchen/netfront/ringbuf"
	"github.com/brodyxchen/netfront/stats"
	"github.com/brodyxchen/netfront/wire"
	"github.com/brodyxchen/netfront/xerr"
)

// ErrShutdown is returned to callers awaiting a completion on a ring that
// has been shut down (spec.md §5: "resolves all awaiters pending on that
// ring with a retryable-shutdown error"). It carries its own xerr.Kind so
// callers can distinguish it from an ordinary KindUnknown failure via
// errors.Is.
var ErrShutdown = xerr.Shutdown("ring shutdown")

// Features are the negotiated boolean capabilities from spec.md §3.
type Features struct {
	SG        bool
	GSOTCPv4  bool
	RXCopy    bool
	RXFlip    bool
	SmartPoll bool
}

// Config holds the tunables SPEC_FULL.md §4.11 adds on top of spec.md's
// fixed algorithms: refill batch size and headroom-poll granularity.
type Config struct {
	// RXRefillBatch caps how many RX requests a single refill posts; zero
	// means "as many as free_requests() allows".
	RXRefillBatch int
	// HeadroomPollInterval bounds how long WriteVectored's blocking wait
	// goes between re-checking free_requests(), in case a completion's
	// notify is coalesced with other ring traffic.
	HeadroomPollInterval time.Duration
}

// DefaultConfig mirrors the package constants the teacher's constant.Client
// falls back to when a Config field is left zero.
func DefaultConfig() Config {
	return Config{
		RXRefillBatch:        0,
		HeadroomPollInterval: 50 * time.Millisecond,
	}
}

type txPendingEntry struct {
	ch   chan txResult
	gref grant.GrantRef
}

type txResult struct {
	status int16
	err    error
}

// Transport owns one device's rings, grant bookkeeping and reactor state.
// See spec.md §3 for the field set this mirrors.
type Transport struct {
	DeviceID     int
	Generation   uint64
	BackendDomID uint16
	BackendPath  string
	MAC          [6]byte

	Features Features

	grantAlloc grant.Allocator
	pageAlloc  pageheap.Allocator
	evt        evtchn.Channels
	evtHandle  evtchn.Handle
	evtchnPort evtchn.Port

	txRing *ringbuf.FrontRing
	rxRing *ringbuf.FrontRing

	rxMap *grant.RXMap

	stats *stats.Stats
	cfg   Config

	txMu sync.Mutex

	txPendingMu sync.Mutex
	txPending   map[uint16]txPendingEntry

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	// headroomEpochVal tracks WriteVectored's private view of the event
	// channel epoch, separate from the reactor's own epoch cursor in Run.
	headroomEpochVal uint64
}

func (t *Transport) headroomEpoch() uint64 { return atomic.LoadUint64(&t.headroomEpochVal) }

func (t *Transport) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"device_id": t.DeviceID, "generation": t.Generation})
}

// notifyPeer signals the event channel, logging rather than failing the
// caller if the in-process collaborator reports an error.
func (t *Transport) notifyPeer() {
	if err := t.evt.Notify(t.evtHandle, t.evtchnPort); err != nil {
		t.log().WithError(err).Warn("notify failed")
	}
}

// Write sends a single frame with flags=0, per spec.md §4.4.
func (t *Transport) Write(ctx context.Context, frame []byte) error {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	return t.writeOneLocked(ctx, frame)
}

func (t *Transport) writeOneLocked(ctx context.Context, frame []byte) error {
	if err := t.awaitFreeRequests(ctx, 1); err != nil {
		return err
	}
	ch, err := t.submitTX(frame, uint16(len(frame)), 0)
	if err != nil {
		return err
	}
	if t.txRing.PushAndCheckNotify() {
		t.notifyPeer()
	}
	return t.awaitCompletion(ctx, ch)
}

// WriteVectored fragments frames across multiple TX requests placed
// consecutively under one hold of the tx mutex, per spec.md §4.4. It does
// not retry on shutdown (unlike Write, whose retry is driven by the caller
// per SPEC_FULL.md's resume wiring).
func (t *Transport) WriteVectored(ctx context.Context, frames [][]byte) error {
	if len(frames) == 0 {
		return nil
	}

	t.txMu.Lock()
	defer t.txMu.Unlock()

	if len(frames) == 1 {
		return t.writeOneLocked(ctx, frames[0])
	}

	if err := t.awaitFreeRequests(ctx, len(frames)); err != nil {
		return err
	}

	total := 0
	for _, f := range frames {
		total += len(f)
	}

	for i, f := range frames {
		flags := wire.TXFlagMoreData
		size := uint16(len(f))
		switch {
		case i == 0:
			size = uint16(total)
		case i == len(frames)-1:
			flags = 0
		}
		// The completion channel is intentionally discarded: per the Open
		// Question decision below, WriteVectored does not await fragment
		// completions. The reactor's reapTX still drains and resolves
		// each one into its buffered channel so no goroutine blocks.
		if _, err := t.submitTX(f, size, flags); err != nil {
			return err
		}
	}

	if t.txRing.PushAndCheckNotify() {
		t.notifyPeer()
	}
	t.log().WithField("fragments", len(frames)).Trace("write_vectored placed")

	// Open Question decision (spec.md §9 / SPEC_FULL.md §9): release the tx
	// mutex without awaiting the fragment completions, favoring throughput.
	// Ordering is preserved because the mutex covered placement of every
	// fragment on the ring.
	return nil
}

// submitTX grants read-only access to frame's bytes, registers a pending
// completion, and encodes the request into the next physical ring slot. It
// does not publish the producer cursor; the caller publishes once after
// every fragment in a send has been submitted.
func (t *Transport) submitTX(frame []byte, size uint16, flags wire.TXFlag) (chan txResult, error) {
	gref, err := t.grantAlloc.Get()
	if err != nil {
		return nil, xerr.Unknownf("tx grant alloc", err)
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	page := pageheap.NewPage(buf).WithView(0, len(frame))

	if err := t.grantAlloc.GrantAccess(gref, t.BackendDomID, false, page); err != nil {
		_ = t.grantAlloc.Put(gref)
		return nil, xerr.Unknownf("tx grant access", err)
	}

	id := uint16(gref % (1 << 16))
	ch := make(chan txResult, 1)

	t.txPendingMu.Lock()
	select {
	case <-t.shutdownCh:
		// The ring is retired: do not register a request nobody will reap;
		// end the grant here instead.
		t.txPendingMu.Unlock()
		_ = t.grantAlloc.EndAccess(gref)
		_ = t.grantAlloc.Put(gref)
		return nil, ErrShutdown
	default:
	}
	t.txPending[id] = txPendingEntry{ch: ch, gref: gref}
	t.txPendingMu.Unlock()

	pos := t.txRing.NextReqID()
	wire.EncodeTXRequest(uint32(gref), 0, flags, id, size, t.txRing.Slot(pos))
	t.stats.AddTX(len(frame))
	return ch, nil
}

func (t *Transport) awaitCompletion(ctx context.Context, ch chan txResult) error {
	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.status < 0 {
			return xerr.Unknownf("tx response error", fmt.Errorf("status=%d", res.status))
		}
		return nil
	case <-t.shutdownCh:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitFreeRequests blocks until the TX ring has at least n slots of
// headroom, waking on event-channel signals (spec.md §4.4's boundary
// behavior: "must block exactly until at least one response frees
// headroom").
func (t *Transport) awaitFreeRequests(ctx context.Context, n int) error {
	for t.txRing.FreeRequests() < uint32(n) {
		select {
		case <-t.shutdownCh:
			return ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := t.waitForSignal(ctx); err != nil {
			return err
		}
	}
	return nil
}

// waitForSignal waits for the next event-channel tick, re-polling every
// HeadroomPollInterval as a fallback so a coalesced notify never stalls the
// wait indefinitely.
func (t *Transport) waitForSignal(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, t.cfg.HeadroomPollInterval)
	defer cancel()

	newEpoch, err := t.evt.After(pollCtx, t.evtHandle, t.evtchnPort, t.headroomEpoch())
	if err != nil {
		if pollCtx.Err() != nil && ctx.Err() == nil {
			// Just our own poll timeout; re-check free_requests().
			return nil
		}
		return xerr.Unknownf("await headroom", err)
	}
	atomic.StoreUint64(&t.headroomEpochVal, newEpoch)
	return nil
}

// Run is the reactor loop described in spec.md §4.6: refill, drain RX,
// reap TX, then suspend on the event channel. It returns only when ctx is
// canceled or the transport is shut down.
func (t *Transport) Run(ctx context.Context, fn func(frame []byte)) error {
	epoch := uint64(0)
	for {
		select {
		case <-t.shutdownCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := t.refill(t.cfg.RXRefillBatch); err != nil {
			t.log().WithError(err).Warn("refill cycle aborted")
		}
		t.rxDrain(fn)
		t.reapTX()

		newEpoch, err := t.awaitReactorEvent(ctx, epoch)
		if err != nil {
			if err == ErrShutdown {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerr.Unknownf("reactor wait", err)
		}
		epoch = newEpoch
	}
}

// awaitReactorEvent waits for the next event-channel signal, racing the
// (potentially indefinitely blocking) evt.After call against shutdownCh so a
// reactor goroutine parked here wakes as soon as Shutdown is called, rather
// than only noticing on the next loop iteration's non-blocking check.
func (t *Transport) awaitReactorEvent(ctx context.Context, epoch uint64) (uint64, error) {
	type waitResult struct {
		epoch uint64
		err   error
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resCh := make(chan waitResult, 1)
	go func() {
		newEpoch, err := t.evt.After(waitCtx, t.evtHandle, t.evtchnPort, epoch)
		resCh <- waitResult{epoch: newEpoch, err: err}
	}()

	select {
	case res := <-resCh:
		return res.epoch, res.err
	case <-t.shutdownCh:
		return 0, ErrShutdown
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// refill posts up to maxBatch (0 = unbounded) fresh RX buffers, per
// spec.md §4.5.
func (t *Transport) refill(maxBatch int) error {
	n := t.rxRing.FreeRequests()
	if maxBatch > 0 && uint32(maxBatch) < n {
		n = uint32(maxBatch)
	}
	if n == 0 {
		return nil
	}

	grefs, err := t.grantAlloc.GetN(int(n))
	if err != nil {
		return xerr.Unknownf("refill grant alloc", err)
	}
	pages, err := t.pageAlloc.Pages(int(n))
	if err != nil {
		return xerr.Unknownf("refill page alloc", err)
	}

	for i := 0; i < int(n); i++ {
		gref, page := grefs[i], pages[i]
		if err := t.grantAlloc.GrantAccess(gref, t.BackendDomID, true, page); err != nil {
			return xerr.Unknownf("refill grant access", err)
		}
		id, err := t.rxMap.Insert(gref, page)
		if err != nil {
			return err
		}
		pos := t.rxRing.NextReqID()
		wire.EncodeRXRequest(id, uint32(gref), t.rxRing.Slot(pos))
	}

	if t.rxRing.PushAndCheckNotify() {
		t.notifyPeer()
	}
	return nil
}

// rxDrain consumes every published RX response, delivering positive-status
// frames to fn and dropping non-positive ones, per spec.md §4.5.
func (t *Transport) rxDrain(fn func(frame []byte)) {
	t.rxRing.AckResponses(func(slot []byte) {
		id, offset, _, status := wire.DecodeRXResponse(slot)

		gref, page, ok := t.rxMap.Remove(id)
		if !ok {
			t.log().WithField("id", id).Warn("rx response for unknown id")
			return
		}
		if err := t.grantAlloc.EndAccess(gref); err != nil {
			t.log().WithError(err).Warn("rx end_access failed")
		}
		if err := t.grantAlloc.Put(gref); err != nil {
			t.log().WithError(err).Warn("rx put failed")
		}

		if status <= 0 {
			t.stats.AddRXDrop()
			t.log().WithField("status", status).Warn("rx response error")
			return
		}

		frame := page.Full()[offset : int(offset)+int(status)]
		t.stats.AddRX(len(frame))
		t.dispatchRX(fn, frame)
	})
}

// dispatchRX invokes fn, converting a panic into a logged-and-swallowed
// error so a misbehaving callback can never stall the reactor
// (spec.md §7: "Frame callback exceptions are logged and suppressed").
func (t *Transport) dispatchRX(fn func(frame []byte), frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.log().WithField("panic", r).Error("rx callback panicked")
		}
	}()
	fn(frame)
}

// reapTX drains the TX response ring, resolving pending completions in the
// order the back-end wrote them, per spec.md §4.6 step 3.
func (t *Transport) reapTX() {
	t.txRing.AckResponses(func(slot []byte) {
		id, status := wire.DecodeTXResponse(slot)

		t.txPendingMu.Lock()
		entry, ok := t.txPending[id]
		if ok {
			delete(t.txPending, id)
		}
		t.txPendingMu.Unlock()

		if !ok {
			t.log().WithField("id", id).Warn("tx response for unknown id")
			return
		}

		if err := t.grantAlloc.EndAccess(entry.gref); err != nil {
			t.log().WithError(err).Warn("tx end_access failed")
		}
		if err := t.grantAlloc.Put(entry.gref); err != nil {
			t.log().WithError(err).Warn("tx put failed")
		}
		if status < 0 {
			t.stats.AddTXError()
		}
		entry.ch <- txResult{status: status}
	})
}

// Shutdown closes the shutdown signal, resolving every pending TX
// completion with ErrShutdown and discarding pending RX buffers, per
// spec.md §3 invariant 5 and §5's shutdown semantics. Idempotent. The grants
// on the two ring pages themselves are not ended.
func (t *Transport) Shutdown() {
	t.shutdownOnce.Do(func() {
		close(t.shutdownCh)
		// Nudge the event channel too: awaitReactorEvent already races
		// shutdownCh directly, but a stale binding whose After doesn't
		// watch shutdownCh (e.g. a future non-select-based collaborator)
		// should still see this as a wakeup on the port it is parked on.
		t.notifyPeer()

		t.txPendingMu.Lock()
		pending := t.txPending
		t.txPending = make(map[uint16]txPendingEntry)
		t.txPendingMu.Unlock()

		for _, e := range pending {
			if err := t.grantAlloc.EndAccess(e.gref); err != nil {
				t.log().WithError(err).Warn("shutdown end_access failed")
			}
			if err := t.grantAlloc.Put(e.gref); err != nil {
				t.log().WithError(err).Warn("shutdown put failed")
			}
			t.stats.AddTXError()
			e.ch <- txResult{err: ErrShutdown}
		}

		t.rxMap.Drain(func(id uint16, gref grant.GrantRef, page pageheap.Page) {
			if err := t.grantAlloc.EndAccess(gref); err != nil {
				t.log().WithError(err).Warn("shutdown rx end_access failed")
			}
			if err := t.grantAlloc.Put(gref); err != nil {
				t.log().WithError(err).Warn("shutdown rx put failed")
			}
		})
	})
}

// Stats exposes the shared counters object (owned by the Device across
// resumes, not by the Transport).
func (t *Transport) Stats() *stats.Stats { return t.stats }
