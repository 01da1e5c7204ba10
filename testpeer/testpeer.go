// Package testpeer simulates the hypervisor-hosted back-end for the
// loopback demo and the transport package's integration tests. It attaches
// to the same shared ring pages and grant state the front-end published to
// the configuration store, echoing TX frames back as RX completions the
// way a real back-end's virtual switch would when the peer is looped back
// on itself. It is a reference collaborator per SPEC_FULL.md §6.1, not
// part of the driver's public surface.
package testpeer

import (
	"context"
	"strconv"

	"github.com/brodyxchen/netfront/evtchn"
	evtchnmem "github.com/brodyxchen/netfront/evtchn/memimpl"
	"github.com/brodyxchen/netfront/grant"
	grantmem "github.com/brodyxchen/netfront/grant/memimpl"
	"github.com/brodyxchen/netfront/ringbuf"
	"github.com/brodyxchen/netfront/wire"
	"github.com/brodyxchen/netfront/xenstore"
	"github.com/brodyxchen/netfront/xerr"
)

// Peer is one simulated back-end attachment to a single front-end device.
type Peer struct {
	galloc *grantmem.Allocator
	evt    *evtchnmem.Channels
	port   evtchn.Port

	txRing *ringbuf.PeerRing
	rxRing *ringbuf.PeerRing

	pending []byte

	// OnFrame is invoked with each fully reassembled TX frame (all
	// MORE_DATA fragments concatenated). The default set by Attach echoes
	// it straight back via DeliverRX, simulating a loopback network.
	OnFrame func(frame []byte)
}

// SeedDevice pre-populates the configuration store keys a real xenbus
// toolstack would have written before the front-end ever calls connect:
// the backend domid, backend path, and MAC. features maps a bare feature
// name ("sg", "gso-tcpv4", "rx-copy", "rx-flip", "smart-poll") to its
// advertised value; an omitted name is left unset, so the front-end's
// feature read treats it as false per spec.md §7.
func SeedDevice(store xenstore.Store, deviceID int, backendDomID uint16, mac string, features map[string]bool) error {
	backendPath := "backend/vif/" + strconv.Itoa(int(backendDomID)) + "/" + strconv.Itoa(deviceID)

	writes := map[string]string{
		"device/vif/" + strconv.Itoa(deviceID) + "/backend-id": strconv.Itoa(int(backendDomID)),
		"device/vif/" + strconv.Itoa(deviceID) + "/backend":    backendPath,
		"device/vif/" + strconv.Itoa(deviceID) + "/mac":        mac,
	}
	for name, on := range features {
		v := "0"
		if on {
			v = "1"
		}
		writes[backendPath+"/feature-"+name] = v
	}

	for k, v := range writes {
		if err := store.Write(k, v); err != nil {
			return xerr.Unknownf("seed "+k, err)
		}
	}
	return nil
}

// Attach reads the published ring refs and event channel for deviceID out
// of store and wraps them without disturbing the front's already-published
// producer/consumer indices (ringbuf.AttachSharedRing). Call it only after
// the front's connect/plug transaction has completed.
func Attach(store xenstore.Store, galloc *grantmem.Allocator, evt *evtchnmem.Channels, deviceID int) (*Peer, error) {
	txGref, err := readInt(store, deviceID, "tx-ring-ref")
	if err != nil {
		return nil, err
	}
	rxGref, err := readInt(store, deviceID, "rx-ring-ref")
	if err != nil {
		return nil, err
	}
	port, err := readInt(store, deviceID, "event-channel")
	if err != nil {
		return nil, err
	}

	txPage, ok := galloc.Page(grant.GrantRef(txGref))
	if !ok {
		return nil, xerr.Unknown("testpeer: tx ring page not found")
	}
	rxPage, ok := galloc.Page(grant.GrantRef(rxGref))
	if !ok {
		return nil, xerr.Unknown("testpeer: rx ring page not found")
	}

	p := &Peer{
		galloc: galloc,
		evt:    evt,
		port:   evtchn.Port(port),
		txRing: ringbuf.NewPeerRing(ringbuf.AttachSharedRing(txPage.Full(), wire.TXRequestSize)),
		rxRing: ringbuf.NewPeerRing(ringbuf.AttachSharedRing(rxPage.Full(), wire.RXResponseSize)),
	}
	p.OnFrame = p.echo
	return p, nil
}

func readInt(store xenstore.Store, deviceID int, leaf string) (int, error) {
	key := "device/vif/" + strconv.Itoa(deviceID) + "/" + leaf
	v, ok, err := store.Read(key)
	if err != nil {
		return 0, xerr.Unknownf("testpeer read "+key, err)
	}
	if !ok {
		return 0, xerr.Unknown("testpeer: missing " + key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, xerr.Unknownf("testpeer parse "+key, err)
	}
	return n, nil
}

// echo is the default OnFrame: hand the frame straight back to the front
// as an RX completion.
func (p *Peer) echo(frame []byte) {
	p.DeliverRX(frame)
}

// Notify signals the front's event channel.
func (p *Peer) Notify() {
	_ = p.evt.Notify(nil, p.port)
}

// PumpTX drains every pending TX request, reassembling MORE_DATA fragment
// groups into whole frames for OnFrame and acking each request
// individually. It notifies at most once regardless of how many requests
// it drained.
func (p *Peer) PumpTX() {
	acked := false
	p.txRing.PendingRequests(func(slot []byte) {
		acked = true
		gref, offset, flags, id, size := wire.DecodeTXRequest(slot)

		if page, ok := p.galloc.Page(grant.GrantRef(gref)); ok {
			n := page.Length()
			if n == 0 {
				n = int(size)
			}
			if int(offset)+n <= page.Cap() {
				p.pending = append(p.pending, page.Full()[offset:int(offset)+n]...)
			}
		}

		if flags&wire.TXFlagMoreData == 0 {
			frame := p.pending
			p.pending = nil
			if len(frame) > 0 && p.OnFrame != nil {
				p.OnFrame(frame)
			}
		}

		rpos := p.txRing.NextRspSlot()
		wire.EncodeTXResponse(id, 0, p.txRing.Slot(rpos))
	})
	if acked && p.txRing.PushAndCheckNotify() {
		p.Notify()
	}
}

// DeliverRX consumes one pending RX request and fills it with frame,
// reporting whether a request was available. It is what a real back-end's
// virtual switch does on packet arrival: pick the next free front-supplied
// buffer, copy the packet in, and complete it.
func (p *Peer) DeliverRX(frame []byte) bool {
	slot, ok := p.rxRing.NextPendingRequest()
	if !ok {
		return false
	}
	id, gref := wire.DecodeRXRequest(slot)

	page, ok := p.galloc.Page(grant.GrantRef(gref))
	if !ok {
		return false
	}
	n := copy(page.Full(), frame)

	rpos := p.rxRing.NextRspSlot()
	wire.EncodeRXResponse(id, 0, 0, int16(n), p.rxRing.Slot(rpos))
	if p.rxRing.PushAndCheckNotify() {
		p.Notify()
	}
	return true
}

// DeliverRXError completes one pending RX request with a negative status,
// simulating a back-end-side error for that buffer.
func (p *Peer) DeliverRXError(status int16) bool {
	slot, ok := p.rxRing.NextPendingRequest()
	if !ok {
		return false
	}
	id, _ := wire.DecodeRXRequest(slot)

	rpos := p.rxRing.NextRspSlot()
	wire.EncodeRXResponse(id, 0, 0, status, p.rxRing.Slot(rpos))
	if p.rxRing.PushAndCheckNotify() {
		p.Notify()
	}
	return true
}

// Run pumps TX on every event-channel signal until ctx is canceled.
func (p *Peer) Run(ctx context.Context) error {
	epoch := uint64(0)
	for {
		p.PumpTX()

		newEpoch, err := p.evt.After(ctx, nil, p.port, epoch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		epoch = newEpoch
	}
}
