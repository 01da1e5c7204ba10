package transport

import (
	"fmt"
	"net"
	"strconv"

	"github.com/brodyxchen/netfront/evtchn"
	"github.com/brodyxchen/netfront/grant"
	"github.com/brodyxchen/netfront/pageheap"
	"github.com/brodyxchen/netfront/ringbuf"
	"github.com/brodyxchen/netfront/stats"
	"github.com/brodyxchen/netfront/wire"
	"github.com/brodyxchen/netfront/xenstore"
	"github.com/brodyxchen/netfront/xerr"
)

// deviceStateConnected is the config-store encoding of the standard
// device-state enumeration's "Connected" value (spec.md §6).
const deviceStateConnected = "4"

// PlugParams bundles the collaborators and identity PlugInner needs; the
// caller (netfront.Device / netfront.connect) owns their lifetimes.
type PlugParams struct {
	DeviceID   int
	Generation uint64

	Store xenstore.Store
	Grant grant.Allocator
	Page  pageheap.Allocator
	Evt   evtchn.Channels

	Stats  *stats.Stats
	Config Config
}

func vifKey(id int, leaf string) string {
	return fmt.Sprintf("device/vif/%d/%s", id, leaf)
}

// PlugInner runs the handshake of spec.md §4.7: read the backend domid,
// allocate and publish both rings, bind an event channel, read the MAC and
// negotiated features, and unmask the channel. It returns a freshly built
// Transport; it never mutates any pre-existing Transport.
func PlugInner(p PlugParams) (*Transport, error) {
	backendDomID, err := readBackendDomID(p.Store, p.DeviceID)
	if err != nil {
		return nil, err
	}

	rxRing, rxGref, err := allocRing(p.Grant, p.Page, backendDomID, wire.RXResponseSize)
	if err != nil {
		return nil, xerr.Unknownf("alloc rx ring", err)
	}
	txRing, txGref, err := allocRing(p.Grant, p.Page, backendDomID, wire.TXRequestSize)
	if err != nil {
		return nil, xerr.Unknownf("alloc tx ring", err)
	}

	evtHandle, err := p.Evt.Init()
	if err != nil {
		return nil, xerr.Unknownf("evtchn init", err)
	}
	port, err := p.Evt.BindUnboundPort(evtHandle, backendDomID)
	if err != nil {
		return nil, xerr.Unknownf("bind event channel", err)
	}

	backendPath, mac, err := readBackendAndMAC(p.Store, p.DeviceID)
	if err != nil {
		return nil, err
	}

	if err := publishConnection(p.Store, p.DeviceID, txGref, rxGref, port, p.Evt); err != nil {
		return nil, err
	}

	features, err := readFeatures(p.Store, backendPath)
	if err != nil {
		return nil, err
	}

	if err := p.Evt.Unmask(evtHandle, port); err != nil {
		return nil, xerr.Unknownf("unmask event channel", err)
	}

	cfg := p.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}

	t := &Transport{
		DeviceID:     p.DeviceID,
		Generation:   p.Generation,
		BackendDomID: backendDomID,
		BackendPath:  backendPath,
		MAC:          mac,
		Features:     features,

		grantAlloc: p.Grant,
		pageAlloc:  p.Page,
		evt:        p.Evt,
		evtHandle:  evtHandle,
		evtchnPort: port,

		txRing: txRing,
		rxRing: rxRing,
		rxMap:  grant.NewRXMap(),

		stats: p.Stats,
		cfg:   cfg,

		txPending:  make(map[uint16]txPendingEntry),
		shutdownCh: make(chan struct{}),
	}
	t.log().WithFields(map[string]interface{}{
		"backend_domid": backendDomID,
		"evtchn":        p.Evt.ToInt(port),
	}).Info("plugged")
	return t, nil
}

func readBackendDomID(store xenstore.Store, id int) (uint16, error) {
	v, ok, err := store.Read(vifKey(id, "backend-id"))
	if err != nil {
		return 0, xerr.Unknownf("read backend-id", err)
	}
	if !ok {
		return 0, xerr.Unknown("missing backend-id")
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, xerr.Unknownf("parse backend-id", err)
	}
	return uint16(n), nil
}

func readBackendAndMAC(store xenstore.Store, id int) (string, [6]byte, error) {
	var mac [6]byte

	backendPath, ok, err := store.Read(vifKey(id, "backend"))
	if err != nil {
		return "", mac, xerr.Unknownf("read backend", err)
	}
	if !ok {
		return "", mac, xerr.Unknown("missing backend path")
	}

	macStr, ok, err := store.Read(vifKey(id, "mac"))
	if err != nil {
		return "", mac, xerr.Unknownf("read mac", err)
	}
	if !ok {
		return "", mac, xerr.Unknown("invalid mac")
	}
	hw, err := net.ParseMAC(macStr)
	if err != nil || len(hw) != 6 {
		return "", mac, xerr.Unknown("invalid mac")
	}
	copy(mac[:], hw)
	return backendPath, mac, nil
}

// allocRing allocates a page-backed shared ring, grants it read-write to
// the peer, and wraps it as a FrontRing.
func allocRing(galloc grant.Allocator, palloc pageheap.Allocator, domid uint16, slotSize int) (*ringbuf.FrontRing, grant.GrantRef, error) {
	page, err := palloc.Get()
	if err != nil {
		return nil, 0, err
	}
	gref, err := galloc.Get()
	if err != nil {
		return nil, 0, err
	}
	if err := galloc.GrantAccess(gref, domid, true, page); err != nil {
		return nil, 0, err
	}
	shared := ringbuf.NewSharedRing(palloc.ToBytes(page), slotSize)
	return ringbuf.NewFrontRing(shared), gref, nil
}

// publishConnection runs the atomic publish transaction of spec.md §4.7
// step 5.
func publishConnection(store xenstore.Store, id int, txGref, rxGref grant.GrantRef, port evtchn.Port, evt evtchn.Channels) error {
	return store.Transaction(func(tx xenstore.Tx) error {
		writes := map[string]string{
			vifKey(id, "tx-ring-ref"):       strconv.FormatUint(uint64(txGref), 10),
			vifKey(id, "rx-ring-ref"):       strconv.FormatUint(uint64(rxGref), 10),
			vifKey(id, "event-channel"):     strconv.Itoa(evt.ToInt(port)),
			vifKey(id, "request-rx-copy"):   "1",
			vifKey(id, "feature-rx-notify"): "1",
			vifKey(id, "feature-sg"):        "1",
			vifKey(id, "state"):             deviceStateConnected,
		}
		for k, v := range writes {
			if err := tx.Write(k, v); err != nil {
				return xerr.Unknownf("publish "+k, err)
			}
		}
		return nil
	})
}

// readFeatures runs the atomic feature-read transaction of spec.md §4.7
// step 6; a missing key is silently false.
func readFeatures(store xenstore.Store, backendPath string) (Features, error) {
	var f Features
	err := store.Transaction(func(tx xenstore.Tx) error {
		var err error
		if f.SG, err = xenstore.ReadBool(tx, backendPath+"/feature-sg"); err != nil {
			return err
		}
		if f.GSOTCPv4, err = xenstore.ReadBool(tx, backendPath+"/feature-gso-tcpv4"); err != nil {
			return err
		}
		if f.RXCopy, err = xenstore.ReadBool(tx, backendPath+"/feature-rx-copy"); err != nil {
			return err
		}
		if f.RXFlip, err = xenstore.ReadBool(tx, backendPath+"/feature-rx-flip"); err != nil {
			return err
		}
		if f.SmartPoll, err = xenstore.ReadBool(tx, backendPath+"/feature-smart-poll"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return Features{}, xerr.Unknownf("read features", err)
	}
	return f, nil
}
