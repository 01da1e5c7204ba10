package netfront

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/brodyxchen/netfront/stats"
	"github.com/brodyxchen/netfront/transport"
	"github.com/brodyxchen/netfront/xenstore"
	"github.com/brodyxchen/netfront/xerr"
)

// deviceStateClosing is the config-store encoding spec.md §6 uses for the
// standard device-state enumeration's "Closing" value.
const deviceStateClosing = "5"

// Driver is the process-wide registry of connected devices (spec.md §3:
// "Global registry: process-wide mapping id -> Device"). Per spec.md §9's
// Design Note it is modeled as an explicit, lazily-initialized value rather
// than a hidden package singleton, matching the teacher's own preference
// for explicit construction (client.Client, server.Server) over globals;
// a process embeds exactly one Driver and treats it as the registry.
type Driver struct {
	collab Collaborators
	opts   Options

	mu      sync.Mutex
	devices map[int]*Device
}

// NewDriver returns an empty registry bound to the given collaborators.
func NewDriver(collab Collaborators, opts Options) *Driver {
	return &Driver{
		collab:  collab,
		opts:    opts,
		devices: make(map[int]*Device),
	}
}

func vifKey(id int, leaf string) string {
	return fmt.Sprintf("device/vif/%d/%s", id, leaf)
}

// resolveID implements spec.md §4.7's connect id resolution: a parseable
// integer is used directly, otherwise the first numeric entry under
// device/vif is chosen.
func resolveID(idStr string, store xenstore.Store) (int, error) {
	if idStr != "" {
		if n, err := strconv.Atoi(idStr); err == nil {
			return n, nil
		}
	}

	names, err := store.Directory("device/vif")
	if err != nil {
		return 0, xerr.Unknownf("enumerate device/vif", err)
	}
	sort.Strings(names)
	for _, name := range names {
		if n, err := strconv.Atoi(name); err == nil {
			return n, nil
		}
	}
	return 0, xerr.Unknown("no vif device found")
}

// Connect implements spec.md §4.7's connect(id): resolve the id, return the
// existing Device if already registered, otherwise plug a fresh one and
// register it. idStr may be empty to request auto-selection.
func (d *Driver) Connect(idStr string) (*Device, error) {
	id, err := resolveID(idStr, d.collab.Store)
	if err != nil {
		return nil, err
	}

	if dev := d.lookup(id); dev != nil {
		return dev, nil
	}

	st := stats.New()
	cfg := d.opts.transportConfig()
	tr, err := transport.PlugInner(transport.PlugParams{
		DeviceID: id,
		Store:    d.collab.Store,
		Grant:    d.collab.Grant,
		Page:     d.collab.Page,
		Evt:      d.collab.Evt,
		Stats:    st,
		Config:   cfg,
	})
	if err != nil {
		return nil, xerr.Unknownf("connect", err)
	}

	dev := newDevice(id, tr, st, d.collab, cfg)
	dev.reporter = stats.NewReporter(id, st)
	dev.reporter.Enable = d.opts.MetricsEnable
	if d.opts.MetricsReportInterval > 0 {
		dev.reporter.ReportInterval = d.opts.MetricsReportInterval
	}
	dev.reporter.Run()

	d.mu.Lock()
	if existing, ok := d.devices[id]; ok {
		d.mu.Unlock()
		dev.reporter.Close()
		tr.Shutdown()
		return existing, nil
	}
	d.devices[id] = dev
	d.mu.Unlock()

	return dev, nil
}

func (d *Driver) lookup(id int) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices[id]
}

// Disconnect removes dev from the registry and shuts down its current
// transport. Idempotent (spec.md §3.1's Device.closed guard).
func (d *Driver) Disconnect(dev *Device) {
	d.mu.Lock()
	delete(d.devices, dev.id)
	d.mu.Unlock()

	dev.mu.Lock()
	if dev.closed {
		dev.mu.Unlock()
		return
	}
	dev.closed = true
	tr := dev.transport
	dev.broadcastResume()
	dev.mu.Unlock()

	if dev.reporter != nil {
		dev.reporter.Close()
	}
	tr.Shutdown()
}

// ResumeAll runs resume for every currently registered device concurrently
// (spec.md §4.7). One device's failure does not prevent the others from
// resuming; the returned error is the first one any device reported.
func (d *Driver) ResumeAll(ctx context.Context) error {
	d.mu.Lock()
	devices := make([]*Device, 0, len(d.devices))
	for _, dev := range d.devices {
		devices = append(devices, dev)
	}
	d.mu.Unlock()

	var g errgroup.Group
	for _, dev := range devices {
		dev := dev
		g.Go(func() error { return dev.resume(ctx) })
	}
	return g.Wait()
}

// Shutdown disconnects every registered device, first writing
// state=Closing to the configuration store as a courtesy to the back-end
// (SPEC_FULL.md §9.1's supplemented graceful-shutdown feature).
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	devices := make([]*Device, 0, len(d.devices))
	for _, dev := range d.devices {
		devices = append(devices, dev)
	}
	d.mu.Unlock()

	for _, dev := range devices {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = d.collab.Store.Write(vifKey(dev.id, "state"), deviceStateClosing)
		d.Disconnect(dev)
	}
	return nil
}

// Snapshot is a point-in-time read of a device's identity and counters,
// per SPEC_FULL.md §6.2.
type Snapshot struct {
	MAC       [6]byte
	BackendID uint16
	Features  transport.Features
	Stats     stats.Snapshot
}

// DeviceSnapshot returns a Snapshot for the registered device with the
// given id, or a Disconnected error if it is not registered.
func (d *Driver) DeviceSnapshot(id int) (Snapshot, error) {
	dev := d.lookup(id)
	if dev == nil {
		return Snapshot{}, xerr.Disconnected(fmt.Sprintf("device %d not connected", id))
	}
	tr := dev.currentTransport()
	return Snapshot{
		MAC:       tr.MAC,
		BackendID: tr.BackendDomID,
		Features:  tr.Features,
		Stats:     dev.stats.Snapshot(),
	}, nil
}
