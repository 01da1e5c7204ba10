package netfront

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brodyxchen/netfront/stats"
	"github.com/brodyxchen/netfront/transport"
	"github.com/brodyxchen/netfront/xerr"
)

// ResumeHook is invoked, in registration order, after a device's Transport
// has been rebuilt by resume (spec.md §4.7).
type ResumeHook func(ctx context.Context, dev *Device) error

// Device is the stable wrapper around a swappable Transport (spec.md §3):
// its identity, lock, resume hooks and stats counters outlive any single
// Transport generation. Per spec.md §9's Design Note, Device owns the
// Transport exclusively; the Transport never references back to it.
type Device struct {
	id int

	collab Collaborators
	cfg    transport.Config

	mu         sync.Mutex
	transport  *transport.Transport
	generation uint64
	closed     bool
	resumeHooks []ResumeHook
	resumeCh   chan struct{}

	stats    *stats.Stats
	reporter *stats.Reporter
}

func newDevice(id int, tr *transport.Transport, st *stats.Stats, collab Collaborators, cfg transport.Config) *Device {
	return &Device{
		id:        id,
		collab:    collab,
		cfg:       cfg,
		transport: tr,
		stats:     st,
		resumeCh:  make(chan struct{}),
	}
}

// ID returns the device's virtual interface id.
func (dev *Device) ID() int { return dev.id }

// Mac returns the MAC address negotiated at plug time.
func (dev *Device) Mac() [6]byte { return dev.currentTransport().MAC }

// BackendID returns the peer domain id read from the configuration store.
func (dev *Device) BackendID() uint16 { return dev.currentTransport().BackendDomID }

// Features returns the negotiated feature booleans.
func (dev *Device) Features() transport.Features { return dev.currentTransport().Features }

// GetStats returns a point-in-time snapshot of the cumulative counters.
func (dev *Device) GetStats() stats.Snapshot { return dev.stats.Snapshot() }

// ResetStats zeroes every counter (spec.md §4.8).
func (dev *Device) ResetStats() { dev.stats.Reset() }

// AddResumeHook registers fn to run, in order, after every future resume.
func (dev *Device) AddResumeHook(fn ResumeHook) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.resumeHooks = append(dev.resumeHooks, fn)
}

func (dev *Device) currentTransport() *transport.Transport {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.transport
}

func (dev *Device) isClosed() bool {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.closed
}

// broadcastResume wakes every waiter on the current resumeCh and installs a
// fresh one for the next wait, mirroring evtchn/memimpl's
// close-then-recreate broadcast idiom. Callers must hold dev.mu.
func (dev *Device) broadcastResume() {
	close(dev.resumeCh)
	dev.resumeCh = make(chan struct{})
}

// waitForPlug returns the current transport at once if it has already
// replaced old; otherwise it blocks until the device's next resume completes
// (or it is disconnected), then returns the transport that is current at
// that point. This is spec.md §4.7/§5's wait_for_plug: "condition wait under
// the device lock".
func (dev *Device) waitForPlug(ctx context.Context, old *transport.Transport) (*transport.Transport, error) {
	dev.mu.Lock()
	if !dev.closed && dev.transport != old {
		tr := dev.transport
		dev.mu.Unlock()
		return tr, nil
	}
	ch := dev.resumeCh
	dev.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return nil, xerr.Disconnected("device disconnected")
	}
	return dev.transport, nil
}

// Write sends a single frame. Per spec.md §4.4/§7, a shutdown observed
// mid-send (e.g. a concurrent resume retired the ring) triggers one
// transparent retry against the new transport once it is available.
func (dev *Device) Write(ctx context.Context, frame []byte) error {
	tr := dev.currentTransport()
	err := tr.Write(ctx, frame)
	if !errors.Is(err, transport.ErrShutdown) {
		return err
	}

	newTr, werr := dev.waitForPlug(ctx, tr)
	if werr != nil {
		return werr
	}
	return newTr.Write(ctx, frame)
}

// WriteVectored fragments and sends frames. Per spec.md §4.4, unlike
// Write it does not auto-retry on shutdown.
func (dev *Device) WriteVectored(ctx context.Context, frames [][]byte) error {
	return dev.currentTransport().WriteVectored(ctx, frames)
}

// Listen runs the reactor loop for this device. It blocks until ctx is
// canceled or the device is disconnected, transparently continuing on the
// new transport across any number of resumes in between (spec.md §4.6:
// "listen never returns under normal operation; it terminates only when
// the device is disconnected").
func (dev *Device) Listen(ctx context.Context, fn func(frame []byte)) error {
	tr := dev.currentTransport()
	for {
		err := tr.Run(ctx, fn)
		if err != nil {
			return err
		}
		if dev.isClosed() {
			return xerr.Disconnected("device disconnected")
		}
		// tr.Run returned nil because Shutdown() closed its shutdownCh,
		// which happens on resume (old ring retired) as well as on
		// disconnect; isClosed() above already ruled out disconnect.
		next, werr := dev.waitForPlug(ctx, tr)
		if werr != nil {
			return werr
		}
		tr = next
	}
}

// resume rebuilds the device's Transport via transport.PlugInner, runs the
// registered resume hooks in order, wakes any wait_for_plug sleepers, and
// shuts down the old transport's rings (spec.md §4.7).
func (dev *Device) resume(ctx context.Context) error {
	dev.mu.Lock()
	id := dev.id
	collab := dev.collab
	cfg := dev.cfg
	st := dev.stats
	gen := dev.generation + 1
	oldTr := dev.transport
	hooks := append([]ResumeHook(nil), dev.resumeHooks...)
	dev.mu.Unlock()

	newTr, err := transport.PlugInner(transport.PlugParams{
		DeviceID:   id,
		Generation: gen,
		Store:      collab.Store,
		Grant:      collab.Grant,
		Page:       collab.Page,
		Evt:        collab.Evt,
		Stats:      st,
		Config:     cfg,
	})
	if err != nil {
		return xerr.Unknownf("resume", err)
	}

	dev.mu.Lock()
	dev.transport = newTr
	dev.generation = gen
	dev.mu.Unlock()

	for _, hook := range hooks {
		if herr := hook(ctx, dev); herr != nil {
			logrus.WithFields(logrus.Fields{"device_id": id}).WithError(herr).Warn("resume hook failed")
		}
	}

	dev.mu.Lock()
	dev.broadcastResume()
	dev.mu.Unlock()

	oldTr.Shutdown()
	return nil
}
