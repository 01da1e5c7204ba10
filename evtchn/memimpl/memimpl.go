// Package memimpl is an in-process reference implementation of
// evtchn.Channels, modeling edge-triggered signaling with plain Go
// channels instead of a real hypervisor event-channel binding.
package memimpl

import (
	"context"
	"sync"

	"github.com/brodyxchen/netfront/evtchn"
	"github.com/brodyxchen/netfront/xerr"
)

type portState struct {
	mu      sync.Mutex
	domid   uint16
	masked  bool
	pending bool
	epoch   uint64
	waitCh  chan struct{}
}

// Channels is a single process-wide event-channel service instance. Handle
// values it returns are *channelHandle, opaque to callers.
type Channels struct {
	mu       sync.Mutex
	nextPort uint32
	ports    map[evtchn.Port]*portState
}

type channelHandle struct{}

// New returns an empty Channels service.
func New() *Channels {
	return &Channels{ports: make(map[evtchn.Port]*portState)}
}

func (c *Channels) Init() (evtchn.Handle, error) {
	return &channelHandle{}, nil
}

// BindUnboundPort allocates a fresh port, masked by default — the caller
// must Unmask it before signals are delivered, matching the plug sequence
// in spec.md §4.7 step 7.
func (c *Channels) BindUnboundPort(h evtchn.Handle, domid uint16) (evtchn.Port, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextPort++
	port := evtchn.Port(c.nextPort)
	c.ports[port] = &portState{
		domid:  domid,
		masked: true,
		waitCh: make(chan struct{}),
	}
	return port, nil
}

func (c *Channels) lookup(evt evtchn.Port) (*portState, error) {
	c.mu.Lock()
	p, ok := c.ports[evt]
	c.mu.Unlock()
	if !ok {
		return nil, xerr.Unknown("unbound event channel")
	}
	return p, nil
}

func (c *Channels) Notify(h evtchn.Handle, evt evtchn.Port) error {
	p, err := c.lookup(evt)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.masked {
		p.pending = true
		return nil
	}
	p.epoch++
	close(p.waitCh)
	p.waitCh = make(chan struct{})
	return nil
}

func (c *Channels) Unmask(h evtchn.Handle, evt evtchn.Port) error {
	p, err := c.lookup(evt)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.masked = false
	if p.pending {
		p.pending = false
		p.epoch++
		close(p.waitCh)
		p.waitCh = make(chan struct{})
	}
	return nil
}

func (c *Channels) IsValid(evt evtchn.Port) bool {
	_, err := c.lookup(evt)
	return err == nil
}

func (c *Channels) ToInt(evt evtchn.Port) int {
	return int(evt)
}

// After blocks until evt's epoch counter advances past epoch, or ctx is
// done, returning the new epoch.
func (c *Channels) After(ctx context.Context, h evtchn.Handle, evt evtchn.Port, epoch uint64) (uint64, error) {
	p, err := c.lookup(evt)
	if err != nil {
		return 0, err
	}

	for {
		p.mu.Lock()
		if p.epoch > epoch {
			cur := p.epoch
			p.mu.Unlock()
			return cur, nil
		}
		wait := p.waitCh
		p.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
