// Package evtchn declares the event-channel service contract (spec.md §6).
// The service itself is an external collaborator; a reference
// implementation lives in evtchn/memimpl, modeling edge-triggered signaling
// entirely with Go channels.
package evtchn

import "context"

// Handle is an opaque per-process binding to the event-channel service,
// returned by Init and passed back into every other call.
type Handle interface{}

// Port identifies a single event channel.
type Port uint32

// Channels is the event-channel service contract: bind a port to a peer
// domain, signal it, control delivery masking, and await the next signal
// strictly after a given epoch.
type Channels interface {
	Init() (Handle, error)
	BindUnboundPort(h Handle, domid uint16) (Port, error)
	Notify(h Handle, evtchn Port) error
	Unmask(h Handle, evtchn Port) error
	IsValid(evtchn Port) bool
	ToInt(evtchn Port) int
	// After resolves with the epoch counter once it is strictly greater
	// than epoch, i.e. once a signal has arrived on evtchn since the
	// caller last observed epoch.
	After(ctx context.Context, h Handle, evtchn Port, epoch uint64) (uint64, error)
}
