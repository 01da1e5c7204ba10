// Package netfront is the public surface of the paravirtualized network
// front-end driver: Device lifecycle, the process-wide registry, and
// resume/disconnect orchestration layered over package transport's per-
// device data plane (spec.md §6).
package netfront

import (
	"time"

	"github.com/brodyxchen/netfront/evtchn"
	"github.com/brodyxchen/netfront/grant"
	"github.com/brodyxchen/netfront/pageheap"
	"github.com/brodyxchen/netfront/transport"
	"github.com/brodyxchen/netfront/xenstore"
)

// Collaborators bundles the four external services spec.md §6 defines as
// out of this module's scope: the grant allocator, event-channel service,
// configuration store, and page allocator. Production callers wire in real
// hypervisor bindings here; tests and the loopback demo use the */memimpl
// reference implementations.
type Collaborators struct {
	Store xenstore.Store
	Grant grant.Allocator
	Page  pageheap.Allocator
	Evt   evtchn.Channels
}

// Options controls the tunables SPEC_FULL.md §4.11 adds: RX refill batch
// size, metrics reporting, and write_vectored's headroom-poll granularity.
// A zero Options resolves to package defaults, the way the teacher's
// client/config.go resolves a zero Config.
type Options struct {
	// RXRefillBatch caps how many RX requests a single refill posts.
	// Zero means "as many as the ring's free_requests() allows".
	RXRefillBatch int
	// HeadroomPollInterval bounds WriteVectored's blocking wait between
	// re-checks of free_requests().
	HeadroomPollInterval time.Duration
	// MetricsEnable turns on the periodic stats.Reporter log line.
	MetricsEnable bool
	// MetricsReportInterval overrides the reporter's default interval.
	MetricsReportInterval time.Duration
}

func (o Options) transportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	if o.RXRefillBatch > 0 {
		cfg.RXRefillBatch = o.RXRefillBatch
	}
	if o.HeadroomPollInterval > 0 {
		cfg.HeadroomPollInterval = o.HeadroomPollInterval
	}
	return cfg
}
