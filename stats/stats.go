// Package stats tracks the cumulative frame counters spec.md §3/§4.8
// defines, backed by github.com/rcrowley/go-metrics counters the way the
// teacher's statistics package backs its histograms, plus a ticker-driven
// log reporter in the teacher's metrics.LogRoutine style.
package stats

import (
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	RXBytes  int64
	RXPkts   int64
	TXBytes  int64
	TXPkts   int64
	RXDrops  int64
	TXErrors int64
}

// Stats holds the four invariant-bearing counters from spec.md §3
// (rx_bytes, rx_pkts, tx_bytes, tx_pkts) plus the supplemented debug
// counters from SPEC_FULL.md §3.1 (rx_drops, tx_errors). All six are
// go-metrics Counters, which are safe for concurrent use: the RX counters
// are bumped by the device's reactor goroutine, the TX counters by writing
// goroutines, the reactor and Shutdown.
type Stats struct {
	reg metrics.Registry

	rxBytes  metrics.Counter
	rxPkts   metrics.Counter
	txBytes  metrics.Counter
	txPkts   metrics.Counter
	rxDrops  metrics.Counter
	txErrors metrics.Counter
}

// New returns a zeroed Stats with its own private metrics registry.
func New() *Stats {
	reg := metrics.NewRegistry()
	s := &Stats{
		reg:      reg,
		rxBytes:  metrics.NewRegisteredCounter("rx_bytes", reg),
		rxPkts:   metrics.NewRegisteredCounter("rx_pkts", reg),
		txBytes:  metrics.NewRegisteredCounter("tx_bytes", reg),
		txPkts:   metrics.NewRegisteredCounter("tx_pkts", reg),
		rxDrops:  metrics.NewRegisteredCounter("rx_drops", reg),
		txErrors: metrics.NewRegisteredCounter("tx_errors", reg),
	}
	return s
}

// AddRX records a received frame of size bytes.
func (s *Stats) AddRX(size int) {
	s.rxBytes.Inc(int64(size))
	s.rxPkts.Inc(1)
}

// AddTX records a transmitted frame of size bytes.
func (s *Stats) AddTX(size int) {
	s.txBytes.Inc(int64(size))
	s.txPkts.Inc(1)
}

// AddRXDrop records one dropped RX response (non-positive status).
func (s *Stats) AddRXDrop() { s.rxDrops.Inc(1) }

// AddTXError records one aborted TX grant (shutdown-induced or otherwise).
func (s *Stats) AddTXError() { s.txErrors.Inc(1) }

// Snapshot reads all six counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		RXBytes:  s.rxBytes.Count(),
		RXPkts:   s.rxPkts.Count(),
		TXBytes:  s.txBytes.Count(),
		TXPkts:   s.txPkts.Count(),
		RXDrops:  s.rxDrops.Count(),
		TXErrors: s.txErrors.Count(),
	}
}

// Reset zeroes all six counters one after another without a lock; an Add
// running concurrently may land between two of the clears.
func (s *Stats) Reset() {
	s.rxBytes.Clear()
	s.rxPkts.Clear()
	s.txBytes.Clear()
	s.txPkts.Clear()
	s.rxDrops.Clear()
	s.txErrors.Clear()
}

// Reporter periodically logs a Stats snapshot, gated by Enable so tests do
// not pay for it, mirroring the teacher's statistics.RunClient /
// metrics.LogRoutine ticker-driven report line (SPEC_FULL.md §4.10).
type Reporter struct {
	Enable         bool
	ReportInterval time.Duration

	stats    *Stats
	deviceID int
	closeCh  chan struct{}
}

// NewReporter returns a Reporter for stats, disabled by default.
func NewReporter(deviceID int, s *Stats) *Reporter {
	return &Reporter{
		ReportInterval: 10 * time.Second,
		stats:          s,
		deviceID:       deviceID,
		closeCh:        make(chan struct{}),
	}
}

// Run starts the background ticker if Enable is set; it is a no-op
// otherwise. Safe to call at most once per Reporter.
func (r *Reporter) Run() {
	if !r.Enable {
		return
	}
	go func() {
		ticker := time.NewTicker(r.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.closeCh:
				return
			case <-ticker.C:
				snap := r.stats.Snapshot()
				logrus.WithField("device_id", r.deviceID).Info(format(snap))
			}
		}
	}()
}

// Close stops the background ticker.
func (r *Reporter) Close() {
	select {
	case <-r.closeCh:
	default:
		close(r.closeCh)
	}
}

func format(s Snapshot) string {
	return fmt.Sprintf(
		"rx_bytes=%d rx_pkts=%d tx_bytes=%d tx_pkts=%d rx_drops=%d tx_errors=%d",
		s.RXBytes, s.RXPkts, s.TXBytes, s.TXPkts, s.RXDrops, s.TXErrors,
	)
}
