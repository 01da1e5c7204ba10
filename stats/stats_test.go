package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	s := New()
	s.AddRX(60)
	s.AddRX(40)
	s.AddTX(100)
	s.AddRXDrop()
	s.AddTXError()

	snap := s.Snapshot()
	require.Equal(t, int64(100), snap.RXBytes)
	require.Equal(t, int64(2), snap.RXPkts)
	require.Equal(t, int64(100), snap.TXBytes)
	require.Equal(t, int64(1), snap.TXPkts)
	require.Equal(t, int64(1), snap.RXDrops)
	require.Equal(t, int64(1), snap.TXErrors)
}

func TestResetZeroesAllCounters(t *testing.T) {
	s := New()
	s.AddRX(10)
	s.AddTX(10)
	s.Reset()

	require.Equal(t, Snapshot{}, s.Snapshot())
}

func TestReporterDisabledByDefaultDoesNothing(t *testing.T) {
	s := New()
	r := NewReporter(0, s)
	r.ReportInterval = time.Millisecond
	r.Run()
	defer r.Close()

	time.Sleep(5 * time.Millisecond)
	// Nothing to assert beyond "does not panic and Close is safe" — Enable
	// defaults to false so Run is a no-op.
}

func TestReporterCloseIsIdempotent(t *testing.T) {
	s := New()
	r := NewReporter(1, s)
	r.Enable = true
	r.ReportInterval = time.Millisecond
	r.Run()

	r.Close()
	require.NotPanics(t, r.Close)
}
