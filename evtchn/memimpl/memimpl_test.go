package memimpl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAfterUnblocksOnNotifyOnceUnmasked(t *testing.T) {
	c := New()
	h, err := c.Init()
	require.NoError(t, err)

	port, err := c.BindUnboundPort(h, 7)
	require.NoError(t, err)
	require.NoError(t, c.Unmask(h, port))

	done := make(chan uint64, 1)
	go func() {
		epoch, err := c.After(context.Background(), h, port, 0)
		require.NoError(t, err)
		done <- epoch
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Notify(h, port))

	select {
	case epoch := <-done:
		require.Equal(t, uint64(1), epoch)
	case <-time.After(time.Second):
		t.Fatal("After did not unblock on notify")
	}
}

func TestNotifyWhileMaskedIsDeliveredOnUnmask(t *testing.T) {
	c := New()
	h, err := c.Init()
	require.NoError(t, err)

	port, err := c.BindUnboundPort(h, 7)
	require.NoError(t, err)

	require.NoError(t, c.Notify(h, port))

	done := make(chan uint64, 1)
	go func() {
		epoch, err := c.After(context.Background(), h, port, 0)
		require.NoError(t, err)
		done <- epoch
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Unmask(h, port))

	select {
	case epoch := <-done:
		require.Equal(t, uint64(1), epoch)
	case <-time.After(time.Second):
		t.Fatal("masked notify was not delivered on unmask")
	}
}

func TestAfterReturnsImmediatelyWhenEpochAlreadyPast(t *testing.T) {
	c := New()
	h, err := c.Init()
	require.NoError(t, err)

	port, err := c.BindUnboundPort(h, 7)
	require.NoError(t, err)
	require.NoError(t, c.Unmask(h, port))
	require.NoError(t, c.Notify(h, port))

	epoch, err := c.After(context.Background(), h, port, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), epoch)
}

func TestAfterRespectsContextCancellation(t *testing.T) {
	c := New()
	h, err := c.Init()
	require.NoError(t, err)

	port, err := c.BindUnboundPort(h, 7)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = c.After(ctx, h, port, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsValidAndToInt(t *testing.T) {
	c := New()
	h, err := c.Init()
	require.NoError(t, err)

	port, err := c.BindUnboundPort(h, 7)
	require.NoError(t, err)

	require.True(t, c.IsValid(port))
	require.False(t, c.IsValid(port+1000))
	require.Equal(t, int(port), c.ToInt(port))
}

func TestAfterOnUnboundPortErrors(t *testing.T) {
	c := New()
	_, err := c.After(context.Background(), nil, 999, 0)
	require.Error(t, err)
}
