package memimpl

import (
	"testing"

	"github.com/brodyxchen/netfront/pageheap"
	"github.com/stretchr/testify/require"
)

func TestGrantLifecycleBalances(t *testing.T) {
	a := New()
	page := pageheap.NewPage(make([]byte, pageheap.PageSize))

	gref, err := a.Get()
	require.NoError(t, err)

	require.NoError(t, a.GrantAccess(gref, 0, true, page))
	require.Equal(t, 1, a.OutstandingCount())

	require.NoError(t, a.EndAccess(gref))
	require.Equal(t, 0, a.OutstandingCount())

	require.NoError(t, a.Put(gref))
}

func TestDoubleEndAccessFails(t *testing.T) {
	a := New()
	page := pageheap.NewPage(make([]byte, pageheap.PageSize))
	gref, _ := a.Get()

	require.NoError(t, a.GrantAccess(gref, 0, true, page))
	require.NoError(t, a.EndAccess(gref))
	require.Error(t, a.EndAccess(gref))
}

func TestPutBeforeEndAccessFails(t *testing.T) {
	a := New()
	page := pageheap.NewPage(make([]byte, pageheap.PageSize))
	gref, _ := a.Get()

	require.NoError(t, a.GrantAccess(gref, 0, true, page))
	require.Error(t, a.Put(gref))
}

func TestGetNReturnsDistinctRefs(t *testing.T) {
	a := New()
	refs, err := a.GetN(8)
	require.NoError(t, err)
	require.Len(t, refs, 8)

	seen := map[uint32]bool{}
	for _, r := range refs {
		seen[uint32(r)] = true
	}
	require.Len(t, seen, 8)
}
