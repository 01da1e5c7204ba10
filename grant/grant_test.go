package grant

import (
	"testing"

	"github.com/brodyxchen/netfront/pageheap"
	"github.com/brodyxchen/netfront/xerr"
	"github.com/stretchr/testify/require"
)

func TestInsertAndRemoveRoundTrip(t *testing.T) {
	m := NewRXMap()
	page := pageheap.NewPage(make([]byte, pageheap.PageSize))

	id, err := m.Insert(GrantRef(42), page)
	require.NoError(t, err)
	require.Equal(t, uint16(42), id)
	require.Equal(t, 1, m.Len())

	gref, gotPage, ok := m.Remove(id)
	require.True(t, ok)
	require.Equal(t, GrantRef(42), gref)
	require.Equal(t, page, gotPage)
	require.Equal(t, 0, m.Len())

	_, _, ok = m.Remove(id)
	require.False(t, ok)
}

func TestInsertCollisionIsFatal(t *testing.T) {
	m := NewRXMap()
	page := pageheap.NewPage(make([]byte, pageheap.PageSize))

	_, err := m.Insert(GrantRef(7), page)
	require.NoError(t, err)

	// GrantRef(7 + 1<<16) truncates to the same id 7.
	_, err = m.Insert(GrantRef(7+1<<16), page)
	require.Error(t, err)
	require.True(t, xerr.IsKind(err, xerr.KindUnknown))
}

func TestDrainRemovesEveryEntryExactlyOnce(t *testing.T) {
	m := NewRXMap()
	page := pageheap.NewPage(make([]byte, pageheap.PageSize))
	for i := 0; i < 5; i++ {
		_, err := m.Insert(GrantRef(i), page)
		require.NoError(t, err)
	}

	seen := map[uint16]bool{}
	m.Drain(func(id uint16, gref GrantRef, p pageheap.Page) {
		require.False(t, seen[id])
		seen[id] = true
	})

	require.Len(t, seen, 5)
	require.Equal(t, 0, m.Len())

	m.Drain(func(id uint16, gref GrantRef, p pageheap.Page) {
		t.Fatal("unexpected entry after drain")
	})
}
