package memimpl

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brodyxchen/netfront/xenstore"
)

func TestWriteThenRead(t *testing.T) {
	s := New()
	require.NoError(t, s.Write("device/vif/0/mac", "aa:bb:cc:dd:ee:ff"))

	v, ok, err := s.Read("device/vif/0/mac")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", v)

	_, ok, err = s.Read("device/vif/0/missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDirectoryListsImmediateChildren(t *testing.T) {
	s := New()
	require.NoError(t, s.Write("device/vif/0/mac", "x"))
	require.NoError(t, s.Write("device/vif/1/mac", "y"))
	require.NoError(t, s.Write("device/vif/1/backend", "z"))

	names, err := s.Directory("device/vif")
	require.NoError(t, err)
	sort.Strings(names)
	require.Equal(t, []string{"0", "1"}, names)
}

func TestTransactionReadsAndWritesThroughTx(t *testing.T) {
	s := New()
	require.NoError(t, s.Write("k", "0"))

	err := s.Transaction(func(tx xenstore.Tx) error {
		v, _, _ := tx.Read("k")
		require.Equal(t, "0", v)
		return tx.Write("k", "1")
	})
	require.NoError(t, err)

	v, _, _ := s.Read("k")
	require.Equal(t, "1", v)
}

func TestReadBoolTreatsMissingKeyAsFalse(t *testing.T) {
	s := New()
	require.NoError(t, s.Write("feature-sg", "1"))

	err := s.Transaction(func(tx xenstore.Tx) error {
		sg, err := xenstore.ReadBool(tx, "feature-sg")
		require.NoError(t, err)
		require.True(t, sg)

		gso, err := xenstore.ReadBool(tx, "feature-gso-tcpv4")
		require.NoError(t, err)
		require.False(t, gso)
		return nil
	})
	require.NoError(t, err)
}
