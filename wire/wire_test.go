package wire

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
)

func TestRXRequestRoundTrip(t *testing.T) {
	f := func(id uint16, gref uint32) bool {
		slot := make([]byte, RXRequestSize)
		EncodeRXRequest(id, gref, slot)
		gotID, gotGref := DecodeRXRequest(slot)
		return gotID == id && gotGref == gref
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestTXRequestRoundTrip(t *testing.T) {
	f := func(gref uint32, offset, id, size uint16, flags uint16) bool {
		slot := make([]byte, TXRequestSize)
		EncodeTXRequest(gref, offset, TXFlag(flags), id, size, slot)
		gotGref, gotOffset, gotFlags, gotID, gotSize := DecodeTXRequest(slot)
		return gotGref == gref && gotOffset == offset && gotFlags == TXFlag(flags) &&
			gotID == id && gotSize == size
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestRXResponseRoundTrip(t *testing.T) {
	slot := make([]byte, RXResponseSize)
	EncodeRXResponse(7, 0, 0, -3, slot)
	id, offset, flags, status := DecodeRXResponse(slot)
	require.Equal(t, uint16(7), id)
	require.Equal(t, uint16(0), offset)
	require.Equal(t, uint16(0), flags)
	require.Equal(t, int16(-3), status)
}

func TestTXResponseRoundTrip(t *testing.T) {
	slot := make([]byte, TXResponseSize)
	EncodeTXResponse(42, 60, slot)
	id, status := DecodeTXResponse(slot)
	require.Equal(t, uint16(42), id)
	require.Equal(t, int16(60), status)
}

func TestEncodeRejectsShortSlot(t *testing.T) {
	require.Panics(t, func() {
		EncodeRXRequest(1, 2, make([]byte, RXRequestSize-1))
	})
}
