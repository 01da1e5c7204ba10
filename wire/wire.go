// Package wire packs and unpacks the fixed-size ring slot records exchanged
// with the back-end. All fields are little-endian. Every function here is
// pure: it never allocates, never blocks, and panics if the supplied slot is
// shorter than the record it is asked to hold — a short slot is a programmer
// error in the caller's ring geometry, not a runtime condition to recover
// from.
package wire

import "encoding/binary"

const (
	// RXRequestSize is the wire size of an RX request record.
	RXRequestSize = 8
	// RXResponseSize is the wire size of an RX response record.
	RXResponseSize = 8
	// TXRequestSize is the wire size of a TX request record.
	TXRequestSize = 12
	// TXResponseSize is the wire size of a TX response record.
	TXResponseSize = 4
)

// TXFlag is a bitmask carried on a TX request record.
type TXFlag uint16

const (
	TXFlagCsumBlank     TXFlag = 1 << 0
	TXFlagDataValidated TXFlag = 1 << 1
	TXFlagMoreData      TXFlag = 1 << 2
	TXFlagExtraInfo     TXFlag = 1 << 3
)

func need(slot []byte, n int) {
	if len(slot) < n {
		panic("wire: slot shorter than fixed record size")
	}
}

// EncodeRXRequest packs an RX request record: id, gref.
func EncodeRXRequest(id uint16, gref uint32, slot []byte) {
	need(slot, RXRequestSize)
	binary.LittleEndian.PutUint16(slot[0:2], id)
	binary.LittleEndian.PutUint16(slot[2:4], 0) // _pad
	binary.LittleEndian.PutUint32(slot[4:8], gref)
}

// DecodeRXResponse unpacks an RX response record: id, offset, flags, status.
func DecodeRXResponse(slot []byte) (id, offset, flags uint16, status int16) {
	need(slot, RXResponseSize)
	id = binary.LittleEndian.Uint16(slot[0:2])
	offset = binary.LittleEndian.Uint16(slot[2:4])
	flags = binary.LittleEndian.Uint16(slot[4:6])
	status = int16(binary.LittleEndian.Uint16(slot[6:8]))
	return
}

// EncodeTXRequest packs a TX request record: gref, offset, flags, id, size.
func EncodeTXRequest(gref uint32, offset uint16, flags TXFlag, id, size uint16, slot []byte) {
	need(slot, TXRequestSize)
	binary.LittleEndian.PutUint32(slot[0:4], gref)
	binary.LittleEndian.PutUint16(slot[4:6], offset)
	binary.LittleEndian.PutUint16(slot[6:8], uint16(flags))
	binary.LittleEndian.PutUint16(slot[8:10], id)
	binary.LittleEndian.PutUint16(slot[10:12], size)
}

// DecodeTXResponse unpacks a TX response record: id, status.
func DecodeTXResponse(slot []byte) (id uint16, status int16) {
	need(slot, TXResponseSize)
	id = binary.LittleEndian.Uint16(slot[0:2])
	status = int16(binary.LittleEndian.Uint16(slot[2:4]))
	return
}

// EncodeTXResponse packs a TX response record. The back-end peer uses this;
// the front-end driver only decodes TX responses, but the simulated-peer
// test harness needs to produce them, so the encoder lives here rather than
// being duplicated in a test helper.
func EncodeTXResponse(id uint16, status int16, slot []byte) {
	need(slot, TXResponseSize)
	binary.LittleEndian.PutUint16(slot[0:2], id)
	binary.LittleEndian.PutUint16(slot[2:4], uint16(status))
}

// EncodeRXResponse packs an RX response record. Used by the simulated-peer
// test harness, symmetric with EncodeTXResponse above.
func EncodeRXResponse(id, offset, flags uint16, status int16, slot []byte) {
	need(slot, RXResponseSize)
	binary.LittleEndian.PutUint16(slot[0:2], id)
	binary.LittleEndian.PutUint16(slot[2:4], offset)
	binary.LittleEndian.PutUint16(slot[4:6], flags)
	binary.LittleEndian.PutUint16(slot[6:8], uint16(status))
}

// DecodeRXRequest unpacks an RX request record. Used by the simulated-peer
// test harness.
func DecodeRXRequest(slot []byte) (id uint16, gref uint32) {
	need(slot, RXRequestSize)
	id = binary.LittleEndian.Uint16(slot[0:2])
	gref = binary.LittleEndian.Uint32(slot[4:8])
	return
}

// DecodeTXRequest unpacks a TX request record. Used by the simulated-peer
// test harness.
func DecodeTXRequest(slot []byte) (gref uint32, offset uint16, flags TXFlag, id, size uint16) {
	need(slot, TXRequestSize)
	gref = binary.LittleEndian.Uint32(slot[0:4])
	offset = binary.LittleEndian.Uint16(slot[4:6])
	flags = TXFlag(binary.LittleEndian.Uint16(slot[6:8]))
	id = binary.LittleEndian.Uint16(slot[8:10])
	size = binary.LittleEndian.Uint16(slot[10:12])
	return
}
