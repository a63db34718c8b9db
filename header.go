package rpc

import "encoding/binary"

// HeaderSize is the fixed on-wire size of Header, in bytes.
const HeaderSize = 40

// Magic identifies the start of a valid frame.
const Magic uint64 = 0x87DE5D02E6AB95C7

// Version is the only wire version this core speaks.
const Version uint32 = 0

// FunctionID routes a request to a registered handler. Logically a pair
// (interface_id, method_id), both uint32; equality compares the whole
// 64-bit value. The interface id occupies the low 32 bits, the method id
// the high 32 bits — pinned explicitly rather than relied upon via any
// struct/union overlap (see spec guidance on avoiding physical overlap).
type FunctionID uint64

// NewFunctionID builds a FunctionID from its two halves.
func NewFunctionID(iface, method uint32) FunctionID {
	return FunctionID(uint64(iface) | uint64(method)<<32)
}

// Interface returns the interface id half.
func (f FunctionID) Interface() uint32 { return uint32(f) }

// Method returns the method id half.
func (f FunctionID) Method() uint32 { return uint32(f >> 32) }

// Header is the fixed 40-byte frame header prefixing every request and
// response on the wire.
type Header struct {
	Magic    uint64
	Version  uint32
	Size     uint32
	Function FunctionID
	Tag      uint64
	Reserved uint64
}

// newHeader builds a header with Magic/Version/Reserved already pinned.
func newHeader(fn FunctionID, tag uint64, size uint32) Header {
	return Header{
		Magic:    Magic,
		Version:  Version,
		Size:     size,
		Function: fn,
		Tag:      tag,
		Reserved: 0,
	}
}

// Encode writes h into buf, which must be at least HeaderSize bytes, in
// little-endian wire order.
func (h Header) Encode(buf []byte) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.Size)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Function))
	binary.LittleEndian.PutUint64(buf[24:32], h.Tag)
	binary.LittleEndian.PutUint64(buf[32:40], h.Reserved)
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header. It does not
// validate magic/version; callers check those explicitly so the caller
// controls whether a mismatch is fatal to the stream.
func DecodeHeader(buf []byte) Header {
	_ = buf[HeaderSize-1]
	return Header{
		Magic:    binary.LittleEndian.Uint64(buf[0:8]),
		Version:  binary.LittleEndian.Uint32(buf[8:12]),
		Size:     binary.LittleEndian.Uint32(buf[12:16]),
		Function: FunctionID(binary.LittleEndian.Uint64(buf[16:24])),
		Tag:      binary.LittleEndian.Uint64(buf[24:32]),
		Reserved: binary.LittleEndian.Uint64(buf[32:40]),
	}
}

// Valid reports whether h carries a recognized magic and version. Reserved
// is deliberately not checked: it is zero on write and ignored on read so a
// future version can repurpose it as a flag field without breaking readers
// built against this one.
func (h Header) Valid() bool {
	return h.Magic == Magic && h.Version == Version
}
