package proto

import (
	"encoding/binary"
	"fmt"
)

// Header is a decoded message header.
//
// PayloadSize and Count always hold the true 32-bit values, whether the message was
// framed in the compact or in the extended form.
//
// CID and Available are the two resource-id fields (id-a and id-b). Depending on the
// command they carry channel ids, subscription ids, status codes, addresses or the
// peer's minor version.
type Header struct {
	Command     Command
	PayloadSize uint32
	DataType    uint16
	Count       uint32
	CID         uint32
	Available   uint32
}

// NeedsExtended reports whether the header cannot be expressed in compact framing.
func (h Header) NeedsExtended() bool {
	return h.PayloadSize >= LargeSentinel || h.Count >= LargeSentinel
}

// EncodedSize returns the number of bytes Encode writes.
func (h Header) EncodedSize() int {
	if h.NeedsExtended() {
		return ExtendedHeaderSize
	}

	return HeaderSize
}

// MessageSize returns the header size plus the payload size.
func (h Header) MessageSize() uint32 {
	return uint32(h.EncodedSize()) + h.PayloadSize //nolint: gosec
}

// Encode writes the header into b and returns the number of bytes written.
//
// Compact framing is used whenever the payload size and the count both fit below the
// 0xffff sentinel; otherwise the sentinel is written into the 16-bit payload size field,
// zero into the 16-bit count field, and the true values follow as two 32-bit words.
//
// b must be at least EncodedSize() bytes long.
func (h Header) Encode(b []byte) int {
	binary.BigEndian.PutUint16(b[0:], uint16(h.Command))
	binary.BigEndian.PutUint16(b[4:], h.DataType)
	binary.BigEndian.PutUint32(b[8:], h.CID)
	binary.BigEndian.PutUint32(b[12:], h.Available)

	if !h.NeedsExtended() {
		binary.BigEndian.PutUint16(b[2:], uint16(h.PayloadSize))
		binary.BigEndian.PutUint16(b[6:], uint16(h.Count))

		return HeaderSize
	}

	binary.BigEndian.PutUint16(b[2:], LargeSentinel)
	binary.BigEndian.PutUint16(b[6:], 0)
	binary.BigEndian.PutUint32(b[16:], h.PayloadSize)
	binary.BigEndian.PutUint32(b[20:], h.Count)

	return ExtendedHeaderSize
}

// DecodeHeader decodes a header from the start of b.
//
// It returns the header and the number of bytes it occupied (HeaderSize or
// ExtendedHeaderSize). If b does not yet hold the complete header, ErrShortHeader is
// returned and the caller should wait for more bytes.
func DecodeHeader(b []byte) (Header, int, error) {
	if len(b) < HeaderSize {
		return Header{}, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortHeader, HeaderSize, len(b))
	}

	postSize := binary.BigEndian.Uint16(b[2:])
	count := binary.BigEndian.Uint16(b[6:])

	h := Header{
		Command:     Command(binary.BigEndian.Uint16(b[0:])),
		PayloadSize: uint32(postSize),
		DataType:    binary.BigEndian.Uint16(b[4:]),
		Count:       uint32(count),
		CID:         binary.BigEndian.Uint32(b[8:]),
		Available:   binary.BigEndian.Uint32(b[12:]),
	}

	if postSize != LargeSentinel && count != LargeSentinel {
		return h, HeaderSize, nil
	}

	if len(b) < ExtendedHeaderSize {
		return Header{}, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortHeader, ExtendedHeaderSize, len(b))
	}

	h.PayloadSize = binary.BigEndian.Uint32(b[16:])
	h.Count = binary.BigEndian.Uint32(b[20:])

	return h, ExtendedHeaderSize, nil
}

// AlignPayload rounds n up to the message alignment.
func AlignPayload(n uint32) uint32 {
	return (n + MessageAlign - 1) &^ (MessageAlign - 1)
}

// IsAligned reports whether n is a multiple of the message alignment.
func IsAligned(n uint32) bool {
	return n&(MessageAlign-1) == 0
}
