// Package proto implements the Channel Access wire format: the 16-byte message header
// and its extended 24-byte form, opcodes, ECA status codes, minor protocol version gates
// and the DBR payload size table.
//
// All integer fields are big-endian on the wire. Payloads are padded to 8-byte boundaries.
package proto

const (
	// ServerPort is the default TCP and UDP port of a Channel Access server.
	ServerPort = 5064
	// RepeaterPort is the default UDP port of the client-side beacon repeater.
	RepeaterPort = 5065

	// HeaderSize is the size of the compact message header.
	HeaderSize = 16
	// ExtendedHeaderSize is the size of the header followed by the two 32-bit extension words.
	ExtendedHeaderSize = HeaderSize + 8
	// MessageAlign is the payload alignment. Pad bytes are always zero.
	MessageAlign = 8

	// LargeSentinel in the 16-bit payload size or count field announces extended framing.
	LargeSentinel = 0xffff

	// MaxUDPSend is the largest datagram the server emits.
	MaxUDPSend = 1024
	// MaxUDPRecv is the largest datagram the server accepts.
	MaxUDPRecv = 0xffff + 16
	// MaxTCP is the default size of a stream buffer.
	MaxTCP = 1024 * 16

	// UnreasonablePVNameSize bounds the length of a claimed PV name.
	UnreasonablePVNameSize = 500

	// DoReply asks the server to answer a search even when the name is not hosted.
	DoReply = 10
	// DontReply asks the server to stay silent when the name is not hosted.
	DontReply = 5

	// SequenceNoIsValid marks the cid field of a datagram VERSION header as a sequence number.
	SequenceNoIsValid = 1

	// AccessRightRead is set in an ACCESS_RIGHTS message when the channel may be read.
	AccessRightRead = 1 << 0
	// AccessRightWrite is set in an ACCESS_RIGHTS message when the channel may be written.
	AccessRightWrite = 1 << 1

	// InvalidResourceID is used in replies where no resource id applies.
	InvalidResourceID = ^uint32(0)
)

// DBE_* bits of the EVENT_ADD subscription mask.
const (
	DBEValue    = 1 << 0
	DBELog      = 1 << 1
	DBEAlarm    = 1 << 2
	DBEProperty = 1 << 3
)

// EventAddPayloadSize is the size of the mon_info structure carried by EVENT_ADD:
// three float32 (low, high, timeout), the u16 mask and a u16 pad.
const EventAddPayloadSize = 16

// eventAddMaskOffset is the offset of the mask inside the EVENT_ADD payload.
const eventAddMaskOffset = 12

// EventAddMask extracts the DBE_* mask from an EVENT_ADD payload.
// It returns false if the payload is too short to carry a mask.
func EventAddMask(payload []byte) (uint16, bool) {
	if len(payload) < eventAddMaskOffset+2 {
		return 0, false
	}

	return uint16(payload[eventAddMaskOffset])<<8 | uint16(payload[eventAddMaskOffset+1]), true
}
