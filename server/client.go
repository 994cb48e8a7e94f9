package server

import (
	"bytes"
	"errors"
	"net/netip"

	"github.com/arloliu/go-cas/buffer"
	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/internal/util"
	"github.com/arloliu/go-cas/proto"
)

// handlerResult is the outcome of one request handler.
type handlerResult int

const (
	// resultOK means the request is done and leaves the ingress buffer.
	resultOK handlerResult = iota
	// resultPostpone means the server tool asked to retry after async io on the PV ends.
	resultPostpone
	// resultSendBlocked means the egress buffer is full. The request is executed again
	// once the peer drained the connection.
	resultSendBlocked
	// resultDisconnect means the peer violated the protocol.
	resultDisconnect
)

func (r handlerResult) String() string {
	switch r {
	case resultOK:
		return "ok"
	case resultPostpone:
		return "postpone"
	case resultSendBlocked:
		return "send blocked"
	case resultDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// resultFromAllocErr maps an egress allocation error. Allocation failures other than
// backpressure drop the response.
func resultFromAllocErr(err error) handlerResult {
	if errors.Is(err, buffer.ErrSendBlocked) {
		return resultSendBlocked
	}

	return resultOK
}

// requestMsg is the request being executed.
type requestMsg struct {
	hdr     proto.Header
	hdrSize int
	payload []byte
}

// pvNameProblem explains why a name carried by a request is unusable.
type pvNameProblem string

const (
	pvNameOK           pvNameProblem = ""
	pvNameNoExtension  pvNameProblem = "empty PV name extension"
	pvNameEmpty        pvNameProblem = "zero length PV name"
	pvNameUnterminated pvNameProblem = "unterminated PV name"
)

// parsePVName extracts the NUL terminated name of a SEARCH or CREATE_CHAN request.
// Pad bytes after the terminator may be garbage.
func parsePVName(hdr proto.Header, payload []byte) (string, pvNameProblem) {
	if hdr.PayloadSize <= 1 || len(payload) == 0 {
		return "", pvNameNoExtension
	}
	if payload[0] == 0 {
		return "", pvNameEmpty
	}

	i := bytes.IndexByte(payload, 0)
	if i < 0 {
		return "", pvNameUnterminated
	}

	return string(payload[:i]), pvNameOK
}

// nulString returns the NUL terminated text at the start of b.
func nulString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}

	return string(b)
}

// convertValue returns v in the requested type. Values already in the type are used as
// they are; otherwise the PV must implement cas.Converter.
func convertValue(pv cas.PV, v *cas.Value, req cas.ReadRequest) (*cas.Value, cas.Status) {
	if v == nil {
		return nil, cas.StatusNoConvert
	}
	if v.Type == req.Type {
		return v, cas.StatusSuccess
	}

	conv, ok := pv.(cas.Converter)
	if !ok {
		return nil, cas.StatusNoConvert
	}
	out, st := conv.Convert(v, req)
	if st.OK() && (out == nil || out.Type != req.Type) {
		return nil, cas.StatusNoConvert
	}

	return out, st
}

// responseCount returns the element count of a value response. A zero request count
// asks for the current count of the value.
func responseCount(reqCount uint32, v *cas.Value) uint32 {
	if reqCount != 0 || v == nil {
		return reqCount
	}
	if v.Count == 0 {
		return 1
	}

	return v.Count
}

// encodeValue copies the value bytes into payload, zero filling elements the value does
// not cover.
func encodeValue(payload []byte, v *cas.Value) {
	if v == nil {
		clear(payload)
		return
	}
	util.CopyClamped(payload, v.Data)
}

// isScalarString reports whether a response may be reduced to the string length.
func isScalarString(t proto.DBRType, count uint32) bool {
	return t == proto.DBRString && count == 1
}

// stringPayloadSize returns the reduced payload size of a scalar DBR_STRING response.
func stringPayloadSize(payload []byte) uint32 {
	n := bytes.IndexByte(payload, 0)
	if n < 0 {
		return uint32(len(payload)) //nolint: gosec
	}

	return uint32(n + 1) //nolint: gosec
}

// readFailureECA maps a failed read or subscription status.
func readFailureECA(st cas.Status) proto.ECA {
	switch st {
	case cas.StatusNoRead:
		return proto.ECANoRdAccess
	case cas.StatusNoMemory:
		return proto.ECAAllocMem
	case cas.StatusBadType:
		return proto.ECABadType
	default:
		return proto.ECAGetFail
	}
}

// writeFailureECA maps a failed write status.
func writeFailureECA(st cas.Status) proto.ECA {
	switch st {
	case cas.StatusNoMemory:
		return proto.ECAAllocMem
	case cas.StatusNoConvert:
		return proto.ECANoConvert
	case cas.StatusBadType:
		return proto.ECABadType
	default:
		return proto.ECAPutFail
	}
}

// searchReplyAddr returns the address and port fields of a positive search reply.
//
// V4.8 peers get the redirect address of the answer, or the address of the interface the
// request arrived on. An unbound interface is announced as 255.255.255.255 so the peer
// uses the source address of the reply. Older peers always get the latter.
func searchReplyAddr(minor proto.MinorVersion, ret cas.ExistReturn, local netip.AddrPort) (uint32, uint16) {
	if minor.V48() {
		if ret.Addr.IsValid() {
			port := ret.Addr.Port()
			if port == 0 {
				port = proto.ServerPort
			}

			return addrToUint32(ret.Addr.Addr()), port
		}

		addr := local.Addr()
		if !addr.IsValid() || addr.IsUnspecified() {
			return ^uint32(0), local.Port()
		}

		return addrToUint32(addr), local.Port()
	}

	return ^uint32(0), local.Port()
}

// addrToUint32 returns an IPv4 address in host order. Other addresses map to
// 255.255.255.255.
func addrToUint32(addr netip.Addr) uint32 {
	addr = addr.Unmap()
	if !addr.Is4() {
		return ^uint32(0)
	}
	b := addr.As4()

	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
