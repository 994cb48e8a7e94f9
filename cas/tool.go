package cas

import (
	"context"
	"net/netip"

	"github.com/arloliu/go-cas/proto"
)

// ExistReturn is the answer to a name lookup.
//
// A valid Addr redirects the client to another server. A zero port in Addr means the
// default server port.
type ExistReturn struct {
	Status ExistStatus
	Addr   netip.AddrPort
}

// AttachReturn is the answer to a PV attach.
type AttachReturn struct {
	PV     PV
	Status Status
}

// ServerTool is implemented by the application hosting PVs.
type ServerTool interface {
	// PVExistTest reports whether the named PV is hosted here. client is the address
	// of the searching peer.
	PVExistTest(ctx Context, client netip.AddrPort, name string) ExistReturn
	// PVAttach returns the PV for name. The same PV may be returned for every attach,
	// the engine keeps one handle per PV.
	PVAttach(ctx Context, name string) AttachReturn
}

// PV is a process variable hosted by the tool.
//
// Read and Write calls are bracketed by BeginTransaction and EndTransaction.
// InterestRegister is called when the first subscription is installed and
// InterestDelete when the last one goes away. Destroy is called once no channel and no
// subscription references the PV any more.
type PV interface {
	Name() string
	BestExternalType() proto.DBRType
	NativeElementCount() uint32

	Read(ctx Context, req ReadRequest) (*Value, Status)
	Write(ctx Context, v *Value) Status

	InterestRegister() Status
	InterestDelete()

	BeginTransaction() Status
	EndTransaction()

	Destroy()
}

// WriteNotifier is implemented by PVs that distinguish a write with completion
// notification from a plain write. PVs without it get Write for both.
type WriteNotifier interface {
	WriteNotify(ctx Context, v *Value) Status
}

// ChannelCreator is implemented by PVs with per-client access control.
type ChannelCreator interface {
	CreateChannel(ctx Context, user, host string) (ChannelTool, Status)
}

// ChannelTool is the tool's view of one client channel.
type ChannelTool interface {
	ReadAccess() bool
	WriteAccess() bool
	// Destroy is called when the channel goes away.
	Destroy()
}

// Converter is implemented by PVs that can translate their posted values into other DBR
// types for subscriptions asking for a type other than the posted one.
type Converter interface {
	Convert(v *Value, req ReadRequest) (*Value, Status)
}

// Context is handed to every tool entry point.
//
// The embedded context.Context carries the tracing span of the request. It is not
// cancelled when the client goes away; use the AsyncIO token for that.
type Context interface {
	context.Context

	// StartAsyncIO opens the async completion token of the current request. It fails
	// with ErrAsyncIOInProgress when called twice for the same request.
	StartAsyncIO() (AsyncIO, error)
	// ClientAddr returns the address of the requesting peer.
	ClientAddr() netip.AddrPort
	// UserName returns the user name announced by the client, if any.
	UserName() string
	// HostName returns the host name announced by the client, if any.
	HostName() string
}

// Result is the outcome of an async operation.
type Result struct {
	Status Status
	// Value is the read result of read and subscription requests.
	Value *Value
	// Exist is the answer of a name lookup.
	Exist ExistReturn
	// PV is the attached PV of an attach request.
	PV PV
}

// AsyncIO is the completion token of an operation that finishes later.
//
// Post may be called from any goroutine, exactly once. Destroy abandons the operation
// without answering the client; it must not be called after a successful Post.
type AsyncIO interface {
	Post(res Result) error
	Destroy()
}
