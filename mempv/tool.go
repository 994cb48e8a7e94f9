// Package mempv implements a cas.ServerTool hosting process variables held in memory.
//
// Values are stored in their native plain DBR type. Clients may read them in any plain
// or compound type up to DBR_CTRL_*; compound types carry a NO_ALARM status and the time
// of the last update. Every change is posted to the subscribers through the Notifier
// bound with Tool.Bind.
package mempv

import (
	"net/netip"
	"slices"
	"time"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/logger"
	"github.com/arloliu/go-cas/proto"
	"github.com/puzpuzpuz/xsync/v3"
)

// Notifier is the part of the server engine the tool reports changes to.
// *server.Server implements it.
type Notifier interface {
	PostEvent(pv cas.PV, mask cas.EventMask, v *cas.Value) error
	WithdrawPV(pv cas.PV) error
}

// Tool hosts a set of named PVs.
type Tool struct {
	pvs    *xsync.MapOf[string, *PV]
	logger logger.Logger

	notifier Notifier
}

var _ cas.ServerTool = (*Tool)(nil)

// NewTool creates an empty tool logging to l. A nil l uses the default logger.
func NewTool(l logger.Logger) *Tool {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Tool{
		pvs:    xsync.NewMapOf[string, *PV](),
		logger: l.With("component", "mempv"),
	}
}

// Bind sets the server the tool posts updates to. It must be called before the server
// starts.
func (t *Tool) Bind(n Notifier) {
	t.notifier = n
}

// Add hosts a PV named name holding v. The type and element count of v become the
// native type and count of the PV.
func (t *Tool) Add(name string, v *cas.Value, opts ...PVOption) (*PV, error) {
	if name == "" || v == nil {
		return nil, ErrInvalidValue
	}
	if !isNative(v.Type) {
		return nil, ErrUnsupportedType
	}

	data := make([]byte, v.Type.SizeN(max(v.Count, 1)))
	copy(data, v.Data)

	pv := &PV{
		tool:  t,
		name:  name,
		value: &cas.Value{Type: v.Type, Count: max(v.Count, 1), Data: data},
		stamp: time.Now(),
	}
	for _, opt := range opts {
		opt(pv)
	}

	if _, loaded := t.pvs.LoadOrStore(name, pv); loaded {
		return nil, ErrDuplicatePV
	}
	t.logger.Debug("pv added", "pv", name, "type", v.Type.String(), "count", pv.value.Count)

	return pv, nil
}

// Remove stops hosting name and disconnects its channels.
func (t *Tool) Remove(name string) error {
	pv, ok := t.pvs.LoadAndDelete(name)
	if !ok {
		return ErrUnknownPV
	}

	if t.notifier != nil && pv.attached.Load() {
		if err := t.notifier.WithdrawPV(pv); err != nil {
			t.logger.Debug("withdraw of removed pv", "pv", name, "error", err)
		}
	}

	return nil
}

// Lookup returns the PV named name.
func (t *Tool) Lookup(name string) (*PV, bool) {
	return t.pvs.Load(name)
}

// Names returns the hosted PV names in order.
func (t *Tool) Names() []string {
	names := make([]string, 0, t.pvs.Size())
	t.pvs.Range(func(name string, _ *PV) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)

	return names
}

// PVExistTest answers a name search.
func (t *Tool) PVExistTest(_ cas.Context, _ netip.AddrPort, name string) cas.ExistReturn {
	if _, ok := t.pvs.Load(name); ok {
		return cas.ExistReturn{Status: cas.ExistsHere}
	}

	return cas.ExistReturn{Status: cas.DoesNotExistHere}
}

// PVAttach returns the PV named name.
func (t *Tool) PVAttach(_ cas.Context, name string) cas.AttachReturn {
	pv, ok := t.pvs.Load(name)
	if !ok {
		return cas.AttachReturn{Status: cas.StatusPVNotFound}
	}
	pv.attached.Store(true)

	return cas.AttachReturn{PV: pv, Status: cas.StatusSuccess}
}

func (t *Tool) post(pv *PV, mask cas.EventMask, v *cas.Value) {
	if t.notifier == nil || !pv.Subscribed() {
		return
	}

	// the last subscription may go away concurrently
	if err := t.notifier.PostEvent(pv, mask, v); err != nil {
		t.logger.Debug("pv update not posted", "pv", pv.name, "error", err)
	}
}

// Scalar returns a value holding the scalar f in type t.
func Scalar(t proto.DBRType, f float64) *cas.Value {
	data := make([]byte, t.ValueSize())
	if !writeElement(t, data, element{num: f}) {
		return nil
	}

	return &cas.Value{Type: t, Count: 1, Data: data}
}
