package mempv

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/proto"
)

// PVOption configures a PV added to a Tool.
type PVOption func(*PV)

// WithReadOnly rejects client writes.
func WithReadOnly() PVOption {
	return func(pv *PV) { pv.readOnly = true }
}

// WithAsyncDelay completes reads and notified writes asynchronously after d.
func WithAsyncDelay(d time.Duration) PVOption {
	return func(pv *PV) { pv.asyncDelay = d }
}

// PV is a process variable held in memory. Its type and element count are fixed when
// it is added.
type PV struct {
	tool       *Tool
	name       string
	readOnly   bool
	asyncDelay time.Duration

	mu    sync.RWMutex
	value *cas.Value
	stamp time.Time

	interest  atomic.Int32
	attached  atomic.Bool
	destroyed atomic.Int32
}

var (
	_ cas.PV             = (*PV)(nil)
	_ cas.WriteNotifier  = (*PV)(nil)
	_ cas.Converter      = (*PV)(nil)
	_ cas.ChannelCreator = (*PV)(nil)
)

// Name returns the PV name.
func (pv *PV) Name() string { return pv.name }

// BestExternalType returns the native type of the PV.
func (pv *PV) BestExternalType() proto.DBRType {
	pv.mu.RLock()
	defer pv.mu.RUnlock()

	return pv.value.Type
}

// NativeElementCount returns the element count of the PV.
func (pv *PV) NativeElementCount() uint32 {
	pv.mu.RLock()
	defer pv.mu.RUnlock()

	return max(pv.value.Count, 1)
}

// Value returns the current value and its time stamp.
func (pv *PV) Value() (*cas.Value, time.Time) {
	pv.mu.RLock()
	defer pv.mu.RUnlock()

	return pv.value, pv.stamp
}

// Set replaces the value and posts it to the subscribers. v is converted to the native
// type of the PV; its element count may not exceed the native count.
func (pv *PV) Set(v *cas.Value) error {
	if v == nil {
		return ErrInvalidValue
	}

	pv.mu.Lock()
	native, ok := pv.coerceLocked(v)
	if !ok {
		pv.mu.Unlock()
		return ErrInvalidValue
	}
	pv.value = native
	pv.stamp = time.Now()
	pv.mu.Unlock()

	pv.tool.post(pv, cas.MaskValue|cas.MaskLog, native)

	return nil
}

// coerceLocked converts v to the native type, zero extending short arrays.
func (pv *PV) coerceLocked(v *cas.Value) (*cas.Value, bool) {
	if !isNative(v.Type) || v.Count > max(pv.value.Count, 1) {
		return nil, false
	}

	conv, ok := convertPlain(v, pv.value.Type)
	if !ok {
		return nil, false
	}

	data := make([]byte, pv.value.Type.SizeN(max(pv.value.Count, 1)))
	copy(data, conv.Data)

	return &cas.Value{Type: pv.value.Type, Count: pv.value.Count, Data: data}, true
}

// Read returns the current value in the native type.
func (pv *PV) Read(ctx cas.Context, _ cas.ReadRequest) (*cas.Value, cas.Status) {
	v, _ := pv.Value()
	if pv.asyncDelay <= 0 {
		return v, cas.StatusSuccess
	}

	aio, err := ctx.StartAsyncIO()
	if err != nil {
		return v, cas.StatusSuccess
	}
	time.AfterFunc(pv.asyncDelay, func() {
		cur, _ := pv.Value()
		_ = aio.Post(cas.Result{Status: cas.StatusSuccess, Value: cur})
	})

	return nil, cas.StatusAsyncCompletion
}

// Write stores v.
func (pv *PV) Write(_ cas.Context, v *cas.Value) cas.Status {
	if pv.readOnly {
		return cas.StatusNoWrite
	}
	if err := pv.Set(v); err != nil {
		return cas.StatusNoConvert
	}

	return cas.StatusSuccess
}

// WriteNotify stores v and, with an async delay, confirms the write later.
func (pv *PV) WriteNotify(ctx cas.Context, v *cas.Value) cas.Status {
	st := pv.Write(ctx, v)
	if st != cas.StatusSuccess || pv.asyncDelay <= 0 {
		return st
	}

	aio, err := ctx.StartAsyncIO()
	if err != nil {
		return st
	}
	time.AfterFunc(pv.asyncDelay, func() {
		_ = aio.Post(cas.Result{Status: cas.StatusSuccess})
	})

	return cas.StatusAsyncCompletion
}

// Convert renders v in the requested type.
func (pv *PV) Convert(v *cas.Value, req cas.ReadRequest) (*cas.Value, cas.Status) {
	_, stamp := pv.Value()
	return convertValue(v, req.Type, stamp)
}

// CreateChannel grants read access to everyone and write access unless the PV is read
// only.
func (pv *PV) CreateChannel(_ cas.Context, _ string, _ string) (cas.ChannelTool, cas.Status) {
	return channelTool{write: !pv.readOnly}, cas.StatusSuccess
}

func (pv *PV) InterestRegister() cas.Status {
	pv.interest.Add(1)
	return cas.StatusSuccess
}

func (pv *PV) InterestDelete() {
	pv.interest.Add(-1)
}

// Subscribed reports whether a client subscribes to the PV.
func (pv *PV) Subscribed() bool {
	return pv.interest.Load() > 0
}

func (pv *PV) BeginTransaction() cas.Status { return cas.StatusSuccess }

func (pv *PV) EndTransaction() {}

// Destroy is called once no client references the PV. The PV stays hosted.
func (pv *PV) Destroy() {
	pv.attached.Store(false)
	pv.destroyed.Add(1)
}

type channelTool struct {
	write bool
}

func (c channelTool) ReadAccess() bool { return true }

func (c channelTool) WriteAccess() bool { return c.write }

func (c channelTool) Destroy() {}
