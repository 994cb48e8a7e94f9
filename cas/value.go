package cas

import (
	"bytes"
	"fmt"

	"github.com/arloliu/go-cas/internal/util"
	"github.com/arloliu/go-cas/proto"
)

// Value is an immutable snapshot of DBR encoded data in network byte order.
//
// Data holds Type.SizeN(Count) bytes. A shorter Data is zero extended on the wire.
type Value struct {
	Type  proto.DBRType
	Count uint32
	Data  []byte
}

// NewValue creates a Value. data is copied.
func NewValue(t proto.DBRType, count uint32, data []byte) *Value {
	return &Value{Type: t, Count: count, Data: util.CloneSlice(data, 0)}
}

// NewStringValue creates a scalar DBR_STRING value. s is truncated to fit.
func NewStringValue(s string) *Value {
	data := make([]byte, proto.MaxStringSize)
	copy(data[:proto.MaxStringSize-1], s)

	return &Value{Type: proto.DBRString, Count: 1, Data: data}
}

// Clone returns a deep copy of v.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}

	return &Value{Type: v.Type, Count: v.Count, Data: util.CloneSlice(v.Data, 0)}
}

// Size returns the encoded size of v.
func (v *Value) Size() uint32 {
	return v.Type.SizeN(v.Count)
}

// StringValue returns the NUL terminated text of a scalar DBR_STRING value.
func (v *Value) StringValue() (string, bool) {
	if v == nil || v.Type != proto.DBRString {
		return "", false
	}
	s := v.Data
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}

	return string(s), true
}

func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}

	return fmt.Sprintf("%s[%d] %d bytes", v.Type, v.Count, len(v.Data))
}

// ReadRequest describes the data a client asked for. Count 0 requests the current
// element count of a variable length PV.
type ReadRequest struct {
	Type  proto.DBRType
	Count uint32
}
