package cas

import (
	"testing"

	"github.com/arloliu/go-cas/proto"
	"github.com/stretchr/testify/require"
)

func TestValue_CloneIsDeep(t *testing.T) {
	require := require.New(t)

	v := NewValue(proto.DBRChar, 3, []byte{1, 2, 3})
	c := v.Clone()
	c.Data[0] = 9

	require.Equal(byte(1), v.Data[0])
	require.Equal(uint32(3), c.Size())

	var nilValue *Value
	require.Nil(nilValue.Clone())
}

func TestValue_String(t *testing.T) {
	require := require.New(t)

	v := NewStringValue("hello")
	require.Len(v.Data, proto.MaxStringSize)
	s, ok := v.StringValue()
	require.True(ok)
	require.Equal("hello", s)

	long := NewStringValue(string(make([]byte, 100)) + "x")
	require.Equal(byte(0), long.Data[proto.MaxStringSize-1])

	_, ok = NewValue(proto.DBRDouble, 1, make([]byte, 8)).StringValue()
	require.False(ok)
}

func TestStatus_String(t *testing.T) {
	require := require.New(t)

	require.Equal("no read access", StatusNoRead.String())
	require.Equal("status(99)", Status(99).String())
	require.True(StatusSuccess.OK())
	require.False(StatusAsyncCompletion.OK())
	require.Equal("exists here", ExistsHere.String())
}

func TestEventMask(t *testing.T) {
	require := require.New(t)

	m := MaskValue | MaskAlarm
	require.True(m.Any(MaskAlarm))
	require.False(m.Any(MaskLog))
	require.Equal("value|alarm", m.String())
	require.Equal("none", NoEvents.String())
	require.Equal("log|custom", (MaskLog | EventMask(1<<8)).String())
}
