package buffer

import (
	"testing"

	"github.com/arloliu/go-cas/proto"
	"github.com/stretchr/testify/require"
)

func TestFactory_Sizes(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		description string
		maxArray    uint32
		large       int
	}{
		{"zero uses the tcp size", 0, proto.MaxTCP},
		{"small array uses the tcp size", 1024, proto.MaxTCP},
		{"large array", 100000, 100000 + 2*proto.ExtendedHeaderSize},
		{"unaligned array", 100001, 100008 + 2*proto.ExtendedHeaderSize},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			f := NewFactory(tt.maxArray)
			require.Equal(proto.MaxTCP, f.SmallSize())
			require.Equal(tt.large, f.LargeSize())
		})
	}
}

func TestFactory_GetPut(t *testing.T) {
	require := require.New(t)

	f := NewFactory(100000)
	small := f.Get(false)
	large := f.Get(true)
	require.Len(small, f.SmallSize())
	require.Len(large, f.LargeSize())
	require.Equal(FactoryStats{SmallSize: f.SmallSize(), LargeSize: f.LargeSize(), SmallInUse: 1, LargeInUse: 1}, f.Stats())

	f.Put(small[:10])
	f.Put(large)
	f.Put(make([]byte, 3))
	require.Equal(int64(0), f.Stats().SmallInUse)
	require.Equal(int64(0), f.Stats().LargeInUse)
}
