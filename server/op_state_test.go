package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicOpState_Transitions(t *testing.T) {
	require := require.New(t)

	var st AtomicOpState
	require.True(st.IsStopped())
	require.Equal("Stopped", st.String())

	require.False(st.ToRunning())
	require.False(st.ToStopping())

	require.True(st.ToStarting())
	require.False(st.ToStarting())
	require.True(st.ToRunning())
	require.True(st.ToRunning())
	require.True(st.IsRunning())

	require.True(st.ToStopping())
	require.Equal(StoppingState, st.Get())
	require.True(st.ToStopped())
	require.True(st.ToStopped())

	// a start can be aborted
	require.True(st.ToStarting())
	require.True(st.ToStopping())
	require.True(st.ToStopped())
}
