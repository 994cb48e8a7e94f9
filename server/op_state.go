package server

import "sync/atomic"

// OpState is the lifecycle state of a Server.
type OpState uint32

const (
	StoppedState OpState = iota
	StoppingState
	StartingState
	RunningState
)

func (s OpState) String() string {
	switch s {
	case StoppedState:
		return "Stopped"
	case StoppingState:
		return "Stopping"
	case StartingState:
		return "Starting"
	case RunningState:
		return "Running"
	default:
		return "Unknown"
	}
}

// AtomicOpState holds an OpState and enforces its transitions.
type AtomicOpState struct {
	state atomic.Uint32
}

func (st *AtomicOpState) String() string {
	return st.Get().String()
}

// Get returns the current state.
func (st *AtomicOpState) Get() OpState {
	return OpState(st.state.Load())
}

func (st *AtomicOpState) IsStopped() bool {
	return st.Get() == StoppedState
}

func (st *AtomicOpState) IsRunning() bool {
	return st.Get() == RunningState
}

// ToStarting moves Stopped to Starting.
func (st *AtomicOpState) ToStarting() bool {
	return st.state.CompareAndSwap(uint32(StoppedState), uint32(StartingState))
}

// ToRunning moves Starting to Running.
func (st *AtomicOpState) ToRunning() bool {
	if st.IsRunning() {
		return true
	}

	return st.state.CompareAndSwap(uint32(StartingState), uint32(RunningState))
}

// ToStopping moves Running or Starting to Stopping.
func (st *AtomicOpState) ToStopping() bool {
	if st.state.CompareAndSwap(uint32(RunningState), uint32(StoppingState)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(StartingState), uint32(StoppingState))
}

// ToStopped moves Stopping to Stopped.
func (st *AtomicOpState) ToStopped() bool {
	if st.IsStopped() {
		return true
	}

	return st.state.CompareAndSwap(uint32(StoppingState), uint32(StoppedState))
}
