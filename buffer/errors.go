package buffer

import "errors"

var (
	// ErrSendBlocked indicates that the egress buffer is full and a flush could not make
	// room. The caller should retry once the peer drains the connection.
	ErrSendBlocked = errors.New("buffer: send blocked")

	// ErrHugeRequest indicates that a message can never fit, not even in a large buffer.
	ErrHugeRequest = errors.New("buffer: request larger than the largest buffer")
)

var (
	// ErrCtxDepth indicates that the nested context stack is exhausted.
	ErrCtxDepth = errors.New("buffer: context recursion limit reached")

	// ErrCtxNoRoom indicates that the requested sub-window does not fit.
	ErrCtxNoRoom = errors.New("buffer: no room for context")
)
