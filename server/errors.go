package server

import "errors"

var (
	// ErrServerConfigNil indicates that a nil ServerConfig was provided.
	ErrServerConfigNil = errors.New("server config is nil")

	// ErrServerToolNil indicates that a nil cas.ServerTool was provided.
	ErrServerToolNil = errors.New("server tool is nil")

	// ErrInvalidConfig indicates that a configuration value is out of range.
	ErrInvalidConfig = errors.New("invalid server config")
)

var (
	// ErrServerClosed indicates that the server is closed or closing.
	ErrServerClosed = errors.New("server closed")

	// ErrServerRunning indicates that Start was called on a running server.
	ErrServerRunning = errors.New("server already running")

	// ErrInterfaceAttach indicates that a network interface could not be bound.
	ErrInterfaceAttach = errors.New("unable to attach interface")
)

var (
	// ErrEventMaskExhausted indicates that no more event classes can be registered.
	ErrEventMaskExhausted = errors.New("event mask registry exhausted")

	// ErrPVNotAttached indicates that the PV has no channel on this server.
	ErrPVNotAttached = errors.New("pv not attached")
)
