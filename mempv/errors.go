package mempv

import "errors"

var (
	// ErrDuplicatePV indicates that a PV with the same name is already hosted.
	ErrDuplicatePV = errors.New("mempv: duplicate pv name")

	// ErrUnknownPV indicates that no PV with the given name is hosted.
	ErrUnknownPV = errors.New("mempv: unknown pv")

	// ErrUnsupportedType indicates a DBR type a memory PV cannot hold.
	ErrUnsupportedType = errors.New("mempv: unsupported dbr type")

	// ErrInvalidValue indicates a value that does not match the PV.
	ErrInvalidValue = errors.New("mempv: invalid value")
)
