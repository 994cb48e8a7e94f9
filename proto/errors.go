package proto

import "errors"

var (
	// ErrShortHeader indicates that the buffer does not hold a complete header yet.
	ErrShortHeader = errors.New("proto: incomplete message header")

	// ErrExtendedNotSupported indicates that a message needs extended framing but the
	// peer's minor version cannot accept it.
	ErrExtendedNotSupported = errors.New("proto: extended framing not supported by peer")

	// ErrInvalidDBRType indicates that a data type is beyond the last buffer type.
	ErrInvalidDBRType = errors.New("proto: invalid DBR type")
)
