package cas

import "strconv"

// Status is the outcome of a tool operation.
type Status int

const (
	// StatusSuccess means the operation completed synchronously.
	StatusSuccess Status = iota
	// StatusAsyncCompletion means the tool started async I/O and will post the outcome.
	StatusAsyncCompletion
	// StatusPostponeAsyncIO means the tool cannot start another async operation now.
	// The engine retries the request after async I/O on the same PV completes.
	StatusPostponeAsyncIO
	// StatusNoRead means read access is denied.
	StatusNoRead
	// StatusNoWrite means write access is denied.
	StatusNoWrite
	// StatusNoMemory means the tool ran out of resources.
	StatusNoMemory
	// StatusBadType means the requested DBR type is not supported.
	StatusBadType
	// StatusNoConvert means the value cannot be converted to or from the requested type.
	StatusNoConvert
	// StatusBadParameter means the request arguments were rejected.
	StatusBadParameter
	// StatusPVNotFound means the named PV is not hosted here.
	StatusPVNotFound
	// StatusInternal means an unexpected tool failure.
	StatusInternal
)

var statusNames = [...]string{
	StatusSuccess:         "success",
	StatusAsyncCompletion: "async completion",
	StatusPostponeAsyncIO: "postpone async io",
	StatusNoRead:          "no read access",
	StatusNoWrite:         "no write access",
	StatusNoMemory:        "no memory",
	StatusBadType:         "bad type",
	StatusNoConvert:       "no conversion",
	StatusBadParameter:    "bad parameter",
	StatusPVNotFound:      "pv not found",
	StatusInternal:        "internal error",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}

	return "status(" + strconv.Itoa(int(s)) + ")"
}

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool { return s == StatusSuccess }

// ExistStatus is the outcome of a name lookup.
type ExistStatus int

const (
	// DoesNotExistHere means the name is not hosted by this server.
	DoesNotExistHere ExistStatus = iota
	// ExistsHere means the name is hosted by this server or by the redirect address.
	ExistsHere
	// ExistAsync means the tool started async I/O and will post the outcome.
	ExistAsync
)

func (s ExistStatus) String() string {
	switch s {
	case DoesNotExistHere:
		return "does not exist here"
	case ExistsHere:
		return "exists here"
	case ExistAsync:
		return "async"
	default:
		return "exist(" + strconv.Itoa(int(s)) + ")"
	}
}
