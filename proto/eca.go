package proto

import "strconv"

// ECA is a client-visible Channel Access status code.
//
// The code packs a message number and a severity: num<<3 | severity. Clients compare
// the whole value, so the numbers below must never change.
type ECA uint32

// Severity bits of an ECA code.
const (
	SeverityWarning = 0
	SeveritySuccess = 1
	SeverityError   = 2
	SeverityInfo    = 3
	SeveritySevere  = 4
	SeverityFatal   = SeverityError | SeveritySevere
)

func defMsg(severity, num uint32) ECA {
	return ECA((num<<3)&0xfff8 | severity&0x7)
}

var (
	ECANormal         = defMsg(SeveritySuccess, 0)
	ECAAllocMem       = defMsg(SeverityWarning, 6)
	ECATooLarge       = defMsg(SeverityWarning, 9)
	ECABadType        = defMsg(SeverityError, 14)
	ECAInternal       = defMsg(SeverityFatal, 17)
	ECAGetFail        = defMsg(SeverityWarning, 19)
	ECAPutFail        = defMsg(SeverityWarning, 20)
	ECABadCount       = defMsg(SeverityWarning, 22)
	ECABadStr         = defMsg(SeverityError, 23)
	ECABadMonID       = defMsg(SeverityError, 30)
	ECADefunct        = defMsg(SeverityFatal, 34)
	ECABadMask        = defMsg(SeverityError, 41)
	ECANoRdAccess     = defMsg(SeverityWarning, 46)
	ECANoWtAccess     = defMsg(SeverityWarning, 47)
	ECANoConvert      = defMsg(SeverityWarning, 50)
	ECABadChID        = defMsg(SeverityError, 51)
	ECAUnavailInServ  = defMsg(SeverityWarning, 54)
	ECA16KArrayClient = defMsg(SeverityWarning, 58)
)

var ecaMessages = map[ECA]string{
	ECANormal:         "Normal successful completion",
	ECAAllocMem:       "Unable to allocate additional dynamic memory",
	ECATooLarge:       "The requested transfer is greater than available memory or EPICS_CA_MAX_ARRAY_BYTES",
	ECABadType:        "The data type specified is invalid",
	ECAInternal:       "Channel Access Internal Failure",
	ECAGetFail:        "Channel read request failed",
	ECAPutFail:        "Channel write request failed",
	ECABadCount:       "Invalid element count requested",
	ECABadStr:         "Invalid string",
	ECABadMonID:       "Invalid event id",
	ECADefunct:        "Defunct - remote protocol version is no longer supported",
	ECABadMask:        "Invalid event selection mask",
	ECANoRdAccess:     "Read access denied",
	ECANoWtAccess:     "Write access denied",
	ECANoConvert:      "No reasonable data conversion between client and server types",
	ECABadChID:        "Invalid channel identifier",
	ECAUnavailInServ:  "Not supported by attached service",
	ECA16KArrayClient: "Unable to send request with array larger than 16 k elements to an old client",
}

// Severity returns the severity bits of the code.
func (e ECA) Severity() uint32 {
	return uint32(e) & 0x7
}

// Number returns the message number of the code.
func (e ECA) Number() uint32 {
	return (uint32(e) & 0xfff8) >> 3
}

// Success reports whether the code has the success severity bit.
func (e ECA) Success() bool {
	return uint32(e)&SeveritySuccess != 0
}

// Message returns the human readable text of the code.
func (e ECA) Message() string {
	if msg, ok := ecaMessages[e]; ok {
		return msg
	}

	return "unknown ECA status " + strconv.FormatUint(uint64(e), 10)
}

func (e ECA) String() string {
	return e.Message()
}
