package proto

import "strconv"

// DBRType identifies the layout of a message payload (a "database request" type).
type DBRType uint16

const (
	DBRString DBRType = iota
	DBRShort
	DBRFloat
	DBREnum
	DBRChar
	DBRLong
	DBRDouble
	DBRStsString
	DBRStsShort
	DBRStsFloat
	DBRStsEnum
	DBRStsChar
	DBRStsLong
	DBRStsDouble
	DBRTimeString
	DBRTimeShort
	DBRTimeFloat
	DBRTimeEnum
	DBRTimeChar
	DBRTimeLong
	DBRTimeDouble
	DBRGrString
	DBRGrShort
	DBRGrFloat
	DBRGrEnum
	DBRGrChar
	DBRGrLong
	DBRGrDouble
	DBRCtrlString
	DBRCtrlShort
	DBRCtrlFloat
	DBRCtrlEnum
	DBRCtrlChar
	DBRCtrlLong
	DBRCtrlDouble
	DBRPutAckT
	DBRPutAckS
	DBRStsAckString
	DBRClassName
)

// LastBufferType is the highest valid DBR type.
const LastBufferType = DBRClassName

// MaxStringSize is the size of a DBR_STRING element, including the terminating NUL.
const MaxStringSize = 40

// dbrInfo describes a DBR type: the size of one structure holding a single element and
// the size of every further element.
type dbrInfo struct {
	name      string
	size      uint32
	valueSize uint32
	plain     bool
}

var dbrTable = [LastBufferType + 1]dbrInfo{
	{"DBR_STRING", 40, 40, true},
	{"DBR_SHORT", 2, 2, true},
	{"DBR_FLOAT", 4, 4, true},
	{"DBR_ENUM", 2, 2, true},
	{"DBR_CHAR", 1, 1, true},
	{"DBR_LONG", 4, 4, true},
	{"DBR_DOUBLE", 8, 8, true},
	{"DBR_STS_STRING", 44, 40, false},
	{"DBR_STS_SHORT", 6, 2, false},
	{"DBR_STS_FLOAT", 12, 4, false},
	{"DBR_STS_ENUM", 6, 2, false},
	{"DBR_STS_CHAR", 6, 1, false},
	{"DBR_STS_LONG", 12, 4, false},
	{"DBR_STS_DOUBLE", 16, 8, false},
	{"DBR_TIME_STRING", 52, 40, false},
	{"DBR_TIME_SHORT", 16, 2, false},
	{"DBR_TIME_FLOAT", 16, 4, false},
	{"DBR_TIME_ENUM", 16, 2, false},
	{"DBR_TIME_CHAR", 16, 1, false},
	{"DBR_TIME_LONG", 16, 4, false},
	{"DBR_TIME_DOUBLE", 24, 8, false},
	{"DBR_GR_STRING", 44, 40, false},
	{"DBR_GR_SHORT", 26, 2, false},
	{"DBR_GR_FLOAT", 44, 4, false},
	{"DBR_GR_ENUM", 422, 2, false},
	{"DBR_GR_CHAR", 20, 1, false},
	{"DBR_GR_LONG", 40, 4, false},
	{"DBR_GR_DOUBLE", 72, 8, false},
	{"DBR_CTRL_STRING", 44, 40, false},
	{"DBR_CTRL_SHORT", 30, 2, false},
	{"DBR_CTRL_FLOAT", 52, 4, false},
	{"DBR_CTRL_ENUM", 422, 2, false},
	{"DBR_CTRL_CHAR", 22, 1, false},
	{"DBR_CTRL_LONG", 48, 4, false},
	{"DBR_CTRL_DOUBLE", 88, 8, false},
	{"DBR_PUT_ACKT", 2, 2, true},
	{"DBR_PUT_ACKS", 2, 2, true},
	{"DBR_STSACK_STRING", 48, 40, false},
	{"DBR_CLASS_NAME", 40, 40, true},
}

// Valid reports whether t is a known DBR type.
func (t DBRType) Valid() bool {
	return t <= LastBufferType
}

// IsPlain reports whether t carries bare values with no status, time or limit
// structure in front of them. Only plain types may be written.
func (t DBRType) IsPlain() bool {
	return t.Valid() && dbrTable[t].plain
}

// ValueSize returns the size of one element of t.
func (t DBRType) ValueSize() uint32 {
	if !t.Valid() {
		return 0
	}

	return dbrTable[t].valueSize
}

// SizeN returns the payload size of count elements of t. A zero count is sized as one
// element, matching the size of the bare structure.
func (t DBRType) SizeN(count uint32) uint32 {
	if !t.Valid() {
		return 0
	}

	info := dbrTable[t]
	if count == 0 {
		return info.size
	}

	return info.size + (count-1)*info.valueSize
}

// Base returns the plain type underlying a compound type (DBR_TIME_DOUBLE -> DBR_DOUBLE).
func (t DBRType) Base() DBRType {
	switch {
	case t <= DBRCtrlDouble:
		return t % 7
	case t == DBRStsAckString, t == DBRClassName:
		return DBRString
	case t == DBRPutAckT, t == DBRPutAckS:
		return DBRShort
	default:
		return t
	}
}

func (t DBRType) String() string {
	if t.Valid() {
		return dbrTable[t].name
	}

	return "DBR_INVALID(" + strconv.Itoa(int(t)) + ")"
}

// ParseDBRType validates a raw wire data type.
func ParseDBRType(v uint16) (DBRType, error) {
	t := DBRType(v)
	if !t.Valid() {
		return 0, ErrInvalidDBRType
	}

	return t, nil
}
