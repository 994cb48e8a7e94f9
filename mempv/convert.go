package mempv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/proto"
)

// epicsEpoch is the origin of EPICS time stamps.
var epicsEpoch = time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC)

// element is one decoded value element.
type element struct {
	num   float64
	str   string
	isStr bool
}

func (e element) text() string {
	if e.isStr {
		return e.str
	}

	return strconv.FormatFloat(e.num, 'g', -1, 64)
}

func (e element) number() (float64, bool) {
	if !e.isStr {
		return e.num, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(e.str), 64)

	return f, err == nil
}

// isNative reports whether t can hold the value of a PV.
func isNative(t proto.DBRType) bool {
	return t <= proto.DBRDouble
}

func readElement(t proto.DBRType, b []byte) element {
	switch t {
	case proto.DBRString:
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return element{str: string(b), isStr: true}
	case proto.DBRShort:
		return element{num: float64(int16(binary.BigEndian.Uint16(b)))} //nolint: gosec
	case proto.DBRFloat:
		return element{num: float64(math.Float32frombits(binary.BigEndian.Uint32(b)))}
	case proto.DBREnum:
		return element{num: float64(binary.BigEndian.Uint16(b))}
	case proto.DBRChar:
		return element{num: float64(b[0])}
	case proto.DBRLong:
		return element{num: float64(int32(binary.BigEndian.Uint32(b)))} //nolint: gosec
	case proto.DBRDouble:
		return element{num: math.Float64frombits(binary.BigEndian.Uint64(b))}
	default:
		return element{}
	}
}

// writeElement stores e into b as type t. It fails if a string does not parse as a
// number.
func writeElement(t proto.DBRType, b []byte, e element) bool {
	if t == proto.DBRString {
		clear(b)
		copy(b[:proto.MaxStringSize-1], e.text())

		return true
	}

	f, ok := e.number()
	if !ok {
		return false
	}

	switch t {
	case proto.DBRShort:
		binary.BigEndian.PutUint16(b, uint16(int16(f))) //nolint: gosec
	case proto.DBRFloat:
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(f)))
	case proto.DBREnum:
		binary.BigEndian.PutUint16(b, uint16(f))
	case proto.DBRChar:
		b[0] = uint8(f)
	case proto.DBRLong:
		binary.BigEndian.PutUint32(b, uint32(int32(f))) //nolint: gosec
	case proto.DBRDouble:
		binary.BigEndian.PutUint64(b, math.Float64bits(f))
	default:
		return false
	}

	return true
}

// convertPlain converts the elements of v into the plain type t. Elements missing from
// a short Data read as zero.
func convertPlain(v *cas.Value, t proto.DBRType) (*cas.Value, bool) {
	if v.Type == t {
		return v, true
	}

	count := max(v.Count, 1)
	srcSize := v.Type.ValueSize()
	dstSize := t.ValueSize()
	data := make([]byte, int(dstSize*count))
	src := make([]byte, srcSize)

	for i := range count {
		clear(src)
		if off := int(i * srcSize); off < len(v.Data) {
			copy(src, v.Data[off:])
		}
		if !writeElement(t, data[i*dstSize:(i+1)*dstSize], readElement(v.Type, src)) {
			return nil, false
		}
	}

	return &cas.Value{Type: t, Count: v.Count, Data: data}, true
}

// convertValue converts v, which holds a plain type, into any plain or compound type
// up to DBR_CTRL_DOUBLE. Compound types carry a NO_ALARM status and, for DBR_TIME_*,
// stamp.
func convertValue(v *cas.Value, t proto.DBRType, stamp time.Time) (*cas.Value, cas.Status) {
	if !isNative(v.Type) || t > proto.DBRCtrlDouble {
		return nil, cas.StatusNoConvert
	}

	plain, ok := convertPlain(v, t.Base())
	if !ok {
		return nil, cas.StatusNoConvert
	}
	if t.IsPlain() {
		return plain, cas.StatusSuccess
	}

	// the value is the last member of every compound structure
	count := max(plain.Count, 1)
	offset := t.SizeN(1) - t.ValueSize()
	data := make([]byte, t.SizeN(count))
	copy(data[offset:], plain.Data)

	if t >= proto.DBRTimeString && t <= proto.DBRTimeDouble {
		secs, nsec := epicsTime(stamp)
		binary.BigEndian.PutUint32(data[4:], secs)
		binary.BigEndian.PutUint32(data[8:], nsec)
	}

	return &cas.Value{Type: t, Count: plain.Count, Data: data}, cas.StatusSuccess
}

func epicsTime(ts time.Time) (uint32, uint32) {
	if ts.Before(epicsEpoch) {
		return 0, 0
	}
	d := ts.Sub(epicsEpoch)

	return uint32(d / time.Second), uint32(d % time.Second) //nolint: gosec
}

// ParseValue parses text into a value of the plain type t. Array elements are
// separated by commas; strings are taken verbatim and always scalar.
func ParseValue(t proto.DBRType, text string) (*cas.Value, error) {
	if !isNative(t) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}

	if t == proto.DBRString {
		return cas.NewStringValue(text), nil
	}

	fields := strings.Split(text, ",")
	size := t.ValueSize()
	data := make([]byte, int(size)*len(fields))
	for i, field := range fields {
		e := element{str: field, isStr: true}
		if !writeElement(t, data[uint32(i)*size:uint32(i+1)*size], e) { //nolint: gosec
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, field)
		}
	}

	return &cas.Value{Type: t, Count: uint32(len(fields)), Data: data}, nil //nolint: gosec
}

// ParseType parses a DBR type name such as "double" or "DBR_DOUBLE".
func ParseType(name string) (proto.DBRType, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "DBR_")
	for t := proto.DBRString; t <= proto.DBRDouble; t++ {
		if strings.TrimPrefix(t.String(), "DBR_") == n {
			return t, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, name)
}

// Format renders the elements of v separated by commas.
func Format(v *cas.Value) string {
	if v == nil || !isNative(v.Type) {
		return ""
	}

	size := v.Type.ValueSize()
	parts := make([]string, 0, max(v.Count, 1))
	src := make([]byte, size)
	for i := range max(v.Count, 1) {
		clear(src)
		if off := int(i * size); off < len(v.Data) {
			copy(src, v.Data[off:])
		}
		parts = append(parts, readElement(v.Type, src).text())
	}

	return strings.Join(parts, ",")
}
