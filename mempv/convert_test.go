package mempv

import (
	"encoding/binary"
	"math"
	"os"
	"testing"
	"time"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/logger"
	"github.com/arloliu/go-cas/proto"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var level logger.LogLevel
	switch logLevel {
	case "debug":
		level = logger.DebugLevel
	case "warn":
		level = logger.WarnLevel
	case "error":
		level = logger.ErrorLevel
	default:
		level = logger.InfoLevel
	}

	logger.SetLevel(level)

	os.Exit(m.Run())
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		description string
		dbrType     proto.DBRType
		text        string
		expectErr   error
		expected    string
		count       uint32
	}{
		{description: "double scalar", dbrType: proto.DBRDouble, text: "1.25", expected: "1.25", count: 1},
		{description: "long array", dbrType: proto.DBRLong, text: "1,-2,3", expected: "1,-2,3", count: 3},
		{description: "short truncates fractions", dbrType: proto.DBRShort, text: "7.9", expected: "7", count: 1},
		{description: "char array", dbrType: proto.DBRChar, text: "65,66", expected: "65,66", count: 2},
		{description: "string is verbatim", dbrType: proto.DBRString, text: "a,b c", expected: "a,b c", count: 1},
		{description: "not a number", dbrType: proto.DBRFloat, text: "x", expectErr: ErrInvalidValue},
		{description: "compound type", dbrType: proto.DBRTimeDouble, text: "1", expectErr: ErrUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			require := require.New(t)

			v, err := ParseValue(tt.dbrType, tt.text)
			if tt.expectErr != nil {
				require.ErrorIs(err, tt.expectErr)
				return
			}
			require.NoError(err)
			require.Equal(tt.dbrType, v.Type)
			require.Equal(tt.count, v.Count)
			require.Equal(tt.expected, Format(v))
		})
	}
}

func TestParseType(t *testing.T) {
	require := require.New(t)

	for name, expected := range map[string]proto.DBRType{
		"double":     proto.DBRDouble,
		"DBR_DOUBLE": proto.DBRDouble,
		"string":     proto.DBRString,
		" enum ":     proto.DBREnum,
		"dbr_char":   proto.DBRChar,
	} {
		got, err := ParseType(name)
		require.NoError(err, name)
		require.Equal(expected, got, name)
	}

	_, err := ParseType("time_double")
	require.ErrorIs(err, ErrUnsupportedType)
}

func TestConvertValue_Plain(t *testing.T) {
	tests := []struct {
		description string
		from        *cas.Value
		to          proto.DBRType
		expected    string
		expectSt    cas.Status
	}{
		{description: "same type", from: Scalar(proto.DBRDouble, 2.5), to: proto.DBRDouble, expected: "2.5"},
		{description: "double to long", from: Scalar(proto.DBRDouble, 2.5), to: proto.DBRLong, expected: "2"},
		{description: "long to string", from: Scalar(proto.DBRLong, -12), to: proto.DBRString, expected: "-12"},
		{description: "numeric string to float", from: cas.NewStringValue("3.5"), to: proto.DBRFloat, expected: "3.5"},
		{description: "text string to double", from: cas.NewStringValue("on"), to: proto.DBRDouble, expectSt: cas.StatusNoConvert},
		{description: "class name", from: Scalar(proto.DBRDouble, 1), to: proto.DBRClassName, expectSt: cas.StatusNoConvert},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			require := require.New(t)

			v, st := convertValue(tt.from, tt.to, time.Now())
			require.Equal(tt.expectSt, st)
			if st != cas.StatusSuccess {
				return
			}
			require.Equal(tt.to, v.Type)
			require.Equal(tt.expected, Format(v))
		})
	}
}

func TestConvertValue_Compound(t *testing.T) {
	require := require.New(t)

	stamp := epicsEpoch.Add(100*time.Second + 5*time.Nanosecond)

	v, st := convertValue(Scalar(proto.DBRLong, 9), proto.DBRTimeDouble, stamp)
	require.Equal(cas.StatusSuccess, st)
	require.Equal(proto.DBRTimeDouble, v.Type)
	require.Len(v.Data, int(proto.DBRTimeDouble.SizeN(1)))
	require.Zero(binary.BigEndian.Uint16(v.Data[0:]))
	require.Zero(binary.BigEndian.Uint16(v.Data[2:]))
	require.Equal(uint32(100), binary.BigEndian.Uint32(v.Data[4:]))
	require.Equal(uint32(5), binary.BigEndian.Uint32(v.Data[8:]))
	require.InDelta(9.0, math.Float64frombits(binary.BigEndian.Uint64(v.Data[16:])), 0)

	arr, err := ParseValue(proto.DBRShort, "1,2,3")
	require.NoError(err)
	v, st = convertValue(arr, proto.DBRCtrlShort, stamp)
	require.Equal(cas.StatusSuccess, st)
	require.Len(v.Data, int(proto.DBRCtrlShort.SizeN(3)))
	offset := proto.DBRCtrlShort.SizeN(1) - 2
	require.Equal(uint16(1), binary.BigEndian.Uint16(v.Data[offset:]))
	require.Equal(uint16(3), binary.BigEndian.Uint16(v.Data[offset+4:]))

	v, st = convertValue(cas.NewStringValue("hello"), proto.DBRStsString, stamp)
	require.Equal(cas.StatusSuccess, st)
	require.Equal("hello", string(v.Data[4:9]))
}

func TestEpicsTime(t *testing.T) {
	require := require.New(t)

	secs, nsec := epicsTime(time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.Zero(secs)
	require.Zero(nsec)

	secs, _ = epicsTime(time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.Equal(uint32(946684800), secs)
}
