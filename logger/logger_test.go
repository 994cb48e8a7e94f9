package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		description string
		input       string
		expected    LogLevel
		wantErr     bool
	}{
		{"debug", "debug", DebugLevel, false},
		{"upper case", "WARN", WarnLevel, false},
		{"warning alias", "warning", WarnLevel, false},
		{"empty is info", "", InfoLevel, false},
		{"error", " error ", ErrorLevel, false},
		{"unknown", "verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(err)
			} else {
				require.NoError(err)
			}
			require.Equal(tt.expected, level)
		})
	}
}

func TestSlogLogger_JSON(t *testing.T) {
	require := require.New(t)

	var out bytes.Buffer
	l := NewSlog(InfoLevel, WithOutput(&out), WithConsole(false))

	l.Debug("hidden")
	require.Zero(out.Len())

	l.With("client", "host:5064").Info("channel created", "cid", 7)

	var rec map[string]any
	require.NoError(json.Unmarshal(out.Bytes(), &rec))
	require.Equal("channel created", rec["msg"])
	require.Equal("host:5064", rec["client"])
	require.InDelta(7, rec["cid"], 0)
	require.Contains(rec, "ts")
}

func TestSlogLogger_SharedLevel(t *testing.T) {
	require := require.New(t)

	var out bytes.Buffer
	l := NewSlog(ErrorLevel, WithOutput(&out), WithConsole(false))
	child := l.With("session", 1)
	require.Equal(ErrorLevel, child.Level())

	l.SetLevel(DebugLevel)
	require.Equal(DebugLevel, child.Level())

	child.Debug("now visible")
	require.Contains(out.String(), "now visible")
}

func TestSetLogger(t *testing.T) {
	require := require.New(t)

	prev := GetLogger()
	defer SetLogger(prev)

	m := NewMockLogger()
	m.On("Warn", "dropped", []any{"n", 1}).Return()
	SetLogger(m)
	Warn("dropped", "n", 1)
	m.AssertExpectations(t)

	SetLogger(nil)
	require.Same(m, GetLogger())
}

func TestMockLogger_PermitAndWith(t *testing.T) {
	require := require.New(t)

	m := NewMockLogger().Permit("Debug")
	m.On("With", "component", "mempv").Return(nil)

	child := m.With("component", "mempv")
	require.Same(m, child)
	child.Debug("quiet")
	child.Debug("again", "k", 2)

	m.AssertNumberOfCalls(t, "Debug", 2)
	m.AssertExpectations(t)
}
