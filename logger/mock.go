package logger

import (
	"github.com/stretchr/testify/mock"
)

// MockLogger is a testify mock of Logger.
//
// Log methods record the message and the key-value slice as two arguments, so an
// expectation reads m.On("Warn", "dropped", []any{"n", 1}).
type MockLogger struct {
	mock.Mock
}

var _ Logger = (*MockLogger)(nil)

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// Permit accepts any number of records at the named levels ("Debug", "Info", ...)
// without asserting on them.
func (m *MockLogger) Permit(levels ...string) *MockLogger {
	for _, level := range levels {
		m.On(level, mock.Anything, mock.Anything).Return().Maybe()
	}

	return m
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.record("Debug", msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.record("Info", msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.record("Warn", msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.record("Error", msg, keysAndValues)
}

func (m *MockLogger) Fatal(msg string, keysAndValues ...any) {
	m.record("Fatal", msg, keysAndValues)
}

func (m *MockLogger) record(level string, msg string, keysAndValues []any) {
	m.MethodCalled(level, msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level LogLevel) {
	m.Called(level)
}

func (m *MockLogger) Level() LogLevel {
	args := m.Called()
	return args.Get(0).(LogLevel) //nolint: forcetypeassert
}

// With returns the logger set up by the expectation, or m itself when the expectation
// returns nil.
func (m *MockLogger) With(keyValues ...any) Logger {
	args := m.Called(keyValues...)
	if l, ok := args.Get(0).(Logger); ok && l != nil {
		return l
	}

	return m
}
