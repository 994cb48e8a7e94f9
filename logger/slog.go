package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/phsym/console-slog"
)

// SlogLogger implements Logger on top of log/slog.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

var _ Logger = (*SlogLogger)(nil)

// SlogOption configures NewSlog.
type SlogOption func(*slogConfig)

type slogConfig struct {
	output    io.Writer
	console   bool
	addSource bool
}

// WithOutput sets the destination of log records. Default is os.Stdout.
func WithOutput(w io.Writer) SlogOption {
	return func(c *slogConfig) { c.output = w }
}

// WithConsole selects the human-readable console handler instead of JSON.
func WithConsole(enable bool) SlogOption {
	return func(c *slogConfig) { c.console = enable }
}

// WithSource adds the source file and line to every record.
func WithSource(enable bool) SlogOption {
	return func(c *slogConfig) { c.addSource = enable }
}

// NewSlog creates a slog backed Logger.
//
// The console handler is selected when CAS_LOG_FORMAT is "console", unless an
// explicit WithConsole option overrides it.
func NewSlog(level LogLevel, opts ...SlogOption) *SlogLogger {
	cfg := &slogConfig{
		output:  os.Stdout,
		console: os.Getenv("CAS_LOG_FORMAT") == "console",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	inst := &SlogLogger{level: &slog.LevelVar{}}
	inst.level.Set(toSlogLevel(level))

	var handler slog.Handler
	if cfg.console {
		handler = console.NewHandler(cfg.output, &console.HandlerOptions{
			AddSource: cfg.addSource,
			Level:     inst.level,
		})
	} else {
		handler = slog.NewJSONHandler(cfg.output, &slog.HandlerOptions{
			AddSource: cfg.addSource,
			Level:     inst.level,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					a.Key = "ts"
				}
				return a
			},
		})
	}
	inst.logger = slog.New(handler)

	return inst
}

func (l *SlogLogger) Debug(msg string, keysAndValues ...any) {
	l.log(slog.LevelDebug, msg, keysAndValues...)
}

func (l *SlogLogger) Info(msg string, keysAndValues ...any) {
	l.log(slog.LevelInfo, msg, keysAndValues...)
}

func (l *SlogLogger) Warn(msg string, keysAndValues ...any) {
	l.log(slog.LevelWarn, msg, keysAndValues...)
}

func (l *SlogLogger) Error(msg string, keysAndValues ...any) {
	l.log(slog.LevelError, msg, keysAndValues...)
}

func (l *SlogLogger) Fatal(msg string, keysAndValues ...any) {
	l.log(slog.LevelError, msg, keysAndValues...)
	os.Exit(1)
}

func (l *SlogLogger) With(keyValues ...any) Logger {
	return &SlogLogger{
		logger: l.logger.With(keyValues...),
		level:  l.level,
	}
}

func (l *SlogLogger) Level() LogLevel {
	switch lv := l.level.Level(); {
	case lv <= slog.LevelDebug:
		return DebugLevel
	case lv <= slog.LevelInfo:
		return InfoLevel
	case lv <= slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

func (l *SlogLogger) SetLevel(level LogLevel) {
	l.level.Set(toSlogLevel(level))
}

// log must be called directly by an exported logging method, it uses a fixed call
// depth to obtain the pc.
func (l *SlogLogger) log(level slog.Level, msg string, args ...any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	// skip [runtime.Callers, this function, this function's caller]
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.logger.Handler().Handle(ctx, r)
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
