package metrics

import (
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a logging level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelSilent // Disables all logging
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelSilent:
		return "SILENT"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level string. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "SILENT", "OFF", "NONE":
		return LevelSilent
	default:
		return LevelInfo
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelSilent:
		return zapcore.InvalidLevel
	default:
		return zapcore.InfoLevel
	}
}

// Fields represents structured log fields.
type Fields map[string]any

// zapFields converts fields in key order so text output is stable.
func (f Fields) zapFields() []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

// Format specifies the log output format.
type Format int

const (
	FormatText Format = iota // Human-readable console format
	FormatJSON               // JSON format for log aggregation
)

// ParseFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, "json") {
		return FormatJSON
	}
	return FormatText
}

// Logger is a leveled structured logger backed by zap.
type Logger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

type loggerConfig struct {
	out    io.Writer
	level  Level
	format Format
	fields Fields
	name   string
	clock  zapcore.Clock
}

// LoggerOption configures a logger.
type LoggerOption func(*loggerConfig)

// WithOutput sets the output writer.
func WithOutput(w io.Writer) LoggerOption {
	return func(c *loggerConfig) { c.out = w }
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(c *loggerConfig) { c.level = level }
}

// WithFormat sets the output format.
func WithFormat(format Format) LoggerOption {
	return func(c *loggerConfig) { c.format = format }
}

// WithFields sets default fields for all log entries.
func WithFields(fields Fields) LoggerOption {
	return func(c *loggerConfig) { c.fields = fields }
}

// WithName sets the logger name.
func WithName(name string) LoggerOption {
	return func(c *loggerConfig) { c.name = name }
}

type fixedClock func() time.Time

func (f fixedClock) Now() time.Time { return f() }

func (f fixedClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

// withClock sets the entry timestamp source.
func withClock(now func() time.Time) LoggerOption {
	return func(c *loggerConfig) { c.clock = fixedClock(now) }
}

// NewLogger creates a new logger with the given options.
func NewLogger(opts ...LoggerOption) *Logger {
	cfg := loggerConfig{out: os.Stdout, level: LevelInfo, format: FormatText}
	for _, opt := range opts {
		opt(&cfg)
	}

	var enc zapcore.Encoder
	if cfg.format == FormatJSON {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "time"
		ec.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		ec.EncodeDuration = zapcore.StringDurationEncoder
		ec.CallerKey = zapcore.OmitKey
		ec.StacktraceKey = zapcore.OmitKey
		enc = zapcore.NewJSONEncoder(ec)
	} else {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.CallerKey = zapcore.OmitKey
		ec.StacktraceKey = zapcore.OmitKey
		enc = zapcore.NewConsoleEncoder(ec)
	}

	level := zap.NewAtomicLevelAt(cfg.level.zap())
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(cfg.out)), level)
	zopts := []zap.Option{}
	if cfg.clock != nil {
		zopts = append(zopts, zap.WithClock(cfg.clock))
	}
	z := zap.New(core, zopts...)
	if cfg.name != "" {
		z = z.Named(cfg.name)
	}
	if len(cfg.fields) > 0 {
		z = z.With(cfg.fields.zapFields()...)
	}
	return &Logger{z: z, level: level}
}

// Zap returns the underlying zap logger for packages that log with zap
// directly.
func (l *Logger) Zap() *zap.Logger { return l.z }

// With returns a new logger with additional fields.
func (l *Logger) With(fields Fields) *Logger {
	return &Logger{z: l.z.With(fields.zapFields()...), level: l.level}
}

// Named returns a new logger whose name is appended to the parent's.
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name), level: l.level}
}

// SetLevel changes the logging level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zap())
}

// Sync flushes buffered output.
func (l *Logger) Sync() error { return l.z.Sync() }

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(zapcore.DebugLevel, msg, fields)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(zapcore.InfoLevel, msg, fields)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(zapcore.WarnLevel, msg, fields)
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(zapcore.ErrorLevel, msg, fields)
}

func (l *Logger) log(level zapcore.Level, msg string, extra []Fields) {
	ce := l.z.Check(level, msg)
	if ce == nil {
		return
	}
	switch len(extra) {
	case 0:
		ce.Write()
	case 1:
		ce.Write(extra[0].zapFields()...)
	default:
		merged := make(Fields)
		for _, f := range extra {
			for k, v := range f {
				merged[k] = v
			}
		}
		ce.Write(merged.zapFields()...)
	}
}

// --- Global Logger ---

var (
	globalLogger   = NewLogger()
	globalLoggerMu sync.RWMutex
)

// SetLogger sets the global logger.
func SetLogger(l *Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = l
}

// GetLogger returns the global logger.
func GetLogger() *Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}

// Debug logs at debug level using the global logger.
func Debug(msg string, fields ...Fields) {
	GetLogger().Debug(msg, fields...)
}

// Info logs at info level using the global logger.
func Info(msg string, fields ...Fields) {
	GetLogger().Info(msg, fields...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...Fields) {
	GetLogger().Warn(msg, fields...)
}

// Error logs at error level using the global logger.
func Error(msg string, fields ...Fields) {
	GetLogger().Error(msg, fields...)
}

// NullLogger returns a logger that discards all output.
func NullLogger() *Logger {
	return NewLogger(WithOutput(io.Discard), WithLevel(LevelSilent))
}

// TestLogger returns a logger suitable for testing (debug level, text format).
func TestLogger(w io.Writer) *Logger {
	return NewLogger(
		WithOutput(w),
		WithLevel(LevelDebug),
		WithFormat(FormatText),
	)
}

// ProductionLogger returns a logger suitable for production (info level, JSON format).
func ProductionLogger(w io.Writer) *Logger {
	return NewLogger(
		WithOutput(w),
		WithLevel(LevelInfo),
		WithFormat(FormatJSON),
	)
}
