package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var levelNames = map[LogLevel]string{
	DEBUG:  "DEBUG",
	INFO:   "INFO",
	WARN:   "WARN",
	ERROR:  "ERROR",
	SILENT: "SILENT",
}

// zapLevel maps a LogLevel onto zap. SILENT maps above ERROR so nothing we emit passes.
func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}

// Logger provides leveled logging with module support
type Logger struct {
	level   zap.AtomicLevel
	current atomic.Int32
	base    *zap.Logger
	modules sync.Map // module name -> *zap.SugaredLogger
}

var (
	defaultLogger atomic.Pointer[Logger]
	once          sync.Once
)

// Init initializes the global logger (call once at startup)
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger.Store(New(level, output, useColor))
	})
}

// New creates a new Logger instance writing console-encoded lines to output.
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")
	if useColor {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	l := &Logger{level: zap.NewAtomicLevelAt(level.zapLevel())}
	l.current.Store(int32(level))

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(output), l.level)
	l.base = zap.New(core)
	return l
}

// NewFile creates a Logger that appends JSON lines to path in addition to the console writer.
func NewFile(level LogLevel, console io.Writer, useColor bool, path string) (*Logger, error) {
	l := New(level, console, useColor)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(f),
		l.level,
	)
	l.base = zap.New(zapcore.NewTee(l.base.Core(), fileCore))
	return l, nil
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.current.Store(int32(level))
	l.level.SetLevel(level.zapLevel())
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return LogLevel(l.current.Load())
}

// Module returns the sugared logger for a module, creating it on first use.
func (l *Logger) Module(module string) *zap.SugaredLogger {
	if s, ok := l.modules.Load(module); ok {
		return s.(*zap.SugaredLogger)
	}
	s, _ := l.modules.LoadOrStore(module, l.base.Named(module).Sugar())
	return s.(*zap.SugaredLogger)
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.Module(module).Debugf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.Module(module).Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.Module(module).Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.Module(module).Errorf(format, args...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}

// Global logger functions (use default logger)

// SetDefault replaces the global logger. Intended for main and tests.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if l := defaultLogger.Load(); l != nil {
		l.SetLevel(level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if l := defaultLogger.Load(); l != nil {
		return l.GetLevel()
	}
	return INFO
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.Debug(module, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.Info(module, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.Warn(module, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.Error(module, format, args...)
	}
}

// Sync flushes the global logger.
func Sync() {
	if l := defaultLogger.Load(); l != nil {
		_ = l.Sync()
	}
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch s {
	case "debug", "DEBUG":
		return DEBUG, nil
	case "info", "INFO":
		return INFO, nil
	case "warn", "WARN", "warning", "WARNING":
		return WARN, nil
	case "error", "ERROR":
		return ERROR, nil
	case "silent", "SILENT", "none", "NONE":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// FromSettings maps the logSettings section values onto a LogLevel.
// level uses 0=debug 1=info 2=warn 3=error; anything else silences output.
func FromSettings(enable bool, level int32) LogLevel {
	if !enable {
		return SILENT
	}
	switch level {
	case 0:
		return DEBUG
	case 1:
		return INFO
	case 2:
		return WARN
	case 3:
		return ERROR
	default:
		return SILENT
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
