package logging

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Logger is a field-carrying wrapper around a logrus entry. Derived loggers
// share the underlying logrus.Logger, so SetOutput and SetLevel apply to all.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a new logger instance
func NewLogger(level LogLevel, format LogFormat) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetLevel(toLogrusLevel(level))

	if format == FormatText {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	}

	return &Logger{entry: logrus.NewEntry(base)}
}

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError adds an error to the logger context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// Debug logs a debug message
func (l *Logger) Debug(message string) { l.entry.Debug(message) }

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

// Info logs an info message
func (l *Logger) Info(message string) { l.entry.Info(message) }

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(message string) { l.entry.Warn(message) }

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(message string) { l.entry.Error(message) }

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// ErrorWithErr logs an error message with an error object
func (l *Logger) ErrorWithErr(message string, err error) {
	l.WithError(err).Error(message)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string) { l.entry.Fatal(message) }

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

// SetOutput sets the output writer for the logger
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.entry.Logger.SetLevel(toLogrusLevel(level))
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(level LogLevel, format LogFormat) {
	globalLogger = NewLogger(level, format)
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		globalLogger = NewLogger(LevelInfo, FormatJSON)
	}
	return globalLogger
}

type loggerKey struct{}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext retrieves a logger from the context
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}
	return GetGlobalLogger()
}

// Convenience functions using global logger

func Debugf(format string, args ...interface{}) { GetGlobalLogger().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetGlobalLogger().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetGlobalLogger().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetGlobalLogger().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { GetGlobalLogger().Fatalf(format, args...) }

// WithField adds a field to the global logger
func WithField(key string, value interface{}) *Logger {
	return GetGlobalLogger().WithField(key, value)
}

// WithFields adds multiple fields to the global logger
func WithFields(fields map[string]interface{}) *Logger {
	return GetGlobalLogger().WithFields(fields)
}

// WithError adds an error to the global logger
func WithError(err error) *Logger {
	return GetGlobalLogger().WithError(err)
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(level string) LogLevel {
	switch level {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		log.Printf("Unknown log level '%s', defaulting to 'info'", level)
		return LevelInfo
	}
}

// ParseLogFormat parses a string into a LogFormat
func ParseLogFormat(format string) LogFormat {
	switch format {
	case "json":
		return FormatJSON
	case "text":
		return FormatText
	default:
		log.Printf("Unknown log format '%s', defaulting to 'json'", format)
		return FormatJSON
	}
}
