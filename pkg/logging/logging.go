// Package logging provides structured, leveled logging for opendexd.
// Components obtain prefixed sub-loggers from a shared root so the whole
// daemon logs through one configured sink.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level that gets emitted (debug, info, warn,
	// error, fatal). Unknown values fall back to info.
	Level string

	// TimeFormat is the timestamp layout. Defaults to time.TimeOnly.
	TimeFormat string

	// Prefix is an optional prefix on the root logger.
	Prefix string

	// Output is where log lines go. Defaults to stderr.
	Output io.Writer
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}
}

// Logger is a leveled logger that can spawn per-component sub-loggers
// sharing its output and level.
type Logger struct {
	*log.Logger

	output     io.Writer
	timeFormat string

	mu         sync.Mutex
	components map[string]*Logger
}

// New creates a logger from cfg. A nil cfg means defaults.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}

	inner := log.NewWithOptions(output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          cfg.Prefix,
	})
	inner.SetLevel(ParseLevel(cfg.Level))

	return &Logger{
		Logger:     inner,
		output:     output,
		timeFormat: timeFormat,
		components: make(map[string]*Logger),
	}
}

// Default returns a logger with the default configuration.
func Default() *Logger {
	return New(nil)
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// With returns a logger that attaches the given key-value pairs to every
// line.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{
		Logger:     l.Logger.With(keyvals...),
		output:     l.output,
		timeFormat: l.timeFormat,
		components: make(map[string]*Logger),
	}
}

// WithPrefix returns a logger writing to the same output with the given
// prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	inner := log.NewWithOptions(l.output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      l.timeFormat,
		Prefix:          prefix,
	})
	inner.SetLevel(l.GetLevel())
	return &Logger{
		Logger:     inner,
		output:     l.output,
		timeFormat: l.timeFormat,
		components: make(map[string]*Logger),
	}
}

// Component returns the prefixed sub-logger for a component, creating it
// on first use. Repeated calls with the same name return the same logger.
func (l *Logger) Component(name string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.components[name]; ok {
		return sub
	}
	sub := l.WithPrefix(name)
	l.components[name] = sub
	return sub
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = Default()
)

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// GetDefault returns the process-wide default logger.
func GetDefault() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Package-level logging through the default logger.

func Debug(msg interface{}, keyvals ...interface{}) { GetDefault().Debug(msg, keyvals...) }
func Info(msg interface{}, keyvals ...interface{})  { GetDefault().Info(msg, keyvals...) }
func Warn(msg interface{}, keyvals ...interface{})  { GetDefault().Warn(msg, keyvals...) }
func Error(msg interface{}, keyvals ...interface{}) { GetDefault().Error(msg, keyvals...) }
func Fatal(msg interface{}, keyvals ...interface{}) { GetDefault().Fatal(msg, keyvals...) }

func Debugf(format string, args ...interface{}) { GetDefault().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetDefault().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetDefault().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetDefault().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { GetDefault().Fatalf(format, args...) }
