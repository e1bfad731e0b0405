// Package log wraps log/slog behind package-level helpers (Debug/Info/
// Warn/Error/Fatalf/...) so call sites never touch a *slog.Logger
// directly, the way the teacher's internal logging does.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a case-insensitive level name to a slog.Level,
// defaulting to debug for anything it doesn't recognize.
func ParseLogLevel(level string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(level)]; ok {
		return lvl
	}
	return slog.LevelDebug
}

func newJSONLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// InitLog (re)configures the package logger at the given level. Safe to
// call more than once, e.g. when config reload changes the log level.
func InitLog(logLevel string) {
	current.Store(newJSONLogger(ParseLogLevel(logLevel)))
}

// GetLog returns the active logger, lazily defaulting to info level JSON
// output if InitLog was never called.
func GetLog() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	l := newJSONLogger(slog.LevelInfo)
	current.CompareAndSwap(nil, l)
	return current.Load()
}

// Debug logs msg and args at Debug level.
func Debug(msg string, args ...any) { GetLog().Debug(msg, args...) }

// Info logs msg and args at Info level.
func Info(msg string, args ...any) { GetLog().Info(msg, args...) }

// Warn logs msg and args at Warn level.
func Warn(msg string, args ...any) { GetLog().Warn(msg, args...) }

// Error logs msg and args at Error level.
func Error(msg string, args ...any) { GetLog().Error(msg, args...) }

// Printf formats and logs at Debug level, for call sites migrating off
// of log.Printf-style formatting.
func Printf(format string, args ...any) {
	GetLog().Debug(fmt.Sprintf(format, args...))
}

// Fatalf logs a formatted message at Error level then exits the process.
func Fatalf(format string, args ...any) {
	GetLog().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// Fatal logs args at Error level then exits the process.
func Fatal(args ...any) {
	GetLog().Error(fmt.Sprint(args...))
	os.Exit(1)
}

// Errorf logs a formatted message at Error level and also returns it as
// an error, for call sites that need to both log and return/wrap it.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	Error(err.Error())
	return err
}
