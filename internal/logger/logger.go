// Package logger provides the process-wide structured logger. It wraps
// zerolog instead of log/slog so the call surface matches what the
// rest of the tree was already written against (Info/Warn/Error/Debug
// with alternating key-value pairs), while actually using the
// dependency the module declares but never wired.
package logger

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	defaultLogger zerolog.Logger
	once          sync.Once
)

// Init initializes the default logger. In a terminal it writes
// human-readable console output; otherwise (piped, production) it
// writes JSON lines, matching the teacher's JSON-by-default posture.
func Init() {
	once.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		if isTerminal(os.Stdout) {
			defaultLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
		} else {
			defaultLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		}
		defaultLogger.Info().Msg("logger initialized")
	})
}

// Get returns the initialized default logger, initializing it on first
// use.
func Get() *zerolog.Logger {
	Init()
	return &defaultLogger
}

// Info logs an informational message with optional key-value fields.
func Info(msg string, kv ...any) { event(Get().Info(), kv).Msg(msg) }

// Warn logs a warning message with optional key-value fields.
func Warn(msg string, kv ...any) { event(Get().Warn(), kv).Msg(msg) }

// Error logs an error with optional key-value fields. err may be nil.
func Error(msg string, err error, kv ...any) {
	e := Get().Error()
	if err != nil {
		e = e.Err(err)
	}
	event(e, kv).Msg(msg)
}

// Debug logs a debug message with optional key-value fields.
func Debug(msg string, kv ...any) { event(Get().Debug(), kv).Msg(msg) }

// event attaches alternating key-value pairs to a zerolog event, the
// same calling convention the rest of the tree already uses against
// the slog-based logger this replaces.
func event(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
