// Package obslog is a thin leveled wrapper around the standard library's
// log.Logger, matching the teacher's own log.Printf/log.Println convention
// (infrastructure/routing/.../worker.go) rather than introducing a
// structured-logging dependency the teacher's stack never reaches for.
//
// It offers no handshake-tracing hooks: flynn/noise has no internal logging
// to bridge, and internal/tunnel does not log. The registry, dispatcher and
// cmd/meshnoised call it directly.
package obslog

import (
	"log"
	"os"
)

// Level orders verbosity from most to least chatty.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is a leveled logger backed by a standard library log.Logger.
type Logger struct {
	min Level
	out *log.Logger
}

// New returns a Logger that discards messages below min.
func New(min Level) *Logger {
	return &Logger{min: min, out: log.New(os.Stderr, "", log.LstdFlags)}
}

// Default is the package-level logger used by callers that don't hold a
// dedicated instance, logging at LevelInfo and above.
var Default = New(LevelInfo)

func (l *Logger) log(level Level, prefix, format string, args []any) {
	if level < l.min {
		return
	}
	l.out.Printf(prefix+format, args...)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, "DEBUG ", format, args) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, "INFO ", format, args) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, "WARN ", format, args) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, "ERROR ", format, args) }
