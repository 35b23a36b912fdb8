// Package hlog is a small level-gated logger with a DEBUG/TRACE call
// style, colorized with goutils/ansi when attached to a terminal.
package hlog

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/starkandwayne/goutils/ansi"
)

// Level is a logging verbosity threshold.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func parseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	default:
		return LevelError
	}
}

var (
	mu       sync.Mutex
	level    = parseLevel(os.Getenv("HUBIT_LOG_LEVEL"))
	colorize = isatty.IsTerminal(os.Stderr.Fd())
)

// SetLevel overrides the active log level (tests use this to quiet output).
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

func logAt(l Level, tag, color, format string, args ...interface{}) {
	mu.Lock()
	active := level
	useColor := colorize
	mu.Unlock()

	if l > active {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if useColor {
		fmt.Fprintln(os.Stderr, ansi.Sprintf("@%s{[%s]} %s", color, tag, msg))
	} else {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", tag, msg)
	}
}

// TRACE logs the most verbose tier: per-path subscription bookkeeping.
func TRACE(format string, args ...interface{}) { logAt(LevelTrace, "TRACE", "b", format, args...) }

// DEBUG logs worker spawn/dispatch/completion events.
func DEBUG(format string, args ...interface{}) { logAt(LevelDebug, "DEBUG", "c", format, args...) }

// INFO logs model-level lifecycle events (SetInput, Get start/stop).
func INFO(format string, args ...interface{}) { logAt(LevelInfo, "INFO", "g", format, args...) }

// WARN logs recoverable anomalies (cache backend miss, reuse seed skipped).
func WARN(format string, args ...interface{}) { logAt(LevelWarn, "WARN", "y", format, args...) }

// ERROR logs errors about to be surfaced to the caller.
func ERROR(format string, args ...interface{}) { logAt(LevelError, "ERROR", "r", format, args...) }
