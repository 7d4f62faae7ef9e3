package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Driver component identifiers.
const (
	ComponentController Component = "controller"
	ComponentSchedule   Component = "schedule"
	ComponentTransfer   Component = "transfer"
	ComponentAsync      Component = "async"
	ComponentPool       Component = "pool"
	ComponentPort       Component = "port"
	ComponentHost       Component = "host"
	ComponentHAL        Component = "hal"
	ComponentSim        Component = "sim"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

// String returns the format name accepted by ParseLogFormat.
func (f LogFormat) String() string {
	if f == LogFormatJSON {
		return "json"
	}
	return "text"
}

var (
	// DefaultLogger is the logger used by the driver.
	DefaultLogger *slog.Logger

	logLevel = new(slog.LevelVar)

	// logMutex protects DefaultLogger and logOnly.
	logMutex sync.RWMutex

	// logOnly restricts output to these components when non-nil.
	logOnly map[Component]bool
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = NewLogger(os.Stderr, LogFormatText)
}

// NewLogger returns a logger writing in format to w at the driver's
// current log level.
func NewLogger(w io.Writer, format LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLogLevel sets the minimum log level for all driver logging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() slog.Level {
	return logLevel.Level()
}

// ParseLogLevel converts a level name (debug, info, warn, error) into a
// slog.Level. Matching is case-insensitive.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: log level %q", ErrInvalidParameter, s)
}

// ParseLogFormat converts "text" or "json" into a LogFormat.
func ParseLogFormat(s string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	}
	return LogFormatText, fmt.Errorf("%w: log format %q", ErrInvalidParameter, s)
}

// ParseComponents splits a comma-separated list of component names.
// Unknown names are rejected.
func ParseComponents(s string) ([]Component, error) {
	var out []Component
	for _, name := range strings.Split(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		c := Component(name)
		switch c {
		case ComponentController, ComponentSchedule, ComponentTransfer, ComponentAsync,
			ComponentPool, ComponentPort, ComponentHost, ComponentHAL, ComponentSim:
			out = append(out, c)
		default:
			return nil, fmt.Errorf("%w: log component %q", ErrInvalidParameter, name)
		}
	}
	return out, nil
}

// SetLogger replaces the driver's logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogOutput replaces the driver's logger with one writing in format
// to w.
func SetLogOutput(w io.Writer, format LogFormat) {
	SetLogger(NewLogger(w, format))
}

// SetLogComponents limits logging to the given components. With no
// arguments every component logs.
func SetLogComponents(components ...Component) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if len(components) == 0 {
		logOnly = nil
		return
	}
	logOnly = make(map[Component]bool, len(components))
	for _, c := range components {
		logOnly[c] = true
	}
}

// LogEnabled reports whether a message from component at level would be
// written. Use it to skip building expensive attributes.
func LogEnabled(component Component, level slog.Level) bool {
	if level < logLevel.Level() {
		return false
	}
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logOnly == nil || logOnly[component]
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	if !LogEnabled(component, level) {
		return
	}
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	logger.Log(context.Background(), level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
