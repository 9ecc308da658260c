// Package logger provides component-scoped leveled logging on top of log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// LogLevel orders log severities.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "INFO"
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

var (
	mu       sync.RWMutex
	level    = new(slog.LevelVar)
	current  LogLevel
	instance = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
)

func init() {
	SetLevel(INFO)
}

// SetLevel changes the minimum level emitted.
func SetLevel(l LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	current = l
	level.Set(l.slogLevel())
}

// GetLevel returns the active minimum level.
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetOutput redirects log output. json selects the JSON handler.
func SetOutput(w io.Writer, json bool) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	mu.Lock()
	instance = slog.New(h)
	mu.Unlock()
}

func logMessage(l LogLevel, component, message string, fields map[string]interface{}) {
	mu.RLock()
	lg := instance
	mu.RUnlock()

	attrs := make([]slog.Attr, 0, len(fields)+1)
	if component != "" {
		attrs = append(attrs, slog.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	lg.LogAttrs(context.Background(), l.slogLevel(), message, attrs...)
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }
func Info(message string)  { logMessage(INFO, "", message, nil) }
func Warn(message string)  { logMessage(WARN, "", message, nil) }
func Error(message string) { logMessage(ERROR, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}
