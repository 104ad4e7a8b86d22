package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is the minimal structured-logging contract the rest of this module
// depends on. It is intentionally narrow so callers can plug in whatever
// logging backend they already run (zap, logrus, slog) behind an adapter.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a package derive a logger scoped to its own
// component name without constructing a new backend.
//
// Component naming convention:
//   - "stableinfra/attempt"     - attempt loop
//   - "stableinfra/policy"      - circuit breaker / rate limiter / cache / concurrency
//   - "stableinfra/gateway"     - gateway executor
//   - "stableinfra/workflow"    - linear workflow driver
//   - "stableinfra/graph"       - graph workflow driver
//   - "stableinfra/buffer"      - StableBuffer
//   - "stableinfra/coordination" - distributed coordinator adapter
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. Used as the zero-value default so callers
// never need a nil check.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(string, map[string]interface{})  {}
func (n *NoOpLogger) Error(string, map[string]interface{}) {}
func (n *NoOpLogger) Warn(string, map[string]interface{})  {}
func (n *NoOpLogger) Debug(string, map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (n *NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (n *NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (n *NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

// StandardLogger is a dependency-free structured logger writing either
// human-readable lines or one JSON object per line, in the same shape the
// teacher's own ProductionLogger uses: a format switch over an io.Writer,
// no external logging library pulled in for something this mechanical.
type StandardLogger struct {
	component string
	level     string
	debug     bool
	format    string // "json" or "text"
	output    io.Writer
	mu        sync.Mutex
}

// NewStandardLogger creates a logger. format is "json" or "text"; an empty
// format defaults to "text". debug enables Debug-level output.
func NewStandardLogger(component, format string, debug bool, output io.Writer) *StandardLogger {
	if output == nil {
		output = os.Stdout
	}
	if format == "" {
		format = "text"
	}
	return &StandardLogger{component: component, format: format, debug: debug, output: output}
}

func (l *StandardLogger) WithComponent(component string) Logger {
	return &StandardLogger{component: component, format: l.format, debug: l.debug, output: l.output}
}

func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields, nil)
}
func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields, nil)
}
func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields, nil)
}
func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	if l.debug {
		l.log("DEBUG", msg, fields, nil)
	}
}

func (l *StandardLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields, ctx)
}
func (l *StandardLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields, ctx)
}
func (l *StandardLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields, ctx)
}
func (l *StandardLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if l.debug {
		l.log("DEBUG", msg, fields, ctx)
	}
}

func (l *StandardLogger) log(level, msg string, fields map[string]interface{}, ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format(time.RFC3339)

	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"component": l.component,
			"message":   msg,
		}
		if reqID := requestIDFromContext(ctx); reqID != "" {
			entry["request_id"] = reqID
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
		return
	}

	var fieldStr strings.Builder
	for k, v := range fields {
		fieldStr.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	reqInfo := ""
	if reqID := requestIDFromContext(ctx); reqID != "" {
		reqInfo = fmt.Sprintf("[req=%s] ", reqID)
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s%s\n", timestamp, level, l.component, reqInfo, msg, fieldStr.String())
}

type requestIDKey struct{}

// WithRequestID attaches a correlation id to ctx for structured logging.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}
