package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel controls which messages a ProductionLogger emits
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel maps a settings string to a LogLevel, defaulting to info.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// ProductionLogger writes structured JSON lines, one object per entry:
//
//	{"time":"2025-...","level":"info","service":"ingestion","msg":"...","queue":"..."}
//
// It implements the Logger interface and is safe for concurrent use.
type ProductionLogger struct {
	mu      sync.Mutex
	out     io.Writer
	level   LogLevel
	service string
}

// NewProductionLogger creates a JSON logger for the given service writing
// to stdout.
func NewProductionLogger(service string, level LogLevel) *ProductionLogger {
	return &ProductionLogger{
		out:     os.Stdout,
		level:   level,
		service: service,
	}
}

// NewProductionLoggerWithWriter is NewProductionLogger with an explicit
// destination, used by tests.
func NewProductionLoggerWithWriter(service string, level LogLevel, out io.Writer) *ProductionLogger {
	return &ProductionLogger{
		out:     out,
		level:   level,
		service: service,
	}
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "debug", msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "info", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "warn", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "error", msg, fields)
}

func (l *ProductionLogger) log(level LogLevel, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		// error values don't marshal usefully; flatten them to strings
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["msg"] = msg
	if l.service != "" {
		entry["service"] = l.service
	}

	line, err := json.Marshal(entry)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"level":%q,"msg":%q,"marshal_error":%q}`, name, msg, err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(line, '\n'))
}

// componentLogger wraps a Logger, stamping a component field on every entry.
type componentLogger struct {
	base      Logger
	component string
}

// WithComponent returns a Logger that adds component to every entry's
// fields. Useful for telling client, worker, and store log lines apart
// within one service.
func WithComponent(base Logger, component string) Logger {
	if base == nil {
		return &NoOpLogger{}
	}
	return &componentLogger{base: base, component: component}
}

func (c *componentLogger) with(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["component"] = c.component
	return out
}

func (c *componentLogger) Debug(msg string, fields map[string]interface{}) {
	c.base.Debug(msg, c.with(fields))
}

func (c *componentLogger) Info(msg string, fields map[string]interface{}) {
	c.base.Info(msg, c.with(fields))
}

func (c *componentLogger) Warn(msg string, fields map[string]interface{}) {
	c.base.Warn(msg, c.with(fields))
}

func (c *componentLogger) Error(msg string, fields map[string]interface{}) {
	c.base.Error(msg, c.with(fields))
}
