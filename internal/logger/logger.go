// Package logger installs the process-wide slog handler. Records are written
// as single lines: "[15:04:05] [LEVEL] message key=value ...".
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	globalLevel  = slog.LevelDebug
	handlerMutex sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func enabled(level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

// lineHandler writes each record to every output.
type lineHandler struct {
	outs   []io.Writer
	mu     *sync.Mutex
	prefix string // pre-rendered attrs from WithAttrs
	group  string
}

// NewHandler returns a handler writing to outputs, filtered by the global
// level.
func NewHandler(outputs ...io.Writer) slog.Handler {
	return &lineHandler{outs: outputs, mu: &sync.Mutex{}}
}

// Handle implements slog.Handler
func (h *lineHandler) Handle(ctx context.Context, record slog.Record) error {
	if !enabled(record.Level) {
		return nil
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(record.Time.Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteString("] ")
	b.WriteString(record.Message)
	b.WriteString(h.prefix)
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteString("\n")
	line := []byte(b.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write(line)
		}
	}
	return nil
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, key, ga)
		}
		return
	}
	b.WriteString(" ")
	b.WriteString(key)
	b.WriteString("=")
	b.WriteString(a.Value.String())
}

// WithAttrs implements slog.Handler
func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	c := *h
	c.prefix = b.String()
	return &c
}

// WithGroup implements slog.Handler
func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return &c
}

// Enabled implements slog.Handler
func (h *lineHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return enabled(level)
}

// InitLogger initializes the global logger with one or more output writers
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))
}
