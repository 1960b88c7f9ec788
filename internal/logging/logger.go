package logging

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names attached to every record written through ForComponent.
const (
	CompIdentity  = "identity"
	CompHeartbeat = "heartbeat"
	CompSync      = "sync"
	CompAuth      = "auth"
	CompSend      = "send"
	CompHTTP      = "http"
	CompStorage   = "storage"
	CompWeb       = "web"
	CompPush      = "push"
	CompUI        = "ui"
	CompPicker    = "picker"
	CompCLI       = "cli"
)

// DefaultFileName is the log file created inside Config.LogDir.
const DefaultFileName = "chatsync.log"

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files (e.g. ~/.chatsync)
	LogDir string

	// FileName overrides DefaultFileName
	FileName string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// RingBufferSize is the in-memory crash buffer size in bytes (default: 4MB)
	RingBufferSize int

	// AggregateIntervalSecs is how often batched tick events are summarized (default: 60)
	AggregateIntervalSecs int

	// PprofAddr starts a pprof server when non-empty (e.g. "localhost:6060")
	PprofAddr string

	// Debug forces file logging even without an explicit LogDir decision
	Debug bool
}

type state struct {
	logger *slog.Logger
	ring   *RingBuffer
	agg    *Aggregator
	file   *lumberjack.Logger
}

var (
	globalMu sync.RWMutex
	global   state
	discard  = slog.New(slog.NewJSONHandler(io.Discard, nil))
)

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the global logger. Calling it again replaces the previous
// setup after flushing it. When Debug is false and LogDir is empty all output
// is discarded, which keeps the terminal UI clean.
func Init(cfg Config) {
	Shutdown()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 14
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 4 * 1024 * 1024
	}
	if cfg.AggregateIntervalSecs <= 0 {
		cfg.AggregateIntervalSecs = 60
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}

	next := state{}
	if !cfg.Debug && cfg.LogDir == "" {
		next.logger = discard
		next.ring = NewRingBuffer(1024)
		next.agg = NewAggregator(nil, cfg.AggregateIntervalSecs)
	} else {
		next.file = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, cfg.FileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		next.ring = NewRingBuffer(cfg.RingBufferSize)
		out := io.MultiWriter(next.file, next.ring)

		opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
		var h slog.Handler
		if cfg.Format == "text" {
			h = slog.NewTextHandler(out, opts)
		} else {
			h = slog.NewJSONHandler(out, opts)
		}
		next.logger = slog.New(h)
		next.agg = NewAggregator(next.logger, cfg.AggregateIntervalSecs)
		next.agg.Start()
	}

	globalMu.Lock()
	global = next
	globalMu.Unlock()

	if cfg.PprofAddr != "" && next.file != nil {
		startPprof(cfg.PprofAddr)
	}
}

// Logger returns the global logger. Safe to call before Init.
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global.logger == nil {
		return discard
	}
	return global.logger
}

// ForComponent returns a logger tagged with the component name. The handler
// is resolved at log time, so package-level loggers declared before Init
// still reach the real output.
func ForComponent(name string) *slog.Logger {
	return slog.New(&componentHandler{component: name})
}

type componentHandler struct {
	component string
	attrs     []slog.Attr
	groups    []string
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	next := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		next = next.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		next = next.WithGroup(g)
	}
	return next.Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &componentHandler{component: h.component, attrs: merged, groups: h.groups}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]string(nil), h.groups...), name)
	return &componentHandler{component: h.component, attrs: h.attrs, groups: groups}
}

// Aggregate counts a high-frequency event (a heartbeat tick, a history pull)
// instead of writing one line per occurrence.
func Aggregate(component, event string, fields ...slog.Attr) {
	globalMu.RLock()
	agg := global.agg
	globalMu.RUnlock()
	if agg != nil {
		agg.Record(component, event, fields...)
	}
}

// DumpRingBuffer writes recent log output to path.
func DumpRingBuffer(path string) error {
	globalMu.RLock()
	ring := global.ring
	globalMu.RUnlock()
	if ring == nil {
		return nil
	}
	return ring.DumpToFile(path)
}

// Shutdown flushes pending summaries and closes the log file.
func Shutdown() {
	globalMu.Lock()
	prev := global
	global = state{}
	globalMu.Unlock()

	if prev.agg != nil {
		prev.agg.Stop()
	}
	if prev.file != nil {
		_ = prev.file.Close()
	}
}
