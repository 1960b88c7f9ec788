package logging

import (
	"bytes"
	"context"
	"io"
	"log"
	"log/slog"
	"strings"
)

// BridgeWriter turns line-oriented output from libraries that only accept an
// io.Writer (the stdlib log package, gin's route and request logs) into slog
// records. A leading "[TAG] " becomes the component.
type BridgeWriter struct {
	component string
	level     slog.Level
}

// NewBridgeWriter returns a writer logging at info under defaultComponent.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent, level: slog.LevelInfo}
}

// WithLevel returns a copy logging at level.
func (bw *BridgeWriter) WithLevel(level slog.Level) *BridgeWriter {
	return &BridgeWriter{component: bw.component, level: level}
}

// Write handles one or more newline separated lines.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		msg := strings.TrimSpace(string(line))
		if msg == "" {
			continue
		}
		msg = stripLogTimestamp(msg)

		component := bw.component
		if strings.HasPrefix(msg, "[") {
			if idx := strings.Index(msg, "] "); idx > 0 {
				component = canonicalComponent(strings.ToLower(msg[1:idx]), bw.component)
				msg = strings.TrimSpace(msg[idx+2:])
			}
		}
		Logger().Log(context.Background(), bw.level, msg, slog.String("component", component))
	}
	return len(p), nil
}

// RedirectStdLog sends the stdlib log package through slog and returns a
// function restoring the previous output.
func RedirectStdLog(component string) func() {
	prevOut := log.Writer()
	prevFlags := log.Flags()
	log.SetFlags(0)
	log.SetOutput(NewBridgeWriter(component))
	return func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	}
}

var _ io.Writer = (*BridgeWriter)(nil)

// stripLogTimestamp drops "2006/01/02 15:04:05 " or "15:04:05 " prefixes.
func stripLogTimestamp(s string) string {
	if len(s) > 20 && s[4] == '/' && s[7] == '/' && s[10] == ' ' && s[13] == ':' && s[19] == ' ' {
		s = s[20:]
	}
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

// canonicalComponent maps tags used by third-party writers onto our names.
func canonicalComponent(tag, fallback string) string {
	switch tag {
	case "gin", "gin-debug", "http", "backend":
		return CompHTTP
	case "sqlite", "statedb", "storage", "cache":
		return CompStorage
	case "ws", "websocket", "web":
		return CompWeb
	case "push", "webpush":
		return CompPush
	case "hb", "heartbeat":
		return CompHeartbeat
	case "sync", "history":
		return CompSync
	case "":
		return fallback
	default:
		return tag
	}
}
