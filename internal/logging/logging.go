package logging

import (
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"strings"
	"time"
)

// RequestEntry holds all fields for a proxy request log line.
type RequestEntry struct {
	ClientIP   string
	Method     string
	Host       string
	URL        string
	PACResult  string
	Directive  string
	Upstream   string
	StatusCode int
	Duration   time.Duration
	BytesSent  int64
	BytesRecv  int64
}

// LogRequest logs a proxy request with structured fields.
func LogRequest(logger *slog.Logger, e RequestEntry) {
	logger.Info("proxy request",
		"client_ip", e.ClientIP,
		"method", e.Method,
		"host", e.Host,
		"url", e.URL,
		"pac_result", e.PACResult,
		"directive", e.Directive,
		"upstream", e.Upstream,
		"status_code", e.StatusCode,
		"duration_ms", e.Duration.Milliseconds(),
		"bytes_sent", e.BytesSent,
		"bytes_received", e.BytesRecv,
	)
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New creates a logger writing to w. format is "json" or "text".
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: l}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}

// NewSyslogLogger creates an slog.Logger that writes JSON to syslog.
func NewSyslogLogger(level string) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "pac-agent")
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})), nil
}
