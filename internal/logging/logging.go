// Package logging builds the process logger on go-logger's slog backend and
// validates the level and format names accepted in configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

// ParseLevel normalises a configured level to the go-logger name. An empty
// value means info.
func ParseLevel(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return glog.Trace, nil
	case "debug":
		return glog.Debug, nil
	case "", "info":
		return glog.Info, nil
	case "warn", "warning":
		return glog.Warn, nil
	case "error":
		return glog.Error, nil
	case "fatal":
		return glog.Fatal, nil
	default:
		return glog.Info, fmt.Errorf("unknown log level %q", raw)
	}
}

// ParseFormat maps a configured format to a go-logger handler type. An empty
// value means json.
func ParseFormat(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "json":
		return glog.LoggerTypeJSON, nil
	case "console", "text":
		return glog.LoggerTypeConsole, nil
	case "pretty":
		return glog.LoggerTypePretty, nil
	default:
		return glog.LoggerTypeJSON, fmt.Errorf("unknown log format %q", raw)
	}
}

// New returns the root logger. Components take named children through
// GetLogger; a nil writer means stderr.
func New(w io.Writer, level, format string, opts ...glog.Option) *glog.BaseLogger {
	if w == nil {
		w = os.Stderr
	}
	lvl, _ := ParseLevel(level)
	typ, _ := ParseFormat(format)
	options := append([]glog.Option{
		glog.WithWriter(w),
		glog.WithLevel(lvl),
		glog.WithLoggerType(typ),
	}, opts...)
	return glog.NewLogger(options...)
}
