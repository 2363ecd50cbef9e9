// Package logging holds the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	loggerMu sync.RWMutex
	logger   = log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
)

// ConfigureLogging updates the shared logger. Call it early from the CLI.
func ConfigureLogging(verbose bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if verbose {
		logger.SetLevel(log.DebugLevel)
		logger.SetReportCaller(true)
	} else {
		logger.SetLevel(log.InfoLevel)
		logger.SetReportCaller(false)
	}
	logger.SetReportTimestamp(true)
	logger.SetTimeFormat(time.RFC3339)
}

// SetLevel parses and applies a level name such as "debug" or "warn".
// Unknown names leave the level unchanged.
func SetLevel(level string) {
	if strings.TrimSpace(level) == "" {
		return
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		L().Warn("unknown log level", "level", level)
		return
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger.SetLevel(lvl)
}

// SetFormat switches between "text", "json" and "logfmt" output.
func SetFormat(format string) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	default:
		logger.SetFormatter(log.TextFormatter)
	}
}

// SetOutput redirects log output, mainly for tests and the stdio MCP server.
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger.SetOutput(w)
}

// L returns the shared logger. Prefer the helpers below unless you need With.
func L() *log.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Component returns a child logger tagged with a component name.
func Component(name string) *log.Logger {
	return L().With("component", name)
}

func Debug(msg any, keyvals ...any) { L().Debug(msg, keyvals...) }
func Info(msg any, keyvals ...any)  { L().Info(msg, keyvals...) }
func Warn(msg any, keyvals ...any)  { L().Warn(msg, keyvals...) }
func Error(msg any, keyvals ...any) { L().Error(msg, keyvals...) }
