// Package logging constructs the structured loggers used across the
// library. Configuration comes from environment variables so embedding
// applications and the CLI share one convention.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// NewWithWriter creates a logger writing to w.
// TRACECODE_LOG_LEVEL selects the level (debug, info, warn, error).
// TRACECODE_LOG_PREFIX overrides the message prefix.
func NewWithWriter(w io.Writer) *log.Logger {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})

	switch os.Getenv("TRACECODE_LOG_LEVEL") {
	case "debug":
		lg.SetLevel(log.DebugLevel)
	case "warn":
		lg.SetLevel(log.WarnLevel)
	case "error":
		lg.SetLevel(log.ErrorLevel)
	default:
		lg.SetLevel(log.InfoLevel)
	}

	prefix := os.Getenv("TRACECODE_LOG_PREFIX")
	if prefix == "" {
		prefix = "tracecode"
	}
	return lg.WithPrefix(prefix)
}

// New creates a logger from the environment.
// TRACECODE_LOG_TO_FILE=1 sends output to a timestamped file instead of
// stderr; failure to create the file falls back to stderr.
func New() *log.Logger {
	output := io.Writer(os.Stderr)
	if os.Getenv("TRACECODE_LOG_TO_FILE") == "1" {
		name := fmt.Sprintf("tracecode-%s-debug.log", time.Now().Format("20060102-150405"))
		if f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
			output = f
		}
	}
	return NewWithWriter(output)
}
