// Package logging provides stageflow's logging setup built on
// charmbracelet/log.
//
// It centralizes level configuration and component-prefixed child loggers
// for the demo binary and for hosts that want the same conventions. All log
// output goes to stderr; stdout stays clean for structured output.
//
// Usage:
//
//	logging.Setup(verbose, quiet, jsonFormat)
//	logger := logging.New("engine")
//	logger.Info("instance started", "instance", id)
//
// Setup must run before New: charmbracelet/log child loggers copy state at
// creation time, so later changes to the default logger do not propagate to
// existing children.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Setup configures the global logging defaults. Call once during program
// initialization.
//
// verbose lowers the level to Debug; quiet raises it to Error and wins over
// verbose so scripted runs can always suppress noise. jsonFormat switches to
// NDJSON output for log aggregation.
func Setup(verbose, quiet, jsonFormat bool) {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	if quiet {
		level = log.ErrorLevel
	}

	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	if jsonFormat {
		log.SetFormatter(log.JSONFormatter)
	} else {
		log.SetFormatter(log.TextFormatter)
	}
}

// New creates a logger with the given component prefix, inheriting the
// global level and output configured by Setup. An empty component produces a
// logger without a prefix.
func New(component string) *log.Logger {
	return log.WithPrefix(component)
}

// SetOutput overrides the output writer for the default logger. Primarily
// for tests capturing output in a bytes.Buffer.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}
