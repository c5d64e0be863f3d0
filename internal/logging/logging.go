// Package logging configures the process-wide logrus logger used by every
// deepiglu component.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Init initializes the global logger
func Init(verbose bool) {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}

	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
}

// NewLogger creates a standalone logger writing to w, used to
// capture output without touching the global logger.
func NewLogger(w io.Writer) *log.Logger {
	logger := log.New()
	logger.SetOutput(w)
	logger.SetLevel(log.DebugLevel)
	return logger
}

// WithComponent creates a logger entry with a component field
func WithComponent(component string) *log.Entry {
	return log.WithField("component", component)
}
