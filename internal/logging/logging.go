// Package logging provides the structured logging setup shared by every
// Nexus process. Every record goes to stdout, and error-level records are
// also copied to stderr, so containerized deployments can watch errors on
// their own stream.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level mirrors logrus's levels under names that match Nexus's config keys.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls logger construction.
type Config struct {
	Level   Level
	Format  string // "json" or "text"
	Service string
	Version string
}

// New builds a configured *logrus.Logger. Error-level hooks write to
// stderr via an AddHook rather than changing Logger.Out, so the base
// writer (stdout) keeps handling every level, errors included.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.AddHook(&stderrHook{writer: os.Stderr, formatter: logger.Formatter})

	if cfg.Service != "" {
		return logger.WithFields(logrus.Fields{
			"service": cfg.Service,
			"version": cfg.Version,
		}).Logger
	}
	return logger
}

// stderrHook duplicates Error+ records to stderr in addition to the
// logger's normal stdout output.
type stderrHook struct {
	writer    io.Writer
	formatter logrus.Formatter
}

func (h *stderrHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (h *stderrHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// WithTrace returns a child logger carrying trace_id, the key every
// internal error and JSON-RPC response correlates logs by, per spec.md §7.
func WithTrace(logger *logrus.Logger, traceID string) *logrus.Entry {
	return logger.WithField("trace_id", traceID)
}
