// Package logging installs the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/log"
)

// NewHandler returns a charmbracelet handler writing to w at the named level.
func NewHandler(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    lvl <= log.DebugLevel,
	}), nil
}

// Setup makes a charmbracelet handler at the named level the slog default and
// returns the resulting logger.
func Setup(w io.Writer, level string) (*slog.Logger, error) {
	handler, err := NewHandler(w, level)
	if err != nil {
		return nil, err
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
