package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/narrator/internal/config"
	"golang.org/x/term"
)

// setupLog configures the default logger. Logs go to the configured file,
// or to stderr; JSON is used when stderr is not a terminal.
func setupLog(cfg config.LoggingConfig) (func() error, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		if !term.IsTerminal(int(os.Stderr.Fd())) {
			log.SetFormatter(log.JSONFormatter)
		}
		return func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("unable to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}
	log.SetOutput(f)
	log.SetFormatter(log.JSONFormatter)
	return f.Close, nil
}
