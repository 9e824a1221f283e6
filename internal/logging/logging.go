package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"

	"github.com/lessonplans/ingest/internal/config"
)

// New constructs a slog.Logger writing to stderr in the configured format.
// When cfg.File is set, records are also appended to that file as JSON. The
// returned close function releases the file.
func New(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	if cfg.File == "" {
		logger, err := NewWithWriters(cfg, os.Stderr, nil)
		return logger, func() error { return nil }, err
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
	}

	logger, err := NewWithWriters(cfg, os.Stderr, file)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return logger, file.Close, nil
}

// NewWithWriters builds the logger over explicit writers. A nil file writer
// disables the JSON file output.
func NewWithWriters(cfg config.LoggingConfig, console, file io.Writer) (*slog.Logger, error) {
	handler, err := buildHandler(cfg, console)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return slog.New(handler), nil
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: cfg.Level})
	return slog.New(slogmulti.Fanout(handler, fileHandler)), nil
}

func buildHandler(cfg config.LoggingConfig, w io.Writer) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	switch cfg.Format {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}
}
