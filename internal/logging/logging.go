// Package logging builds the diagnostic logger: slog text records written
// to a size-rotated file and, optionally, to a console writer.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/smileynet/astrocam/internal/config"
)

// Logger is a diagnostic logger together with the file it owns.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New returns a Logger for cfg. Records go to cfg.File (rotated by size)
// and to console when it is non-nil. With neither, records are discarded.
func New(cfg config.Log, console io.Writer) (*Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var writers []io.Writer
	if console != nil {
		writers = append(writers, console)
	}
	var closer io.Closer
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		writers = append(writers, rotator)
		closer = rotator
	}

	if len(writers) == 0 {
		return &Logger{Logger: slog.New(slog.DiscardHandler)}, nil
	}
	h := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(h), closer: closer}, nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
