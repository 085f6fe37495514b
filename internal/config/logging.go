package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/beembot/beem/internal/beemerr"
)

// SetupLogging installs the process-wide slog handler described by the
// logging_config table. Returns a closer for the log file, if any.
func SetupLogging(cfg LoggingConfig) (io.Closer, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer

	if cfg.Filename != "" {
		rw, err := newRollWriter(cfg.Filename, cfg.MaxBytes, cfg.BackupCount)
		if err != nil {
			return nil, errors.Wrapf(beemerr.ErrConfigInvalid, "open log file: %v", err)
		}
		w = rw
		closer = rw
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.DateFmt != "" {
		layout := cfg.DateFmt
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(layout))
			}
			return a
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
	return closer, nil
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, errors.Wrapf(beemerr.ErrConfigInvalid, "unknown log level %q", name)
}

// rollWriter is a size-capped log writer with numbered backups
// (file, file.1, ... file.N). It matches the rotation behavior the bot has
// always had, without pulling a logging framework in for one file.
type rollWriter struct {
	mu      sync.Mutex
	path    string
	max     int64
	backups int
	f       *os.File
	size    int64
}

func newRollWriter(path string, maxBytes int64, backups int) (*rollWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rollWriter{path: path, max: maxBytes, backups: backups, f: f, size: info.Size()}, nil
}

func (w *rollWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.max {
		if err := w.rotate(); err != nil {
			// Keep logging to the old file rather than dropping output.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v (%s)\n", err, time.Now().Format(time.RFC3339))
		}
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rollWriter) rotate() error {
	if err := w.f.Close(); err != nil {
		// Reopen so writes keep going somewhere.
		f, openErr := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if openErr != nil {
			return openErr
		}
		w.f = f
		return err
	}
	for i := w.backups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", w.path, i), fmt.Sprintf("%s.%d", w.path, i+1))
	}
	renameErr := os.Rename(w.path, w.path+".1")
	if renameErr != nil && !os.IsNotExist(renameErr) {
		// Reopen the original so writes keep going somewhere.
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w.f = f
		return renameErr
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.size = 0
	return nil
}

func (w *rollWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
