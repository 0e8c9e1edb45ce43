// Package logging configures zerolog output for the node, adapted from
// the teacher's configureLogging/zerologWriterLevel in pkg/atlas/server.go:
// independent stdout and file sinks, each with their own minimum level,
// fanned into one zerolog.Logger via zerolog.MultiLevelWriter, plus a
// SIGHUP-style Reopen hook for external log rotation.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Config mirrors the logging knobs of spec §6's CLI surface.
type Config struct {
	StdoutEnabled bool
	StdoutPretty  bool
	StdoutLevel   zerolog.Level
	Level         zerolog.Level
	File          string
	FileLevel     zerolog.Level
}

// levelWriter fans writes to an underlying io.Writer only when they meet
// its configured minimum level, and lets the writer be swapped atomically
// for log rotation (pkg/atlas/server.go's zerologWriterLevel).
type levelWriter struct {
	mu sync.Mutex
	w  io.Writer
	l  zerolog.Level
}

var _ zerolog.LevelWriter = (*levelWriter)(nil)

func newLevelWriter(w io.Writer, l zerolog.Level) *levelWriter {
	return &levelWriter{w: w, l: l}
}

func (lw *levelWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.w == nil {
		return len(p), nil
	}
	return lw.w.Write(p)
}

func (lw *levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < lw.l {
		return len(p), nil
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.w == nil {
		return len(p), nil
	}
	if w, ok := lw.w.(zerolog.LevelWriter); ok {
		return w.WriteLevel(level, p)
	}
	return lw.w.Write(p)
}

func (lw *levelWriter) swap(fn func(io.Writer) io.Writer) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.w = fn(lw.w)
}

// Configure builds the node's logger from cfg. The returned reopen func,
// if non-nil, closes and reopens the configured log file in place (for
// external rotation via e.g. a SIGHUP handler).
func Configure(cfg Config) (logger zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer

	if cfg.StdoutEnabled {
		if cfg.StdoutPretty {
			outputs = append(outputs, newLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout}, cfg.StdoutLevel))
		} else {
			outputs = append(outputs, newLevelWriter(os.Stdout, cfg.StdoutLevel))
		}
	}

	if cfg.File != "" {
		path, absErr := filepath.Abs(cfg.File)
		if absErr != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("resolve log file: %w", absErr)
		}
		lw := newLevelWriter(nil, cfg.FileLevel)
		reopen = func() {
			lw.swap(func(old io.Writer) io.Writer {
				if c, ok := old.(io.Closer); ok {
					c.Close()
				}
				f, openErr := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o666)
				if openErr != nil {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", openErr)
					return nil
				}
				return f
			})
		}
		outputs = append(outputs, lw)
		reopen()
	}

	if len(outputs) == 0 {
		outputs = append(outputs, io.Discard)
	}

	logger = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(cfg.Level).
		With().
		Timestamp().
		Logger()
	return logger, reopen, nil
}
