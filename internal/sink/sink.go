// Package sink implements the append-only per-stream log file.
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/luhtfiimanal/serial-logger/internal/record"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("sink closed")

// Logger appends formatted records to a single file. Each record is written
// with one write call and no user-space buffering, so a killed process loses
// at most the record being written.
type Logger struct {
	mu   sync.Mutex
	f    *os.File
	path string
	sync bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithSync makes every Write fsync the file before returning.
func WithSync(enabled bool) Option {
	return func(l *Logger) { l.sync = enabled }
}

// Open opens path for appending, creating it and its parent directories
// when missing. Existing content is never truncated.
func Open(path string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := &Logger{f: f, path: path}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the destination file.
func (l *Logger) Path() string { return l.path }

// Write appends rec followed by a newline.
func (l *Logger) Write(rec record.Record) error {
	line := rec.Format() + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}
	if _, err := l.f.WriteString(line); err != nil {
		return fmt.Errorf("write %s: %w", l.path, err)
	}
	if l.sync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", l.path, err)
		}
	}
	return nil
}

// Close releases the file. Safe to call multiple times.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
