// Package logging builds the process logger: zerolog to stdout and, when a
// log path is set, to an append-only file that backs the logs endpoint.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger owns the optional log file.
type Logger struct {
	zerolog.Logger

	mu   sync.Mutex
	path string
	file *os.File
}

// New returns a logger at level writing to stdout and, if path is not empty,
// to path as well. A file that cannot be opened is reported and skipped.
func New(level, path string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l := &Logger{path: path}

	var out io.Writer = os.Stdout
	var openErr error
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			openErr = fmt.Errorf("create log directory: %w", err)
		} else if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
			openErr = fmt.Errorf("open log file %s: %w", path, err)
		} else {
			l.file = f
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	l.Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	if openErr != nil {
		l.Warn().Err(openErr).Msg("logging to stdout only")
	} else if l.file != nil {
		l.Info().Str("path", path).Msg("logging to file")
	}
	return l, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger { return &Logger{Logger: zerolog.Nop()} }

// ReadTail returns the last n lines of the log file, or "" without one.
func (l *Logger) ReadTail(n int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		return "", nil
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > 2*n && n > 0 {
			lines = append(lines[:0], lines[len(lines)-n:]...)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file.
func (l *Logger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if err := l.file.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := l.file.Seek(0, 0); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}
	if l.path == "" {
		return nil
	}
	return os.Truncate(l.path, 0)
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
