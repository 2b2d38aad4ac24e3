// Package sink provides the line-oriented write targets the exporter can
// emit envelopes to: standard output, an append-only file, or a named
// pipe, selected by URI scheme.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dev7a/serverless-otlp-forwarder/internal/envelope"
	"go.uber.org/zap"
)

// Sink writes newline-terminated lines. Implementations must be safe for
// concurrent use and must not interleave two lines.
type Sink interface {
	WriteLine(line string) error
}

// FromURI selects a sink implementation by scheme. Supported forms are
// stdout://, file://<path>, and pipe://<path>.
func FromURI(uri string, log *zap.Logger) (Sink, error) {
	switch {
	case strings.HasPrefix(uri, "stdout://"):
		return &Stdout{}, nil
	case strings.HasPrefix(uri, "file://"):
		return NewFile(strings.TrimPrefix(uri, "file://"))
	case strings.HasPrefix(uri, "pipe://"):
		return NewPipe(strings.TrimPrefix(uri, "pipe://"), log), nil
	default:
		return nil, envelope.NewConfigError("unsupported output URI: %s", uri)
	}
}

// stdoutMu serializes writes from every Stdout instance in the process.
var stdoutMu sync.Mutex

// Stdout writes to the process standard output.
type Stdout struct{}

func (s *Stdout) WriteLine(line string) error {
	stdoutMu.Lock()
	defer stdoutMu.Unlock()

	if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
		return fmt.Errorf("write to stdout: %w", err)
	}
	return nil
}

// File appends lines to a regular file, opening it per write so that
// rotation or deletion between batches is harmless.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile validates the target path and creates missing parent
// directories.
func NewFile(path string) (*File, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	return &File{path: path}, nil
}

func (f *File) WriteLine(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	if _, err := fmt.Fprintln(file, line); err != nil {
		return fmt.Errorf("write to file: %w", err)
	}
	return nil
}

// Pipe writes to a named pipe, opening it per write. A missing pipe is
// only a warning at construction time; the write itself will fail.
type Pipe struct {
	path string
	mu   sync.Mutex
}

func NewPipe(path string, log *zap.Logger) *Pipe {
	if _, err := os.Stat(path); err != nil && log != nil {
		log.Warn("named pipe does not exist", zap.String("path", path))
	}
	return &Pipe{path: path}
}

func (p *Pipe) WriteLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	file, err := os.OpenFile(p.path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open pipe: %w", err)
	}
	defer file.Close()

	if _, err := fmt.Fprintln(file, line); err != nil {
		return fmt.Errorf("write to pipe: %w", err)
	}
	return nil
}
