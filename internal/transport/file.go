package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"lineage-stats/internal/domain"
)

// FileTransport appends events to a newline-delimited JSON file.
type FileTransport struct {
	path string
	sync bool

	mu sync.Mutex
	f  *os.File
}

var _ domain.Transport = (*FileTransport)(nil)

// NewFileTransport opens (or creates) path for appending. With fsync set,
// every event is flushed to disk before Send returns.
func NewFileTransport(path string, fsync bool) (*FileTransport, error) {
	if path == "" {
		return nil, fmt.Errorf("file transport: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file transport: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file transport: open %s: %w", path, err)
	}
	return &FileTransport{path: path, sync: fsync, f: f}, nil
}

// Name implements domain.Transport.
func (t *FileTransport) Name() string { return "file" }

// Send implements domain.Transport. Lines are written whole under a mutex so
// concurrent workers never interleave.
func (t *FileTransport) Send(_ context.Context, env domain.Envelope) error {
	if err := requireEvent(env); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return fmt.Errorf("file transport: %s is closed", t.path)
	}

	line := make([]byte, 0, len(env.Payload)+1)
	line = append(line, env.Payload...)
	line = append(line, '\n')
	if _, err := t.f.Write(line); err != nil {
		return domain.Retryable(fmt.Errorf("file transport: write: %w", err))
	}
	if t.sync {
		if err := t.f.Sync(); err != nil {
			return domain.Retryable(fmt.Errorf("file transport: sync: %w", err))
		}
	}
	return nil
}

// Close closes the file.
func (t *FileTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
