package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileArchiver writes objects below a directory.
type FileArchiver struct {
	baseDir string
	mu      sync.Mutex
}

func NewFileArchiver(baseDir string) (*FileArchiver, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileArchiver{baseDir: baseDir}, nil
}

func (a *FileArchiver) Put(_ context.Context, name string, data []byte) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	p := filepath.Join(a.baseDir, filepath.FromSlash(name))
	if existing, err := os.ReadFile(p); err == nil {
		if !bytes.Equal(existing, data) {
			return "", fmt.Errorf("%w: %s", ErrImmutable, name)
		}
		return p, nil
	}
	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive path: %w", err)
	}
	tmp := p + ".tmp"
	//nolint:gosec // G306: archived bundles are readable by operators
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write archive object: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("failed to commit archive object: %w", err)
	}
	return p, nil
}

func (a *FileArchiver) Get(_ context.Context, name string) ([]byte, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(a.baseDir, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}
