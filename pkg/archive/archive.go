// Package archive copies ledger bundles off the box.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Kind selects an archive backend.
type Kind string

const (
	KindFile Kind = "fs"
	KindS3   Kind = "s3"
	KindGCS  Kind = "gcs"
)

var (
	ErrNotFound    = errors.New("archive object not found")
	ErrInvalidName = errors.New("invalid archive object name")
	// ErrImmutable is returned when a name is reused for different content.
	ErrImmutable = errors.New("archive object already exists with different content")
)

// Archiver stores immutable named objects.
type Archiver interface {
	// Put stores data under name and returns its location. Storing the
	// same bytes twice is a no-op.
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, name string) ([]byte, error)
}

// Config selects and configures a backend.
type Config struct {
	Kind     Kind   `env:"KIND" envDefault:"fs"`
	Dir      string `env:"DIR" envDefault:"data/archive"`
	Bucket   string `env:"BUCKET"`
	Region   string `env:"REGION" envDefault:"us-east-1"`
	Endpoint string `env:"ENDPOINT"`
	Prefix   string `env:"PREFIX"`
}

// New builds the archiver named by cfg.Kind.
func New(ctx context.Context, cfg Config) (Archiver, error) {
	switch cfg.Kind {
	case "", KindFile:
		return NewFileArchiver(cfg.Dir)
	case KindS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for s3")
		}
		return NewS3Archiver(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case KindGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for gcs")
		}
		return newGCSArchiver(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive kind: %s", cfg.Kind)
	}
}

// cleanName rejects absolute names and names escaping the archive root.
func cleanName(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	c := path.Clean(name)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return c, nil
}
