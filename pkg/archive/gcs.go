//go:build gcp

package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSArchiver stores objects in a Cloud Storage bucket using application
// default credentials.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSArchiver(ctx context.Context, bucket, prefix string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket, prefix: prefix}, nil
}

func newGCSArchiver(ctx context.Context, cfg Config) (Archiver, error) {
	return NewGCSArchiver(ctx, cfg.Bucket, cfg.Prefix)
}

func (a *GCSArchiver) Put(ctx context.Context, name string, data []byte) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	key := a.prefix + name
	loc := fmt.Sprintf("gs://%s/%s", a.bucket, key)

	w := a.client.Bucket(a.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		existing, gerr := a.Get(ctx, name)
		if gerr != nil {
			return "", fmt.Errorf("gcs close failed: %w", err)
		}
		if !bytes.Equal(existing, data) {
			return "", fmt.Errorf("%w: %s", ErrImmutable, loc)
		}
	}
	return loc, nil
}

func (a *GCSArchiver) Get(ctx context.Context, name string) ([]byte, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	r, err := a.client.Bucket(a.bucket).Object(a.prefix + name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
