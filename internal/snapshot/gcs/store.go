// Package gcs persists snapshots as an object in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/rankwatch/rankwatch/internal/ranking"
)

// Config captures the bucket and object holding the snapshot.
type Config struct {
	Bucket string
	Object string
}

// Store reads and writes the snapshot object.
type Store struct {
	client *storage.Client
	bucket string
	object string
}

// New creates a GCS-backed snapshot store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if strings.TrimSpace(cfg.Object) == "" {
		return nil, fmt.Errorf("object name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		object: cfg.Object,
	}, nil
}

// URI returns the gs:// location of the snapshot.
func (s *Store) URI() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Load downloads the snapshot object.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ranking.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Save uploads the snapshot, replacing the previous object.
func (s *Store) Save(ctx context.Context, data []byte) error {
	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
