//go:build gcp

package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink writes objects to a Google Cloud Storage bucket using application default
// credentials.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSSink(ctx context.Context, bucket, prefix string) (Sink, error) {
	return NewGCSSink(ctx, bucket, prefix)
}

func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, name string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(s.prefix + name).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (s *GCSSink) Close() error {
	return s.client.Close()
}
