package blob

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCS writes page snapshots to a Google Cloud Storage bucket.
// Authentication comes from Application Default Credentials.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS wraps an existing client. The bucket is checked up front so a
// misconfigured deployment fails at startup, not mid-run.
func NewGCS(ctx context.Context, client *storage.Client, bucket string) (*GCS, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// PutObject implements Store, returning a gs:// URI.
func (s *GCS) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("writing object %s: %w (close: %v)", path, err, closeErr)
		}
		return "", fmt.Errorf("writing object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing object %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
