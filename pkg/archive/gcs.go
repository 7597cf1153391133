//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSExporter writes records to a Google Cloud Storage bucket.
type GCSExporter struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSExporter(ctx context.Context, cfg Config) (Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: gcs backend requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create gcs client: %w", err)
	}
	return &GCSExporter{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Export implements Exporter.
func (e *GCSExporter) Export(ctx context.Context, rec Record) (string, error) {
	key := objectKey(e.prefix, rec)
	obj := e.client.Bucket(e.bucket).Object(key)

	if _, err := obj.Attrs(ctx); err == nil {
		return key, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("archive: gcs attrs %s: %w", key, err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(rec.Result); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs close %s: %w", key, err)
	}
	return key, nil
}
