//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSExporter(ctx context.Context, cfg Config) (Exporter, error) {
	return nil, fmt.Errorf("archive: gcs backend is not enabled in this build (use -tags gcp)")
}
