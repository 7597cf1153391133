// Package archive exports decided results to object storage under their
// retention route. Export is best-effort: the decision stands whether or not
// the archive write lands, and callers log failures rather than surface them.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/munigrid/mandate/pkg/canonicalize"
)

// Backend names accepted by New.
const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// Exporter persists one decided result and returns the object key.
type Exporter interface {
	Export(ctx context.Context, rec Record) (string, error)
}

// Record is the unit of export.
type Record struct {
	RequestID   string
	WorkspaceID string
	EventID     string
	// Route is the retention route, e.g. "records/permits".
	Route string
	// FileStem is the archival name; EventID stands in when absent.
	FileStem string
	// Result is the decided result JSON.
	Result []byte
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend  string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
	// Dir is the base directory for the fs backend.
	Dir string
}

// New builds the configured exporter. An empty backend disables archiving
// and returns nil with no error.
func New(ctx context.Context, cfg Config) (Exporter, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case BackendFS:
		return NewFileExporter(cfg.Dir)
	case BackendS3:
		return NewS3Exporter(ctx, cfg)
	case BackendGCS:
		return newGCSExporter(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", cfg.Backend)
	}
}

// objectKey lays records out by retention route with a content-hash suffix,
// so identical re-exports land on the same key and distinct contents never
// collide on a reused stem.
func objectKey(prefix string, rec Record) string {
	stem := rec.FileStem
	if stem == "" {
		stem = rec.EventID
	}
	route := strings.Trim(rec.Route, "/")
	if route == "" {
		route = "records/general"
	}
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		prefix += "/"
	}
	short := strings.TrimPrefix(canonicalize.Digest(rec.Result), "sha256:")[:12]
	return prefix + route + "/" + stem + "_" + short + ".json"
}

// FileExporter writes records under a base directory, mirroring the object
// key layout. Development and test backend.
type FileExporter struct {
	dir string
}

// NewFileExporter creates the base directory if needed.
func NewFileExporter(dir string) (*FileExporter, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive: fs backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return &FileExporter{dir: dir}, nil
}

// Export implements Exporter.
func (f *FileExporter) Export(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := objectKey("", rec)
	path := filepath.Join(f.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive: create route dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}
	if err := os.WriteFile(path, rec.Result, 0o644); err != nil {
		return "", fmt.Errorf("archive: write %s: %w", key, err)
	}
	return key, nil
}
