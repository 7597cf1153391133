package audit

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/munigrid/mandate/pkg/canonicalize"
)

var (
	// ErrEmptyWorkspaceID is returned when the workspace ID is empty.
	ErrEmptyWorkspaceID = errors.New("audit: workspace id must not be empty")
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start time must be before end time")
)

// ExportRequest defines what to export.
type ExportRequest struct {
	WorkspaceID string    `json:"workspaceId"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
}

// BuildPack assembles an evidence pack zip for the given entries: the entry
// chain, a manifest with the chain head, and a cover note. The returned
// checksum is the SHA-256 hex digest of the zip bytes.
func BuildPack(req ExportRequest, entries []Entry, generatedAt time.Time) ([]byte, string, error) {
	if req.WorkspaceID == "" {
		return nil, "", ErrEmptyWorkspaceID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal entries: %w", err)
	}

	chainHead := ""
	if n := len(entries); n > 0 {
		chainHead = entries[n-1].Hash
	}
	manifest := map[string]interface{}{
		"workspaceId": req.WorkspaceID,
		"generatedAt": generatedAt.UTC(),
		"entryCount":  len(entries),
		"chainHead":   chainHead,
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("entries.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(entriesJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Decision audit evidence pack for workspace %s\nGenerated at %s\nVerify with: mandate verify-audit entries.json\n", req.WorkspaceID, generatedAt.UTC().Format(time.RFC3339))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	return zipBytes, canonicalize.HashBytes(zipBytes), nil
}
