// Package artifacts archives restart checkpoints to object storage.
package artifacts

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Archiver copies a local checkpoint to durable storage and returns its URI.
type Archiver interface {
	ArchiveCheckpoint(ctx context.Context, ensembleID string, runID int64, localPath string) (string, error)
}

// CheckpointKey is the object key of a run's checkpoint under prefix.
func CheckpointKey(prefix, ensembleID string, runID int64, localPath string) string {
	parts := []string{"ensembles", ensembleID, "runs", fmt.Sprintf("run%04d", runID), filepath.Base(localPath)}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{prefix}, parts...)...)
}
