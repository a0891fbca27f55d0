package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
	"github.com/spf13/afero"
)

// snapshotWriter exports the cache contents as a JSON document for
// dashboards and one-shot runs. The file is an export, it is never read back
// into the cache.
type snapshotWriter struct {
	fs   afero.Fs
	path string
}

func NewSnapshotWriter(fs afero.Fs, filename string) *snapshotWriter {
	return &snapshotWriter{
		fs:   fs,
		path: filename,
	}
}

func NewOsSnapshotWriter(filename string) *snapshotWriter {
	return NewSnapshotWriter(afero.NewOsFs(), filename)
}

// Write replaces the snapshot file. Content goes to a temporary file first so
// readers of the path never see a partially written document.
func (w *snapshotWriter) Write(ctx context.Context, snapshot map[string]domain.Window, generatedAt time.Time) error {
	encoded, err := encodeSnapshot(snapshot, generatedAt)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	dir := path.Dir(w.path)
	exists, err := afero.DirExists(w.fs, dir)
	if err != nil {
		return fmt.Errorf("failed to check snapshot directory: %w", err)
	}
	if !exists {
		if err := w.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmp := w.path + ".tmp"
	if err := afero.WriteFile(w.fs, tmp, encoded, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := w.fs.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	slog.DebugContext(ctx, "snapshot written", "path", w.path, "bytes", len(encoded))
	return nil
}
