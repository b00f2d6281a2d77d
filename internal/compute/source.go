package compute

import (
	"context"
	"fmt"
	"os"

	"github.com/egatchal/tippers-services/internal/storage"
	"github.com/egatchal/tippers-services/internal/tippers"
	"github.com/egatchal/tippers-services/pkg/types"
)

// SourceStep computes a leaf space's chunk directly from raw sessions.
type SourceStep struct {
	sessions tippers.SessionReader
	store    storage.ObjectStorage
	workDir  string
}

// NewSourceStep creates a source step writing temp files under workDir.
func NewSourceStep(sessions tippers.SessionReader, store storage.ObjectStorage, workDir string) *SourceStep {
	return &SourceStep{sessions: sessions, store: store, workDir: workDir}
}

// Run bins distinct devices over the chunk window and uploads the
// sparse series at the key's deterministic path. Recomputing the same
// key always yields the same object, so overwriting is harmless.
func (s *SourceStep) Run(ctx context.Context, key types.ChunkKey) (*Result, error) {
	series, err := s.sessions.BinnedCounts(ctx, key.SpaceID, key.ChunkStart, key.ChunkEnd, key.IntervalSeconds)
	if err != nil {
		return nil, fmt.Errorf("compute: source bin %s: %w", key, err)
	}
	return uploadSeries(ctx, s.store, s.workDir, key, series)
}

// uploadSeries encodes a series, stages it in workDir, and uploads it
// at the key's path. Shared by both step kinds.
func uploadSeries(ctx context.Context, store storage.ObjectStorage, workDir string, key types.ChunkKey, series types.Series) (*Result, error) {
	data, err := types.EncodeSeries(series)
	if err != nil {
		return nil, fmt.Errorf("compute: encode %s: %w", key, err)
	}

	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("compute: create work dir: %w", err)
	}
	tmp, err := os.CreateTemp(workDir, "chunk-*.json.sz")
	if err != nil {
		return nil, fmt.Errorf("compute: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("compute: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("compute: close temp file: %w", err)
	}

	objectPath := key.ObjectPath()
	if err := store.Upload(ctx, tmpPath, objectPath); err != nil {
		return nil, fmt.Errorf("compute: upload %s: %w", key, err)
	}
	return &Result{ObjectPath: objectPath, RowCount: int64(len(series))}, nil
}
