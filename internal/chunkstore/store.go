// Package chunkstore is the registry of chunk and dataset state,
// backed by SQLite. It enforces the memoization contract: a chunk row
// is inserted at most once, COMPLETED is terminal, and every status
// transition is guarded so concurrent writers cannot clobber each
// other.
package chunkstore

import (
	"context"
	"time"

	serrors "github.com/egatchal/tippers-services/internal/errors"
	"github.com/egatchal/tippers-services/pkg/types"
)

// ErrStatusConflict is returned by guarded transitions when the chunk
// is not in the expected status (for example, another scheduler already
// claimed it, or the row is COMPLETED and therefore immutable).
var ErrStatusConflict = serrors.New(serrors.ErrCategoryRegistry, serrors.CodeStatusConflict,
	"chunk not in expected status")

// ErrDatasetNotFound is returned when a dataset ID is unknown.
var ErrDatasetNotFound = serrors.New(serrors.ErrCategoryRegistry, serrors.CodeDatasetNotFound,
	"dataset not found")

// Registry is the chunk and dataset bookkeeping surface.
type Registry interface {
	// SeedChunks inserts any missing rows as PENDING and leaves
	// existing rows (any status) untouched. Returns the number of rows
	// actually inserted.
	SeedChunks(ctx context.Context, seeds []types.ChunkSeed) (int64, error)

	// GetChunk returns the row for a key, or nil when absent.
	GetChunk(ctx context.Context, key types.ChunkKey) (*types.Chunk, error)

	// GetChunks resolves a batch of keys. Absent keys are simply
	// missing from the result map.
	GetChunks(ctx context.Context, keys []types.ChunkKey) (map[types.ChunkKey]*types.Chunk, error)

	// PendingSource returns up to limit PENDING source chunks, oldest
	// first.
	PendingSource(ctx context.Context, limit int) ([]*types.Chunk, error)

	// PendingDerived returns up to limit PENDING derived chunks,
	// oldest first.
	PendingDerived(ctx context.Context, limit int) ([]*types.Chunk, error)

	// MarkRunning claims a PENDING chunk for a job.
	MarkRunning(ctx context.Context, key types.ChunkKey, jobID string) error

	// Release undoes a claim: the RUNNING row returns to PENDING, but
	// only while it still belongs to jobID. Used when a claimed job
	// could not be handed to the execution backend.
	Release(ctx context.Context, key types.ChunkKey, jobID string) error

	// MarkCompleted finishes a RUNNING chunk. COMPLETED rows are never
	// touched again.
	MarkCompleted(ctx context.Context, key types.ChunkKey, objectPath string, rowCount int64) error

	// MarkFailed fails a PENDING or RUNNING chunk with a message.
	MarkFailed(ctx context.Context, key types.ChunkKey, message string) error

	// ResetFailed flips FAILED rows among the given keys back to
	// PENDING. Only FAILED rows move; this is the manual retry path.
	ResetFailed(ctx context.Context, keys []types.ChunkKey) (int64, error)

	// RequeueStale returns RUNNING chunks untouched for longer than
	// olderThan to PENDING, clearing their job. Heals crashed workers.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// CompletedChunks lists all COMPLETED rows, for reconciliation.
	CompletedChunks(ctx context.Context) ([]*types.Chunk, error)

	// CountByStatus tallies the given keys per status. Keys with no
	// row are counted under the empty status "".
	CountByStatus(ctx context.Context, keys []types.ChunkKey) (map[types.ChunkStatus]int64, error)

	// Dataset bookkeeping.
	CreateDataset(ctx context.Context, d *types.Dataset) error
	GetDataset(ctx context.Context, datasetID string) (*types.Dataset, error)
	ListDatasets(ctx context.Context) ([]*types.Dataset, error)
	DeleteDataset(ctx context.Context, datasetID string) error

	// UpdateDatasetStatus records an observed terminal status on the
	// dataset row. A row already COMPLETED is left alone.
	UpdateDatasetStatus(ctx context.Context, datasetID string, status types.DatasetStatus, rowCount int64, errMsg string) error

	Close() error
}
