package dataset

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/egatchal/tippers-services/internal/chunkstore"
	serrors "github.com/egatchal/tippers-services/internal/errors"
	"github.com/egatchal/tippers-services/internal/storage"
	"github.com/egatchal/tippers-services/pkg/types"
)

// MaxResultRows caps the rows returned inline by the results endpoint.
// Larger datasets are fetched through download URLs instead.
const MaxResultRows = 500

// DownloadURLExpiry is how long presigned chunk URLs stay valid.
const DownloadURLExpiry = time.Hour

// Progress summarizes chunk states for a running dataset.
type Progress struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// ResultSet is the outcome of a results request for one space: rows
// when its chunks are done, progress while they compute, the failure
// when any of them FAILED.
type ResultSet struct {
	Status    types.DatasetStatus `json:"status"`
	Progress  *Progress           `json:"progress,omitempty"`
	Rows      []types.ResultRow   `json:"rows,omitempty"`
	RowCount  int64               `json:"row_count"`
	Truncated bool                `json:"truncated"`
	Error     string              `json:"error,omitempty"`
}

// DownloadLink is a presigned URL for one chunk object.
type DownloadLink struct {
	SpaceID    int64  `json:"space_id"`
	ChunkStart int64  `json:"chunk_start"`
	ChunkEnd   int64  `json:"chunk_end"`
	ObjectPath string `json:"object_path"`
	URL        string `json:"url"`
	ExpiresIn  int64  `json:"expires_in_seconds"`
}

// Assembler derives dataset status from chunk rows and materializes
// result rows from chunk objects.
type Assembler struct {
	registry   chunkstore.Registry
	store      storage.ObjectStorage
	downloader *storage.BatchDownloader
	planner    *Planner
}

// NewAssembler creates an assembler.
func NewAssembler(registry chunkstore.Registry, store storage.ObjectStorage, downloader *storage.BatchDownloader, planner *Planner) *Assembler {
	return &Assembler{registry: registry, store: store, downloader: downloader, planner: planner}
}

// Status returns the dataset with its status derived from the current
// chunk rows. Observed terminal states are written back to the dataset
// row so later reads are cheap.
func (a *Assembler) Status(ctx context.Context, datasetID string) (*types.Dataset, *Progress, error) {
	d, err := a.registry.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, nil, err
	}
	if d.Status == types.DatasetCompleted || d.Status == types.DatasetFailed {
		return d, nil, nil
	}

	plan, err := a.planner.Resolve(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	if len(plan.Keys) == 0 {
		// Raw data disappeared from under a running dataset. Nothing
		// left to wait for.
		d.Status = types.DatasetCompleted
		a.writeThrough(ctx, d, 0, "")
		return d, nil, nil
	}

	prog, failedMsg, err := a.progress(ctx, plan.Keys)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case prog.Failed > 0:
		d.Status = types.DatasetFailed
		d.Error = failedMsg
		a.writeThrough(ctx, d, 0, failedMsg)
	case prog.Completed == prog.Total:
		d.Status = types.DatasetCompleted
		rows, err := a.rowTotal(ctx, plan.Keys)
		if err != nil {
			return nil, nil, err
		}
		d.RowCount = rows
		a.writeThrough(ctx, d, rows, "")
	}
	return d, prog, nil
}

// Results returns the requested space's series once its chunks are
// COMPLETED, or that space's chunk progress while they compute. The
// readable unit is one space; spaceID zero means the dataset's root.
func (a *Assembler) Results(ctx context.Context, datasetID string, spaceID int64) (*ResultSet, error) {
	// Status first: it writes observed terminal dataset states through
	// to the registry even when the caller asks about a single space.
	d, _, err := a.Status(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	plan, err := a.planner.Resolve(ctx, d)
	if err != nil {
		return nil, err
	}
	if len(plan.Keys) == 0 {
		return &ResultSet{Status: types.DatasetCompleted}, nil
	}

	keys, err := a.spaceKeys(plan.Keys, datasetID, d.RootSpaceID, spaceID)
	if err != nil {
		return nil, err
	}

	prog, failedMsg, err := a.progress(ctx, keys)
	if err != nil {
		return nil, err
	}
	switch {
	case prog.Failed > 0:
		return &ResultSet{Status: types.DatasetFailed, Progress: prog, Error: failedMsg}, nil
	case prog.Completed < prog.Total:
		return &ResultSet{Status: types.DatasetRunning, Progress: prog}, nil
	}

	rows, err := a.assembleRows(ctx, keys)
	if err != nil {
		return nil, err
	}

	rs := &ResultSet{Status: types.DatasetCompleted, RowCount: int64(len(rows))}
	if len(rows) > MaxResultRows {
		rows = rows[:MaxResultRows]
		rs.Truncated = true
	}
	rs.Rows = rows
	return rs, nil
}

// Download returns presigned URLs for a space's chunk objects on a
// completed dataset. spaceID zero means the dataset's root. The
// storage backend must support presigning.
func (a *Assembler) Download(ctx context.Context, datasetID string, spaceID int64) ([]DownloadLink, error) {
	d, _, err := a.Status(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if d.Status != types.DatasetCompleted {
		return nil, serrors.New(serrors.ErrCategoryRegistry, serrors.CodeStatusConflict,
			fmt.Sprintf("dataset %s is %s, not COMPLETED", datasetID, d.Status))
	}

	presigner, ok := a.store.(storage.Presigner)
	if !ok {
		return nil, storage.ErrNoPresign
	}

	plan, err := a.planner.Resolve(ctx, d)
	if err != nil {
		return nil, err
	}

	keys, err := a.spaceKeys(plan.Keys, datasetID, d.RootSpaceID, spaceID)
	if err != nil {
		return nil, err
	}

	completed, err := a.completedChunks(ctx, keys)
	if err != nil {
		return nil, err
	}

	links := make([]DownloadLink, 0, len(completed))
	for _, c := range completed {
		url, err := presigner.PresignDownload(ctx, c.ObjectPath, DownloadURLExpiry)
		if err != nil {
			return nil, serrors.NewStorageError(serrors.CodeDownloadFailed,
				fmt.Sprintf("failed to presign %s", c.ObjectPath), err)
		}
		links = append(links, DownloadLink{
			SpaceID:    c.Key.SpaceID,
			ChunkStart: c.Key.ChunkStart,
			ChunkEnd:   c.Key.ChunkEnd,
			ObjectPath: c.ObjectPath,
			URL:        url,
			ExpiresIn:  int64(DownloadURLExpiry.Seconds()),
		})
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].SpaceID != links[j].SpaceID {
			return links[i].SpaceID < links[j].SpaceID
		}
		return links[i].ChunkStart < links[j].ChunkStart
	})
	return links, nil
}

// Retry flips the dataset's FAILED chunks back to PENDING and marks
// the dataset RUNNING again. COMPLETED chunks are untouched; only the
// failed work reruns.
func (a *Assembler) Retry(ctx context.Context, datasetID string) (int64, error) {
	d, err := a.registry.GetDataset(ctx, datasetID)
	if err != nil {
		return 0, err
	}

	plan, err := a.planner.Resolve(ctx, d)
	if err != nil {
		return 0, err
	}
	if len(plan.Keys) == 0 {
		return 0, nil
	}

	reset, err := a.registry.ResetFailed(ctx, plan.Keys)
	if err != nil {
		return 0, err
	}
	if reset > 0 && d.Status != types.DatasetCompleted {
		if err := a.registry.UpdateDatasetStatus(ctx, datasetID, types.DatasetRunning, 0, ""); err != nil {
			return reset, err
		}
	}
	return reset, nil
}

// List returns every dataset record, newest first.
func (a *Assembler) List(ctx context.Context) ([]*types.Dataset, error) {
	return a.registry.ListDatasets(ctx)
}

// Delete removes the dataset record. Chunk rows and objects are
// shared across datasets and are left alone.
func (a *Assembler) Delete(ctx context.Context, datasetID string) error {
	return a.registry.DeleteDataset(ctx, datasetID)
}

// writeThrough persists an observed terminal status, logging nothing:
// failure here only means the next read re-derives.
func (a *Assembler) writeThrough(ctx context.Context, d *types.Dataset, rowCount int64, errMsg string) {
	_ = a.registry.UpdateDatasetStatus(ctx, d.DatasetID, d.Status, rowCount, errMsg)
	if d.Status == types.DatasetCompleted && d.CompletedAt == 0 {
		d.CompletedAt = time.Now().Unix()
	}
}

// spaceKeys narrows a plan to one space's chunks, defaulting to the
// dataset's root when no space was asked for.
func (a *Assembler) spaceKeys(planKeys []types.ChunkKey, datasetID string, rootSpaceID, spaceID int64) ([]types.ChunkKey, error) {
	if spaceID == 0 {
		spaceID = rootSpaceID
	}
	keys := make([]types.ChunkKey, 0, len(planKeys))
	for _, k := range planKeys {
		if k.SpaceID == spaceID {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, serrors.NewHierarchyError(serrors.CodeUnknownSpace,
			fmt.Sprintf("space %d is not part of dataset %s", spaceID, datasetID))
	}
	return keys, nil
}

func (a *Assembler) progress(ctx context.Context, keys []types.ChunkKey) (*Progress, string, error) {
	counts, err := a.registry.CountByStatus(ctx, keys)
	if err != nil {
		return nil, "", err
	}
	prog := &Progress{
		Total:     int64(len(keys)),
		Pending:   counts[types.ChunkPending] + counts[types.ChunkStatus("")],
		Running:   counts[types.ChunkRunning],
		Completed: counts[types.ChunkCompleted],
		Failed:    counts[types.ChunkFailed],
	}

	var failedMsg string
	if prog.Failed > 0 {
		failedMsg = a.firstFailure(ctx, keys)
	}
	return prog, failedMsg, nil
}

// firstFailure finds one failed chunk to cite in the dataset error.
func (a *Assembler) firstFailure(ctx context.Context, keys []types.ChunkKey) string {
	rows, err := a.registry.GetChunks(ctx, keys)
	if err != nil {
		return "one or more chunks failed"
	}
	for _, k := range keys {
		if c, ok := rows[k]; ok && c.Status == types.ChunkFailed {
			return fmt.Sprintf("%s: %s", c.Key, c.Error)
		}
	}
	return "one or more chunks failed"
}

func (a *Assembler) rowTotal(ctx context.Context, keys []types.ChunkKey) (int64, error) {
	completed, err := a.completedChunks(ctx, keys)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range completed {
		total += c.RowCount
	}
	return total, nil
}

func (a *Assembler) completedChunks(ctx context.Context, keys []types.ChunkKey) ([]*types.Chunk, error) {
	rows, err := a.registry.GetChunks(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Chunk, 0, len(rows))
	for _, k := range keys {
		if c, ok := rows[k]; ok && c.Status == types.ChunkCompleted {
			out = append(out, c)
		}
	}
	return out, nil
}

// assembleRows downloads every chunk object, decodes it, and flattens
// the series into (space, bin, count) rows sorted by space then bin.
func (a *Assembler) assembleRows(ctx context.Context, keys []types.ChunkKey) ([]types.ResultRow, error) {
	completed, err := a.completedChunks(ctx, keys)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(completed))
	bySpace := make(map[string]int64, len(completed))
	for _, c := range completed {
		paths = append(paths, c.ObjectPath)
		bySpace[c.ObjectPath] = c.Key.SpaceID
	}

	batch, err := a.downloader.Download(ctx, paths)
	if err != nil {
		return nil, serrors.NewStorageError(serrors.CodeDownloadFailed, "batch download failed", err)
	}
	if !batch.Ok() {
		for path, derr := range batch.Errors {
			return nil, serrors.NewStorageError(serrors.CodeDownloadFailed,
				fmt.Sprintf("failed to fetch %s", path), derr)
		}
	}

	var rows []types.ResultRow
	for _, path := range paths {
		series, err := readSeriesFile(batch.LocalPaths[path])
		if err != nil {
			return nil, serrors.NewStorageError(serrors.CodeDownloadFailed,
				fmt.Sprintf("failed to decode %s", path), err)
		}
		spaceID := bySpace[path]
		for _, bin := range series {
			rows = append(rows, types.ResultRow{SpaceID: spaceID, BinStart: bin.BinStart, Count: bin.Count})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SpaceID != rows[j].SpaceID {
			return rows[i].SpaceID < rows[j].SpaceID
		}
		return rows[i].BinStart < rows[j].BinStart
	})
	return rows, nil
}

func readSeriesFile(path string) (types.Series, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return types.DecodeSeries(data)
}
