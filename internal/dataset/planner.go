// Package dataset plans materialization requests and assembles their
// results. Planning resolves the space subtree, classifies sources and
// derived spaces, and seeds the chunk registry; chunks already present
// from earlier datasets are reused as-is.
package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/egatchal/tippers-services/internal/chunkstore"
	serrors "github.com/egatchal/tippers-services/internal/errors"
	"github.com/egatchal/tippers-services/internal/hierarchy"
	"github.com/egatchal/tippers-services/internal/tippers"
	"github.com/egatchal/tippers-services/internal/window"
	"github.com/egatchal/tippers-services/pkg/types"
)

// DefaultChunkWidthDays is used when a request leaves the chunk width
// unset.
const DefaultChunkWidthDays = 1

// CreateRequest is a materialization request. StartTime and EndTime
// are optional; when either is nil the bounds of the raw session data
// under the root are used.
type CreateRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	RootSpaceID     int64  `json:"root_space_id"`
	StartTime       *int64 `json:"start_time"`
	EndTime         *int64 `json:"end_time"`
	IntervalSeconds int64  `json:"interval_seconds"`
	ChunkWidthDays  int64  `json:"chunk_width_days"`
}

// Plan is the resolved shape of a dataset: its subtree, the
// participating spaces, and the chunk keys covering the range. The
// same dataset always re-plans to the same keys, which is what lets
// status and results be derived from shared chunk rows.
type Plan struct {
	Tree     *hierarchy.Tree
	Class    hierarchy.Classification
	Windows  []window.Window
	Keys     []types.ChunkKey
	RootKeys []types.ChunkKey
}

// Planner turns create requests into seeded chunk work.
type Planner struct {
	reader   tippers.Reader
	registry chunkstore.Registry
}

// NewPlanner creates a planner over the raw database and the registry.
func NewPlanner(reader tippers.Reader, registry chunkstore.Registry) *Planner {
	return &Planner{reader: reader, registry: registry}
}

// Create validates the request, seeds any missing chunks, and records
// the dataset. A subtree with no raw data in the range short-circuits
// to a COMPLETED dataset with zero rows and seeds nothing.
func (p *Planner) Create(ctx context.Context, req CreateRequest) (*types.Dataset, error) {
	if !types.IntervalAllowed(req.IntervalSeconds) {
		return nil, serrors.NewValidationError(serrors.CodeInvalidInterval,
			fmt.Sprintf("interval %d is not allowed", req.IntervalSeconds))
	}
	width := req.ChunkWidthDays
	if width == 0 {
		width = DefaultChunkWidthDays
	}
	if width < 1 {
		return nil, serrors.NewValidationError(serrors.CodeInvalidChunkSize,
			fmt.Sprintf("chunk width must be at least one day, got %d", width))
	}

	tree, err := p.resolveTree(ctx, req.RootSpaceID)
	if err != nil {
		return nil, err
	}

	start, end, hasData, err := p.resolveRange(ctx, req)
	if err != nil {
		return nil, err
	}

	d := &types.Dataset{
		DatasetID:       uuid.New().String(),
		Name:            req.Name,
		Description:     req.Description,
		RootSpaceID:     req.RootSpaceID,
		StartTime:       start,
		EndTime:         end,
		IntervalSeconds: req.IntervalSeconds,
		ChunkWidthDays:  width,
		Status:          types.DatasetRunning,
		CreatedAt:       time.Now().Unix(),
	}

	var class hierarchy.Classification
	if hasData {
		class, err = p.classify(ctx, tree, start, end)
		if err != nil {
			return nil, err
		}
	}

	if len(class.Sources) == 0 {
		// No leaf under the root has a single overlapping session:
		// nothing to compute, the dataset is trivially done.
		d.Status = types.DatasetCompleted
		d.CompletedAt = time.Now().Unix()
		if err := p.registry.CreateDataset(ctx, d); err != nil {
			return nil, err
		}
		return d, nil
	}

	windows, err := window.Plan(start, end, width)
	if err != nil {
		return nil, serrors.NewValidationError(serrors.CodeInvalidTimeRange, err.Error())
	}

	seeds := buildSeeds(class, windows, req.IntervalSeconds)
	inserted, err := p.registry.SeedChunks(ctx, seeds)
	if err != nil {
		return nil, serrors.NewRegistryError(serrors.CodeUnexpected, "failed to seed chunks", err)
	}
	_ = inserted // seeds already present are prior work being reused

	if err := p.registry.CreateDataset(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Resolve re-derives the plan for an existing dataset. Classification
// is deterministic for a fixed range, so the key set matches what
// Create seeded.
func (p *Planner) Resolve(ctx context.Context, d *types.Dataset) (*Plan, error) {
	tree, err := p.resolveTree(ctx, d.RootSpaceID)
	if err != nil {
		return nil, err
	}
	class, err := p.classify(ctx, tree, d.StartTime, d.EndTime)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Tree: tree, Class: class}
	if len(class.Sources) == 0 {
		return plan, nil
	}

	plan.Windows, err = window.Plan(d.StartTime, d.EndTime, d.ChunkWidthDays)
	if err != nil {
		return nil, serrors.NewInternalError("stored dataset range does not plan", err)
	}
	for _, seed := range buildSeeds(class, plan.Windows, d.IntervalSeconds) {
		plan.Keys = append(plan.Keys, seed.Key)
		if seed.Key.SpaceID == d.RootSpaceID {
			plan.RootKeys = append(plan.RootKeys, seed.Key)
		}
	}
	return plan, nil
}

func (p *Planner) resolveTree(ctx context.Context, root int64) (*hierarchy.Tree, error) {
	spaces, err := p.reader.Subtree(ctx, root)
	if err != nil {
		return nil, serrors.NewInternalError("failed to resolve subtree", err)
	}
	if len(spaces) == 0 {
		return nil, serrors.NewHierarchyError(serrors.CodeUnknownSpace,
			fmt.Sprintf("space %d does not exist", root))
	}
	tree, err := hierarchy.NewTree(root, spaces)
	if err != nil {
		return nil, serrors.NewHierarchyError(serrors.CodeEmptySubtree, err.Error())
	}
	return tree, nil
}

// resolveRange fills in missing bounds from the raw data. hasData is
// false only when bounds were requested from an empty subtree.
func (p *Planner) resolveRange(ctx context.Context, req CreateRequest) (start, end int64, hasData bool, err error) {
	if req.StartTime != nil && req.EndTime != nil {
		start, end = *req.StartTime, *req.EndTime
		if start >= end {
			return 0, 0, false, serrors.NewValidationError(serrors.CodeInvalidTimeRange,
				fmt.Sprintf("start %d must be before end %d", start, end))
		}
		return start, end, true, nil
	}

	minStart, maxEnd, ok, err := p.reader.TimeBounds(ctx, req.RootSpaceID)
	if err != nil {
		return 0, 0, false, serrors.NewInternalError("failed to resolve time bounds", err)
	}
	if !ok {
		return 0, 0, false, nil
	}

	start, end = minStart, maxEnd
	if req.StartTime != nil {
		start = *req.StartTime
	}
	if req.EndTime != nil {
		end = *req.EndTime
	}
	if start >= end {
		return 0, 0, false, serrors.NewValidationError(serrors.CodeInvalidTimeRange,
			fmt.Sprintf("start %d must be before end %d", start, end))
	}
	return start, end, true, nil
}

func (p *Planner) classify(ctx context.Context, tree *hierarchy.Tree, start, end int64) (hierarchy.Classification, error) {
	hasRecords := make(map[int64]bool)
	for _, leaf := range tree.Leaves() {
		ok, err := p.reader.HasRecords(ctx, leaf, start, end)
		if err != nil {
			return hierarchy.Classification{}, serrors.NewInternalError(
				fmt.Sprintf("failed to probe records for space %d", leaf), err)
		}
		if ok {
			hasRecords[leaf] = true
		}
	}
	return tree.Classify(hasRecords), nil
}

func buildSeeds(class hierarchy.Classification, windows []window.Window, interval int64) []types.ChunkSeed {
	seeds := make([]types.ChunkSeed, 0, (len(class.Sources)+len(class.Derived))*len(windows))
	for _, w := range windows {
		for _, id := range class.Sources {
			seeds = append(seeds, types.ChunkSeed{
				Key:  types.ChunkKey{SpaceID: id, IntervalSeconds: interval, ChunkStart: w.Start, ChunkEnd: w.End},
				Role: types.RoleSource,
			})
		}
		for _, id := range class.Derived {
			seeds = append(seeds, types.ChunkSeed{
				Key:  types.ChunkKey{SpaceID: id, IntervalSeconds: interval, ChunkStart: w.Start, ChunkEnd: w.End},
				Role: types.RoleDerived,
			})
		}
	}
	return seeds
}
