package chunkstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/egatchal/tippers-services/pkg/types"
)

// DefaultShardCount is the default number of registry shards.
const DefaultShardCount = 8

// ShardedRegistry implements Registry by distributing chunk rows
// across N SQLite shard files, selected by murmur3(space_id). All
// windows of a space land in the same shard, so per-space scans stay
// single-shard. Dataset rows are small and live entirely in shard 0.
type ShardedRegistry struct {
	shards     []*SQLiteRegistry
	shardCount uint32
	baseDir    string
}

// NewShardedRegistry creates a registry with shardCount SQLite files
// under baseDir, named registry_shard_NNNN.db.
func NewShardedRegistry(baseDir string, shardCount int) (*ShardedRegistry, error) {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}

	sr := &ShardedRegistry{
		shards:     make([]*SQLiteRegistry, shardCount),
		shardCount: uint32(shardCount),
		baseDir:    baseDir,
	}
	for i := 0; i < shardCount; i++ {
		dbPath := filepath.Join(baseDir, fmt.Sprintf("registry_shard_%04d.db", i))
		shard, err := NewSQLiteRegistry(dbPath)
		if err != nil {
			for j := 0; j < i; j++ {
				sr.shards[j].Close()
			}
			return nil, fmt.Errorf("chunkstore: failed to open shard %d: %w", i, err)
		}
		sr.shards[i] = shard
	}

	log.Printf("chunkstore: sharded registry initialized: %d shards in %s", shardCount, baseDir)
	return sr, nil
}

// shardFor returns the shard owning a space's chunks.
func (sr *ShardedRegistry) shardFor(spaceID int64) *SQLiteRegistry {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(spaceID))
	return sr.shards[murmur3.Sum32(buf[:])%sr.shardCount]
}

// datasetShard holds the dataset table.
func (sr *ShardedRegistry) datasetShard() *SQLiteRegistry {
	return sr.shards[0]
}

// Close closes every shard, returning the first error seen.
func (sr *ShardedRegistry) Close() error {
	var firstErr error
	for i, shard := range sr.shards {
		if err := shard.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("chunkstore: close shard %d: %w", i, err)
		}
	}
	return firstErr
}

// SeedChunks groups seeds per shard and seeds each group.
func (sr *ShardedRegistry) SeedChunks(ctx context.Context, seeds []types.ChunkSeed) (int64, error) {
	byShard := make(map[*SQLiteRegistry][]types.ChunkSeed)
	for _, s := range seeds {
		shard := sr.shardFor(s.Key.SpaceID)
		byShard[shard] = append(byShard[shard], s)
	}
	var inserted int64
	for shard, group := range byShard {
		n, err := shard.SeedChunks(ctx, group)
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (sr *ShardedRegistry) GetChunk(ctx context.Context, key types.ChunkKey) (*types.Chunk, error) {
	return sr.shardFor(key.SpaceID).GetChunk(ctx, key)
}

func (sr *ShardedRegistry) GetChunks(ctx context.Context, keys []types.ChunkKey) (map[types.ChunkKey]*types.Chunk, error) {
	byShard := make(map[*SQLiteRegistry][]types.ChunkKey)
	for _, k := range keys {
		shard := sr.shardFor(k.SpaceID)
		byShard[shard] = append(byShard[shard], k)
	}
	out := make(map[types.ChunkKey]*types.Chunk, len(keys))
	for shard, group := range byShard {
		chunks, err := shard.GetChunks(ctx, group)
		if err != nil {
			return nil, err
		}
		for k, c := range chunks {
			out[k] = c
		}
	}
	return out, nil
}

// pendingAcrossShards gathers pending chunks from every shard and
// re-applies the global limit with oldest-first ordering, so no shard
// can starve the others.
func (sr *ShardedRegistry) pendingAcrossShards(limit int,
	fetch func(*SQLiteRegistry) ([]*types.Chunk, error)) ([]*types.Chunk, error) {

	var all []*types.Chunk
	for _, shard := range sr.shards {
		chunks, err := fetch(shard)
		if err != nil {
			return nil, err
		}
		all = append(all, chunks...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt < all[j].CreatedAt })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (sr *ShardedRegistry) PendingSource(ctx context.Context, limit int) ([]*types.Chunk, error) {
	return sr.pendingAcrossShards(limit, func(s *SQLiteRegistry) ([]*types.Chunk, error) {
		return s.PendingSource(ctx, limit)
	})
}

func (sr *ShardedRegistry) PendingDerived(ctx context.Context, limit int) ([]*types.Chunk, error) {
	return sr.pendingAcrossShards(limit, func(s *SQLiteRegistry) ([]*types.Chunk, error) {
		return s.PendingDerived(ctx, limit)
	})
}

func (sr *ShardedRegistry) MarkRunning(ctx context.Context, key types.ChunkKey, jobID string) error {
	return sr.shardFor(key.SpaceID).MarkRunning(ctx, key, jobID)
}

func (sr *ShardedRegistry) Release(ctx context.Context, key types.ChunkKey, jobID string) error {
	return sr.shardFor(key.SpaceID).Release(ctx, key, jobID)
}

func (sr *ShardedRegistry) MarkCompleted(ctx context.Context, key types.ChunkKey, objectPath string, rowCount int64) error {
	return sr.shardFor(key.SpaceID).MarkCompleted(ctx, key, objectPath, rowCount)
}

func (sr *ShardedRegistry) MarkFailed(ctx context.Context, key types.ChunkKey, message string) error {
	return sr.shardFor(key.SpaceID).MarkFailed(ctx, key, message)
}

func (sr *ShardedRegistry) ResetFailed(ctx context.Context, keys []types.ChunkKey) (int64, error) {
	byShard := make(map[*SQLiteRegistry][]types.ChunkKey)
	for _, k := range keys {
		shard := sr.shardFor(k.SpaceID)
		byShard[shard] = append(byShard[shard], k)
	}
	var reset int64
	for shard, group := range byShard {
		n, err := shard.ResetFailed(ctx, group)
		if err != nil {
			return reset, err
		}
		reset += n
	}
	return reset, nil
}

func (sr *ShardedRegistry) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	var requeued int64
	for _, shard := range sr.shards {
		n, err := shard.RequeueStale(ctx, olderThan)
		if err != nil {
			return requeued, err
		}
		requeued += n
	}
	return requeued, nil
}

func (sr *ShardedRegistry) CompletedChunks(ctx context.Context) ([]*types.Chunk, error) {
	var all []*types.Chunk
	for _, shard := range sr.shards {
		chunks, err := shard.CompletedChunks(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, chunks...)
	}
	return all, nil
}

func (sr *ShardedRegistry) CountByStatus(ctx context.Context, keys []types.ChunkKey) (map[types.ChunkStatus]int64, error) {
	chunks, err := sr.GetChunks(ctx, keys)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.ChunkStatus]int64)
	for _, k := range keys {
		if c, ok := chunks[k]; ok {
			counts[c.Status]++
		} else {
			counts[types.ChunkStatus("")]++
		}
	}
	return counts, nil
}

func (sr *ShardedRegistry) CreateDataset(ctx context.Context, d *types.Dataset) error {
	return sr.datasetShard().CreateDataset(ctx, d)
}

func (sr *ShardedRegistry) GetDataset(ctx context.Context, datasetID string) (*types.Dataset, error) {
	return sr.datasetShard().GetDataset(ctx, datasetID)
}

func (sr *ShardedRegistry) ListDatasets(ctx context.Context) ([]*types.Dataset, error) {
	return sr.datasetShard().ListDatasets(ctx)
}

func (sr *ShardedRegistry) DeleteDataset(ctx context.Context, datasetID string) error {
	return sr.datasetShard().DeleteDataset(ctx, datasetID)
}

func (sr *ShardedRegistry) UpdateDatasetStatus(ctx context.Context, datasetID string, status types.DatasetStatus, rowCount int64, errMsg string) error {
	return sr.datasetShard().UpdateDatasetStatus(ctx, datasetID, status, rowCount, errMsg)
}
