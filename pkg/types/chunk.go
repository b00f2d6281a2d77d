// Package types defines the shared domain types for the occupancy
// materialization service: chunk identity and status, sparse occupancy
// series, dataset records, and the allowed interval set.
package types

import "fmt"

// ChunkRole distinguishes how a chunk's output is produced.
type ChunkRole string

const (
	// RoleSource marks a chunk computed directly from raw session data.
	RoleSource ChunkRole = "SOURCE"
	// RoleDerived marks a chunk computed by summing its children's outputs.
	RoleDerived ChunkRole = "DERIVED"
)

// ChunkStatus is the lifecycle state of a chunk in the registry.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "PENDING"
	ChunkRunning   ChunkStatus = "RUNNING"
	ChunkCompleted ChunkStatus = "COMPLETED"
	ChunkFailed    ChunkStatus = "FAILED"
)

// ChunkKey is the composite identity of a chunk. Two requests that plan
// the same space, interval, and epoch-aligned window produce the same
// key, which is what makes chunk outputs reusable across datasets.
type ChunkKey struct {
	SpaceID         int64
	IntervalSeconds int64
	ChunkStart      int64 // unix seconds, inclusive
	ChunkEnd        int64 // unix seconds, exclusive
}

// String renders the key in log-friendly form.
func (k ChunkKey) String() string {
	return fmt.Sprintf("chunk(space=%d interval=%d [%d,%d))",
		k.SpaceID, k.IntervalSeconds, k.ChunkStart, k.ChunkEnd)
}

// ObjectPath returns the deterministic storage path for the chunk's
// output. The path depends only on the key, so recomputation of the
// same chunk always lands on the same object.
func (k ChunkKey) ObjectPath() string {
	return fmt.Sprintf("chunks/%d/%d/%d_%d.json.sz",
		k.SpaceID, k.IntervalSeconds, k.ChunkStart, k.ChunkEnd)
}

// Chunk is a registry row: a key plus its lifecycle bookkeeping.
type Chunk struct {
	Key         ChunkKey
	Role        ChunkRole
	Status      ChunkStatus
	JobID       string
	ObjectPath  string
	RowCount    int64
	Error       string
	CreatedAt   int64
	UpdatedAt   int64
	CompletedAt int64
}

// ChunkSeed is the planner's input to registry seeding: the identity
// and role of a chunk that should exist, with no status opinion. Rows
// already present in the registry are left untouched.
type ChunkSeed struct {
	Key  ChunkKey
	Role ChunkRole
}
