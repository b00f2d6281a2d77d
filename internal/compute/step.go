// Package compute produces chunk outputs: source steps bin raw
// sessions, derived steps sum child outputs. Steps are pure with
// respect to the registry; they read inputs, write one object, and
// report the result. Status bookkeeping belongs to the scheduler.
package compute

import (
	"context"

	"github.com/egatchal/tippers-services/pkg/types"
)

// Job describes one chunk to compute.
type Job struct {
	Key  types.ChunkKey
	Role types.ChunkRole
	// Children holds the child chunk keys a derived job sums. Empty
	// for source jobs.
	Children []types.ChunkKey
}

// Result is a step's output: where the object landed and how many
// non-zero bins it holds.
type Result struct {
	ObjectPath string
	RowCount   int64
}

// StepRunner executes a job. Implemented by Runner; the execution
// backend depends only on this.
type StepRunner interface {
	Run(ctx context.Context, job Job) (*Result, error)
}

// Runner dispatches jobs to the right step by role.
type Runner struct {
	source  *SourceStep
	derived *DerivedStep
}

// NewRunner builds a Runner from the two steps.
func NewRunner(source *SourceStep, derived *DerivedStep) *Runner {
	return &Runner{source: source, derived: derived}
}

// Run executes the job with the step matching its role.
func (r *Runner) Run(ctx context.Context, job Job) (*Result, error) {
	if job.Role == types.RoleDerived {
		return r.derived.Run(ctx, job.Key, job.Children)
	}
	return r.source.Run(ctx, job.Key)
}
