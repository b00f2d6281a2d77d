// Package exec runs compute jobs asynchronously. The scheduler
// submits jobs and learns of their fate through a completion handler;
// how the work actually runs is the backend's business.
package exec

import (
	"context"
	"errors"

	"github.com/egatchal/tippers-services/internal/compute"
)

// ErrBusy is returned by Submit when the backend cannot accept more
// work right now. The caller leaves the chunk PENDING and tries again
// on a later tick.
var ErrBusy = errors.New("exec: backend at capacity")

// ErrStopped is returned by Submit after the backend has shut down.
var ErrStopped = errors.New("exec: backend stopped")

// CompletionHandler receives the outcome of a submitted job. Exactly
// one of result and runErr is non-nil. Handlers must be safe for
// concurrent calls.
type CompletionHandler func(jobID string, job compute.Job, result *compute.Result, runErr error)

// Backend accepts chunk jobs for asynchronous execution.
type Backend interface {
	// Submit queues a job under the caller's job ID. The scheduler
	// claims the chunk before submitting, so the ID must be fixed
	// before the job can possibly complete. ErrBusy means the backend
	// is full; nothing was queued.
	Submit(ctx context.Context, jobID string, job compute.Job) error

	// Outstanding reports jobs accepted but not yet completed.
	Outstanding() int
}
