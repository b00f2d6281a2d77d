// Package scheduler drives chunk computation. A polling loop claims
// PENDING chunks from the registry and hands them to an execution
// backend: source chunks whenever budget allows, derived chunks only
// once every participating child is COMPLETED.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/egatchal/tippers-services/internal/chunkstore"
	"github.com/egatchal/tippers-services/internal/compute"
	"github.com/egatchal/tippers-services/internal/exec"
	"github.com/egatchal/tippers-services/internal/tippers"
	"github.com/egatchal/tippers-services/pkg/types"
)

// Config holds configuration for the scheduler daemon.
type Config struct {
	// TickInterval is how often the daemon polls for work (default: 15s).
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`

	// SourceBatchSize is the max PENDING source chunks fetched per tick (default: 32).
	SourceBatchSize int `json:"source_batch_size" yaml:"source_batch_size"`

	// DerivedBatchSize is the max PENDING derived chunks examined per tick (default: 64).
	DerivedBatchSize int `json:"derived_batch_size" yaml:"derived_batch_size"`

	// MaxOutstanding caps jobs in flight across the backend (default: 32).
	MaxOutstanding int `json:"max_outstanding" yaml:"max_outstanding"`

	// StaleAfter is how long a RUNNING chunk may sit untouched before
	// it is returned to PENDING (default: 30m).
	StaleAfter time.Duration `json:"stale_after" yaml:"stale_after"`

	// Backpressure tunes the failure-driven dispatch throttle.
	Backpressure BackpressureConfig `json:"backpressure" yaml:"backpressure"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:     15 * time.Second,
		SourceBatchSize:  32,
		DerivedBatchSize: 64,
		MaxOutstanding:   32,
		StaleAfter:       30 * time.Minute,
		Backpressure:     DefaultBackpressureConfig(),
	}
}

// Daemon is the background scheduler loop.
type Daemon struct {
	config   Config
	registry chunkstore.Registry
	spaces   tippers.SpaceReader
	backend  exec.Backend
	bp       *BackpressureController
	stats    *TickStats

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a scheduler over the given registry, hierarchy
// reader, and execution backend. Wire HandleCompletion as the
// backend's completion handler before starting.
func NewDaemon(config Config, registry chunkstore.Registry, spaces tippers.SpaceReader, backend exec.Backend) *Daemon {
	if config.TickInterval <= 0 {
		config.TickInterval = 15 * time.Second
	}
	if config.SourceBatchSize <= 0 {
		config.SourceBatchSize = 32
	}
	if config.DerivedBatchSize <= 0 {
		config.DerivedBatchSize = 64
	}
	if config.MaxOutstanding <= 0 {
		config.MaxOutstanding = 32
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 30 * time.Minute
	}

	return &Daemon{
		config:   config,
		registry: registry,
		spaces:   spaces,
		backend:  backend,
		bp:       NewBackpressureController(config.Backpressure),
		stats:    NewTickStats(),
	}
}

// Start begins the scheduling loop. It runs until the context is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("scheduler: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the scheduler daemon.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// run is the main scheduling loop.
func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	// Run immediately on start
	d.runOnce(ctx)

	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce performs a single scheduling cycle: requeue stale claims,
// adjust the budget, then dispatch sources and ready derived chunks.
func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	defer func() { d.stats.RecordTick(time.Since(started)) }()

	requeued, err := d.registry.RequeueStale(ctx, d.config.StaleAfter)
	if err != nil {
		log.Printf("scheduler: stale requeue failed: %v", err)
	} else if requeued > 0 {
		log.Printf("scheduler: requeued %d stale chunks", requeued)
		d.stats.RecordStaleRequeue(int(requeued))
	}

	d.bp.AdjustBudget()

	budget := min(d.config.MaxOutstanding-d.backend.Outstanding(), d.bp.Budget())
	if budget <= 0 {
		return
	}

	dispatched := d.dispatchSources(ctx, budget)
	budget -= dispatched
	if budget <= 0 || ctx.Err() != nil {
		return
	}

	d.dispatchDerived(ctx, budget)
}

// dispatchSources submits up to budget PENDING source chunks and
// returns the number handed to the backend.
func (d *Daemon) dispatchSources(ctx context.Context, budget int) int {
	limit := min(budget, d.config.SourceBatchSize)
	chunks, err := d.registry.PendingSource(ctx, limit)
	if err != nil {
		log.Printf("scheduler: pending source query failed: %v", err)
		return 0
	}

	dispatched := 0
	for _, c := range chunks {
		if ctx.Err() != nil {
			break
		}
		if !d.submit(ctx, compute.Job{Key: c.Key, Role: types.RoleSource}) {
			break
		}
		dispatched++
	}

	if dispatched > 0 {
		d.stats.RecordSourceDispatch(dispatched)
	}
	return dispatched
}

// dispatchDerived examines PENDING derived chunks and submits those
// whose participating children are all COMPLETED. A FAILED child
// fails the parent immediately; missing child rows mean the child
// subtree has no occupancy data and contributes nothing.
func (d *Daemon) dispatchDerived(ctx context.Context, budget int) {
	chunks, err := d.registry.PendingDerived(ctx, d.config.DerivedBatchSize)
	if err != nil {
		log.Printf("scheduler: pending derived query failed: %v", err)
		return
	}

	dispatched := 0
	for _, c := range chunks {
		if ctx.Err() != nil || dispatched >= budget {
			break
		}

		ready, childKeys, err := d.checkChildren(ctx, c.Key)
		if err != nil {
			log.Printf("scheduler: gate check for chunk %s failed: %v", c.Key, err)
			continue
		}
		if !ready {
			continue
		}

		if !d.submit(ctx, compute.Job{Key: c.Key, Role: types.RoleDerived, Children: childKeys}) {
			break
		}
		dispatched++
	}

	if dispatched > 0 {
		d.stats.RecordDerivedDispatch(dispatched)
	}
}

// checkChildren resolves the gate for a derived chunk. It returns the
// COMPLETED child keys when every participating child is done. As a
// side effect it fails the parent when any child has FAILED.
func (d *Daemon) checkChildren(ctx context.Context, key types.ChunkKey) (bool, []types.ChunkKey, error) {
	childIDs, err := d.spaces.Children(ctx, key.SpaceID)
	if err != nil {
		return false, nil, err
	}
	if len(childIDs) == 0 {
		// A derived chunk is only seeded for spaces with descendants;
		// a childless one means the hierarchy changed underneath us.
		log.Printf("scheduler: derived chunk %s has no children in hierarchy, skipping", key)
		return false, nil, nil
	}

	candidates := make([]types.ChunkKey, 0, len(childIDs))
	for _, id := range childIDs {
		candidates = append(candidates, types.ChunkKey{
			SpaceID:         id,
			IntervalSeconds: key.IntervalSeconds,
			ChunkStart:      key.ChunkStart,
			ChunkEnd:        key.ChunkEnd,
		})
	}

	rows, err := d.registry.GetChunks(ctx, candidates)
	if err != nil {
		return false, nil, err
	}

	// Children with no registry row have no sources beneath them and
	// contribute zero. Only rows that exist participate in the gate.
	participants := make([]types.ChunkKey, 0, len(rows))
	for _, ck := range candidates {
		row, ok := rows[ck]
		if !ok {
			continue
		}
		switch row.Status {
		case types.ChunkFailed:
			msg := fmt.Sprintf("child space %d failed: %s", ck.SpaceID, row.Error)
			if err := d.registry.MarkFailed(ctx, key, msg); err != nil {
				if errors.Is(err, chunkstore.ErrStatusConflict) {
					d.stats.RecordConflict()
				} else {
					log.Printf("scheduler: failed to fail chunk %s: %v", key, err)
				}
			} else {
				d.bp.RecordFailure()
				d.stats.RecordCompletion(false)
			}
			return false, nil, nil
		case types.ChunkCompleted:
			participants = append(participants, ck)
		default:
			// PENDING or RUNNING child — not ready yet.
			return false, nil, nil
		}
	}

	if len(participants) == 0 {
		log.Printf("scheduler: derived chunk %s has no participating children, skipping", key)
		return false, nil, nil
	}
	return true, participants, nil
}

// submit claims the chunk, then hands the job to the backend. The
// claim comes first so a job that completes before Submit even returns
// still finds its row RUNNING; the reverse order would lose the
// result to the completion guard. Returns false when the backend is
// saturated and the tick should stop.
func (d *Daemon) submit(ctx context.Context, job compute.Job) bool {
	jobID := uuid.New().String()
	if err := d.registry.MarkRunning(ctx, job.Key, jobID); err != nil {
		if errors.Is(err, chunkstore.ErrStatusConflict) {
			// Another scheduler claimed it between the pending query
			// and now.
			d.stats.RecordConflict()
		} else {
			log.Printf("scheduler: claim for chunk %s failed: %v", job.Key, err)
		}
		return true
	}

	if err := d.backend.Submit(ctx, jobID, job); err != nil {
		// The claim must not outlive a rejected submission, or the
		// chunk sits RUNNING with no job until the staleness pass.
		if rerr := d.registry.Release(ctx, job.Key, jobID); rerr != nil && !errors.Is(rerr, chunkstore.ErrStatusConflict) {
			log.Printf("scheduler: release of chunk %s failed: %v", job.Key, rerr)
		}
		if errors.Is(err, exec.ErrBusy) || errors.Is(err, exec.ErrStopped) {
			return false
		}
		log.Printf("scheduler: submit for chunk %s failed: %v", job.Key, err)
		return false
	}
	return true
}

// HandleCompletion records the outcome of a compute job. It is wired
// as the execution backend's completion handler.
func (d *Daemon) HandleCompletion(jobID string, job compute.Job, result *compute.Result, runErr error) {
	ctx := context.Background()

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			// Shutdown mid-job. The chunk stays RUNNING and the stale
			// requeue returns it to PENDING on a later start.
			return
		}
		if err := d.registry.MarkFailed(ctx, job.Key, runErr.Error()); err != nil {
			if errors.Is(err, chunkstore.ErrStatusConflict) {
				d.stats.RecordConflict()
				return
			}
			log.Printf("scheduler: job %s: failed to record failure for chunk %s: %v", jobID, job.Key, err)
			return
		}
		log.Printf("scheduler: job %s: chunk %s failed: %v", jobID, job.Key, runErr)
		d.bp.RecordFailure()
		d.stats.RecordCompletion(false)
		return
	}

	if err := d.registry.MarkCompleted(ctx, job.Key, result.ObjectPath, result.RowCount); err != nil {
		if errors.Is(err, chunkstore.ErrStatusConflict) {
			d.stats.RecordConflict()
			return
		}
		log.Printf("scheduler: job %s: failed to record completion for chunk %s: %v", jobID, job.Key, err)
		return
	}
	d.bp.RecordSuccess()
	d.stats.RecordCompletion(true)
}

// RunOnce performs a single scheduling cycle (useful for testing).
func (d *Daemon) RunOnce(ctx context.Context) {
	d.runOnce(ctx)
}

// DaemonStats is the scheduler's observable state.
type DaemonStats struct {
	Ticks        StatsSnapshot     `json:"ticks"`
	Backpressure BackpressureStats `json:"backpressure"`
	Outstanding  int               `json:"outstanding"`
}

// Stats returns a snapshot of scheduler counters and throttle state.
func (d *Daemon) Stats() DaemonStats {
	return DaemonStats{
		Ticks:        d.stats.Snapshot(),
		Backpressure: d.bp.Stats(),
		Outstanding:  d.backend.Outstanding(),
	}
}
