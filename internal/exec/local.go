package exec

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/egatchal/tippers-services/internal/compute"
)

type queuedJob struct {
	id  string
	job compute.Job
}

// LocalBackend executes jobs on a fixed worker pool in-process. Jobs
// wait in a bounded queue; a full queue surfaces as ErrBusy rather
// than blocking the scheduler's tick.
type LocalBackend struct {
	runner     compute.StepRunner
	onComplete CompletionHandler

	queue       chan queuedJob
	outstanding atomic.Int64

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// LocalConfig sizes the worker pool.
type LocalConfig struct {
	// Workers is the number of concurrent job executors.
	Workers int
	// QueueDepth is how many accepted jobs may wait for a worker.
	QueueDepth int
}

// DefaultLocalConfig returns a conservative pool sizing.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{Workers: 4, QueueDepth: 64}
}

// NewLocalBackend creates and starts a local worker pool. onComplete
// is invoked from worker goroutines.
func NewLocalBackend(runner compute.StepRunner, cfg LocalConfig, onComplete CompletionHandler) *LocalBackend {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < cfg.Workers {
		cfg.QueueDepth = cfg.Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &LocalBackend{
		runner:     runner,
		onComplete: onComplete,
		queue:      make(chan queuedJob, cfg.QueueDepth),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go func() {
			defer wg.Done()
			b.worker(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(b.done)
	}()

	log.Printf("exec: local backend started: %d workers, queue depth %d", cfg.Workers, cfg.QueueDepth)
	return b
}

func (b *LocalBackend) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qj, ok := <-b.queue:
			if !ok {
				return
			}
			result, err := b.runner.Run(ctx, qj.job)
			b.outstanding.Add(-1)
			if err != nil {
				log.Printf("exec: job %s failed for %s: %v", qj.id, qj.job.Key, err)
			}
			b.onComplete(qj.id, qj.job, result, err)
		}
	}
}

// Submit queues a job without blocking. The send happens under the
// same lock Stop takes before closing the queue, so a producer racing
// a shutdown sees ErrStopped instead of a closed channel.
func (b *LocalBackend) Submit(ctx context.Context, jobID string, job compute.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}

	select {
	case b.queue <- queuedJob{id: jobID, job: job}:
		b.outstanding.Add(1)
		return nil
	default:
		return ErrBusy
	}
}

// Outstanding reports queued plus in-flight jobs.
func (b *LocalBackend) Outstanding() int {
	return int(b.outstanding.Load())
}

// Stop drains nothing: queued jobs not yet started are abandoned and
// will be requeued by the scheduler's staleness pass.
func (b *LocalBackend) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.cancel()
	close(b.queue)
	<-b.done
	log.Printf("exec: local backend stopped")
}
