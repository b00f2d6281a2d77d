package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// BackpressureController tracks recent compute failures and adjusts
// the dispatch budget so a degraded backend (storage outage, raw DB
// contention) does not accumulate a pile of doomed RUNNING chunks.
//
// When the failure rate exceeds the threshold the budget is halved;
// when failures subside it ramps back up toward the maximum.
type BackpressureController struct {
	maxBudget int32
	minBudget int32
	threshold float64 // failure rate threshold (e.g., 0.05 = 5%)

	currentBudget atomic.Int32

	mu       sync.Mutex
	attempts []attemptRecord
	window   time.Duration
}

type attemptRecord struct {
	at      time.Time
	success bool
}

// BackpressureConfig holds configuration for the controller.
type BackpressureConfig struct {
	// MaxBudget is the upper bound on chunks dispatched per tick (default: 16).
	MaxBudget int `json:"max_budget" yaml:"max_budget"`

	// MinBudget is the lower bound (default: 1).
	MinBudget int `json:"min_budget" yaml:"min_budget"`

	// FailureThreshold is the failure rate above which backoff triggers (default: 0.10).
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold"`

	// WindowDuration is the sliding window for tracking failures (default: 10m).
	WindowDuration time.Duration `json:"window_duration" yaml:"window_duration"`
}

// DefaultBackpressureConfig returns sensible defaults.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		MaxBudget:        16,
		MinBudget:        1,
		FailureThreshold: 0.10,
		WindowDuration:   10 * time.Minute,
	}
}

// NewBackpressureController creates a controller with the given config.
func NewBackpressureController(cfg BackpressureConfig) *BackpressureController {
	if cfg.MaxBudget <= 0 {
		cfg.MaxBudget = 16
	}
	if cfg.MinBudget <= 0 {
		cfg.MinBudget = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.10
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 10 * time.Minute
	}

	bp := &BackpressureController{
		maxBudget: int32(cfg.MaxBudget),
		minBudget: int32(cfg.MinBudget),
		threshold: cfg.FailureThreshold,
		window:    cfg.WindowDuration,
	}
	bp.currentBudget.Store(int32(cfg.MaxBudget))
	return bp
}

// RecordSuccess records a completed chunk.
func (bp *BackpressureController) RecordSuccess() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.attempts = append(bp.attempts, attemptRecord{at: time.Now(), success: true})
}

// RecordFailure records a failed chunk.
func (bp *BackpressureController) RecordFailure() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.attempts = append(bp.attempts, attemptRecord{at: time.Now(), success: false})
}

// FailureRate returns the failure rate within the sliding window.
func (bp *BackpressureController) FailureRate() float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.failureRateLocked()
}

func (bp *BackpressureController) failureRateLocked() float64 {
	bp.pruneWindowLocked()

	if len(bp.attempts) == 0 {
		return 0
	}

	failures := 0
	for _, a := range bp.attempts {
		if !a.success {
			failures++
		}
	}
	return float64(failures) / float64(len(bp.attempts))
}

func (bp *BackpressureController) pruneWindowLocked() {
	cutoff := time.Now().Add(-bp.window)
	i := 0
	for i < len(bp.attempts) && bp.attempts[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		bp.attempts = bp.attempts[i:]
	}
}

// AdjustBudget recalculates the dispatch budget from the recent
// failure rate. Called at the start of each scheduler tick.
//
//   - rate > threshold: halve the budget
//   - zero failures with recent history: double
//   - rate < threshold/2: grow by 50%
//   - otherwise: grow by 1
func (bp *BackpressureController) AdjustBudget() {
	bp.mu.Lock()
	rate := bp.failureRateLocked()
	hasHistory := len(bp.attempts) > 0
	bp.mu.Unlock()

	current := bp.currentBudget.Load()

	switch {
	case rate > bp.threshold:
		next := current / 2
		if next < bp.minBudget {
			next = bp.minBudget
		}
		bp.currentBudget.Store(next)
	case rate == 0 && hasHistory:
		next := current * 2
		if next > bp.maxBudget {
			next = bp.maxBudget
		}
		bp.currentBudget.Store(next)
	case rate < bp.threshold/2:
		delta := current / 2
		if delta < 1 {
			delta = 1
		}
		next := current + delta
		if next > bp.maxBudget {
			next = bp.maxBudget
		}
		bp.currentBudget.Store(next)
	case rate <= bp.threshold:
		next := current + 1
		if next > bp.maxBudget {
			next = bp.maxBudget
		}
		bp.currentBudget.Store(next)
	}
}

// Budget returns the current dispatch budget.
func (bp *BackpressureController) Budget() int {
	return int(bp.currentBudget.Load())
}

// BackpressureStats is a snapshot of the controller's state.
type BackpressureStats struct {
	CurrentBudget    int     `json:"current_budget"`
	FailureRate      float64 `json:"failure_rate"`
	AttemptsInWindow int     `json:"attempts_in_window"`
	FailuresInWindow int     `json:"failures_in_window"`
}

// Stats returns current backpressure statistics.
func (bp *BackpressureController) Stats() BackpressureStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.pruneWindowLocked()

	failures := 0
	for _, a := range bp.attempts {
		if !a.success {
			failures++
		}
	}

	return BackpressureStats{
		CurrentBudget:    int(bp.currentBudget.Load()),
		FailureRate:      bp.failureRateLocked(),
		AttemptsInWindow: len(bp.attempts),
		FailuresInWindow: failures,
	}
}
